// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DiagnosticsSnapshot is the last diagnostics set published for a document.
type DiagnosticsSnapshot struct {
	URI         string       `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Received    time.Time    `json:"received"`
}

// DiagnosticsStore caches textDocument/publishDiagnostics per URI.
//
// Thread Safety: Safe for concurrent use.
type DiagnosticsStore struct {
	mu     sync.RWMutex
	byURI  map[string]DiagnosticsSnapshot
	logger *slog.Logger
}

// NewDiagnosticsStore creates an empty store.
func NewDiagnosticsStore(logger *slog.Logger) *DiagnosticsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiagnosticsStore{
		byURI:  make(map[string]DiagnosticsSnapshot),
		logger: logger,
	}
}

// Handle consumes the params of a publishDiagnostics notification. An
// empty list clears the entry.
func (s *DiagnosticsStore) Handle(params json.RawMessage) {
	var p PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		s.logger.Warn("Dropping undecodable diagnostics", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p.Diagnostics) == 0 {
		delete(s.byURI, p.URI)
		return
	}
	s.byURI[p.URI] = DiagnosticsSnapshot{
		URI:         p.URI,
		Version:     p.Version,
		Diagnostics: p.Diagnostics,
		Received:    time.Now(),
	}
}

// Get returns the diagnostics for uri.
func (s *DiagnosticsStore) Get(uri string) (DiagnosticsSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byURI[uri]
	return snap, ok
}

// Forget drops the entry for uri.
func (s *DiagnosticsStore) Forget(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byURI, uri)
}

// Count returns the number of documents with diagnostics.
func (s *DiagnosticsStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byURI)
}
