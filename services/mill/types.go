// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mill

import (
	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/AleutianAI/AleutianMill/services/mill/symbols"
	"github.com/AleutianAI/AleutianMill/services/mill/workspace"
)

// PositionRequest addresses a zero-based position in a file. FilePath may
// be relative to the workspace root.
type PositionRequest struct {
	FilePath  string `json:"file_path" binding:"required"`
	Line      int    `json:"line" binding:"min=0"`
	Character int    `json:"character" binding:"min=0"`
}

func (r PositionRequest) position() lsp.Position {
	return lsp.Position{Line: r.Line, Character: r.Character}
}

// CompletionRequest is the body of POST /completion and POST /signature.
type CompletionRequest struct {
	PositionRequest
	TriggerCharacter string `json:"trigger_character,omitempty" binding:"omitempty,max=1"`
}

// ReferencesRequest is the body of POST /references.
type ReferencesRequest struct {
	PositionRequest
	IncludeDeclaration bool `json:"include_declaration"`
}

// HoverResponse is returned by POST /hover. Found is false when the
// analyzer has nothing for the position.
type HoverResponse struct {
	Found bool           `json:"found"`
	Hover *lsp.HoverInfo `json:"hover,omitempty"`
}

// SignatureResponse is returned by POST /signature.
type SignatureResponse struct {
	Found         bool               `json:"found"`
	SignatureHelp *lsp.SignatureHelp `json:"signature_help,omitempty"`
}

// LocationsResponse is returned by POST /definition and POST /references.
type LocationsResponse struct {
	Locations []lsp.Location `json:"locations"`
}

// DiagnosticsResponse is returned by GET /diagnostics.
type DiagnosticsResponse struct {
	Found       bool             `json:"found"`
	FilePath    string           `json:"file_path"`
	Diagnostics []lsp.Diagnostic `json:"diagnostics"`
	Version     *int             `json:"version,omitempty"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	Sessions []lsp.SessionInfo `json:"sessions"`
}

// ApplyRequest is the body of POST /workspace/apply. Options default to
// the configured engine options when omitted.
type ApplyRequest struct {
	Edit    lsp.WorkspaceEdit  `json:"edit"`
	Options *workspace.Options `json:"options,omitempty"`
}

// SymbolsRequest is the body of POST /symbols.
type SymbolsRequest struct {
	Language string `json:"language" binding:"required"`
	Command  string `json:"command" binding:"required"`
	Source   string `json:"source"`
}

// SymbolsResponse is returned by POST /symbols.
type SymbolsResponse struct {
	Symbols []symbols.Symbol `json:"symbols"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// LanguageStatus reports whether an analyzer can be started.
type LanguageStatus struct {
	Language  string `json:"language"`
	Available bool   `json:"available"`
}

// ReadyResponse is returned by GET /ready.
type ReadyResponse struct {
	Ready     bool             `json:"ready"`
	Root      string           `json:"root"`
	Sessions  int              `json:"sessions"`
	Languages []LanguageStatus `json:"languages"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
