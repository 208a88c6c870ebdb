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
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ProgressKind is the phase of a work-done progress token.
type ProgressKind string

// Progress phases reported through $/progress.
const (
	ProgressBegin  ProgressKind = "begin"
	ProgressReport ProgressKind = "report"
	ProgressEnd    ProgressKind = "end"
)

// ProgressInfo is the latest known state of one progress token.
type ProgressInfo struct {
	Token      string       `json:"token"`
	Kind       ProgressKind `json:"kind"`
	Title      string       `json:"title,omitempty"`
	Message    string       `json:"message,omitempty"`
	Percentage *int         `json:"percentage,omitempty"`
	Started    time.Time    `json:"started"`
	Updated    time.Time    `json:"updated"`
}

// ProgressTracker follows $/progress notifications for one session.
//
// Description:
//
//	Analyzers announce long-running work such as initial indexing with
//	begin/report/end progress. The tracker keeps the active tokens so
//	callers can wait for indexing to finish before querying.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ProgressTracker struct {
	mu      sync.Mutex
	active  map[string]*ProgressInfo
	changed chan struct{}
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		active:  make(map[string]*ProgressInfo),
		changed: make(chan struct{}),
	}
}

// Handle consumes the params of a $/progress notification.
func (t *ProgressTracker) Handle(params json.RawMessage) {
	token := gjson.GetBytes(params, "token")
	kind := ProgressKind(gjson.GetBytes(params, "value.kind").String())
	if !token.Exists() || kind == "" {
		return
	}
	key := token.String()
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch kind {
	case ProgressBegin:
		t.active[key] = &ProgressInfo{
			Token:      key,
			Kind:       kind,
			Title:      gjson.GetBytes(params, "value.title").String(),
			Message:    gjson.GetBytes(params, "value.message").String(),
			Percentage: percentage(params),
			Started:    now,
			Updated:    now,
		}
	case ProgressReport:
		info, ok := t.active[key]
		if !ok {
			return
		}
		info.Kind = kind
		if msg := gjson.GetBytes(params, "value.message"); msg.Exists() {
			info.Message = msg.String()
		}
		if pct := percentage(params); pct != nil {
			info.Percentage = pct
		}
		info.Updated = now
	case ProgressEnd:
		delete(t.active, key)
	default:
		return
	}
	t.broadcastLocked()
}

func percentage(params json.RawMessage) *int {
	p := gjson.GetBytes(params, "value.percentage")
	if !p.Exists() {
		return nil
	}
	v := int(p.Int())
	return &v
}

// broadcastLocked wakes every waiter. Callers hold t.mu.
func (t *ProgressTracker) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Active returns the in-flight progress tokens ordered by start time.
func (t *ProgressTracker) Active() []ProgressInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProgressInfo, 0, len(t.active))
	for _, info := range t.active {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// WaitIdle blocks until no progress is active, ctx ends, or timeout
// elapses. It reports whether the tracker went idle.
func (t *ProgressTracker) WaitIdle(ctx context.Context, timeout time.Duration) bool {
	return t.wait(ctx, timeout, func() bool { return len(t.active) == 0 })
}

// WaitFor blocks until token ends, ctx ends, or timeout elapses. It
// reports whether the token ended. Unknown tokens count as ended.
func (t *ProgressTracker) WaitFor(ctx context.Context, token string, timeout time.Duration) bool {
	return t.wait(ctx, timeout, func() bool {
		_, ok := t.active[token]
		return !ok
	})
}

func (t *ProgressTracker) wait(ctx context.Context, timeout time.Duration, done func() bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		if done() {
			t.mu.Unlock()
			return true
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
