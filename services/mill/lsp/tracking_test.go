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
	"testing"
	"time"
)

func TestProgressTracker(t *testing.T) {
	t.Run("tracks begin report end", func(t *testing.T) {
		tr := NewProgressTracker()
		tr.Handle(json.RawMessage(`{"token":"idx","value":{"kind":"begin","title":"Indexing","percentage":0}}`))

		active := tr.Active()
		if len(active) != 1 || active[0].Title != "Indexing" {
			t.Fatalf("active = %+v", active)
		}

		tr.Handle(json.RawMessage(`{"token":"idx","value":{"kind":"report","message":"3/10","percentage":30}}`))
		active = tr.Active()
		if active[0].Message != "3/10" || active[0].Percentage == nil || *active[0].Percentage != 30 {
			t.Errorf("after report = %+v", active[0])
		}

		tr.Handle(json.RawMessage(`{"token":"idx","value":{"kind":"end"}}`))
		if got := tr.Active(); len(got) != 0 {
			t.Errorf("after end = %+v", got)
		}
	})

	t.Run("numeric tokens", func(t *testing.T) {
		tr := NewProgressTracker()
		tr.Handle(json.RawMessage(`{"token":7,"value":{"kind":"begin","title":"Loading"}}`))
		if got := tr.Active(); len(got) != 1 || got[0].Token != "7" {
			t.Errorf("active = %+v", got)
		}
	})

	t.Run("ignores reports for unknown tokens", func(t *testing.T) {
		tr := NewProgressTracker()
		tr.Handle(json.RawMessage(`{"token":"x","value":{"kind":"report"}}`))
		tr.Handle(json.RawMessage(`{"value":{"kind":"begin"}}`))
		if got := tr.Active(); len(got) != 0 {
			t.Errorf("active = %+v", got)
		}
	})

	t.Run("WaitIdle wakes on end", func(t *testing.T) {
		tr := NewProgressTracker()
		tr.Handle(json.RawMessage(`{"token":"idx","value":{"kind":"begin"}}`))

		go func() {
			time.Sleep(20 * time.Millisecond)
			tr.Handle(json.RawMessage(`{"token":"idx","value":{"kind":"end"}}`))
		}()
		if !tr.WaitIdle(context.Background(), 2*time.Second) {
			t.Error("WaitIdle timed out")
		}
	})

	t.Run("WaitFor times out", func(t *testing.T) {
		tr := NewProgressTracker()
		tr.Handle(json.RawMessage(`{"token":"idx","value":{"kind":"begin"}}`))
		if tr.WaitFor(context.Background(), "idx", 20*time.Millisecond) {
			t.Error("WaitFor reported done for an active token")
		}
		if !tr.WaitFor(context.Background(), "other", time.Second) {
			t.Error("unknown tokens count as ended")
		}
	})

	t.Run("WaitIdle honors ctx", func(t *testing.T) {
		tr := NewProgressTracker()
		tr.Handle(json.RawMessage(`{"token":"idx","value":{"kind":"begin"}}`))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if tr.WaitIdle(ctx, time.Minute) {
			t.Error("WaitIdle ignored canceled ctx")
		}
	})
}

func TestDiagnosticsStore(t *testing.T) {
	s := NewDiagnosticsStore(testLogger())

	s.Handle(json.RawMessage(`{"uri":"file:///a.go","version":2,"diagnostics":[{"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}},"severity":1,"message":"undefined: x"}]}`))
	snap, ok := s.Get("file:///a.go")
	if !ok || len(snap.Diagnostics) != 1 {
		t.Fatalf("Get = %+v, %v", snap, ok)
	}
	if snap.Diagnostics[0].Severity != SeverityError || snap.Version == nil || *snap.Version != 2 {
		t.Errorf("snapshot = %+v", snap)
	}

	s.Handle(json.RawMessage(`{"uri":"file:///a.go","diagnostics":[]}`))
	if _, ok := s.Get("file:///a.go"); ok {
		t.Error("empty publish should clear the entry")
	}

	s.Handle(json.RawMessage(`{"uri":"file:///b.go","diagnostics":[{"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":0}},"message":"m"}]}`))
	s.Handle(json.RawMessage(`not json`))
	if s.Count() != 1 {
		t.Errorf("Count = %d", s.Count())
	}
	s.Forget("file:///b.go")
	if s.Count() != 0 {
		t.Errorf("Count after Forget = %d", s.Count())
	}
}
