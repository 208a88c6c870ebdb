// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp drives external language analyzers for AleutianMill.
//
// Analyzers (gopls, pyright, rust-analyzer, ...) run as subprocesses, one
// per language per workspace root, and speak JSON-RPC 2.0 with
// Content-Length framing over stdio. This package starts them, tracks
// their readiness and multiplexes requests onto them with bounded waits.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│  Operations   GetHover / GetCompletions / GetSignatureHelp / ... │
//	│       │                                                          │
//	│  Manager      (language, root) → Session, singleflight starts    │
//	│       │                                                          │
//	│  Session      process, state machine, open documents             │
//	│       │                                                          │
//	│  Protocol     framing, id correlation, deadlines, dispatch       │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Session states
//
//	Uninitialized → Starting → Ready → Degraded
//	                    │        │         │
//	                    └────────┴─────────┴──→ (Stopping) → Terminated
//
// A Degraded or Terminated session is replaced on the next request.
//
// # Timeouts
//
// Every request has a deadline. Hover and completion turn a timeout into
// a placeholder result; every other operation returns an error wrapping
// ErrRequestTimeout. Responses that arrive after their deadline are
// dropped.
//
// # Positions
//
// Positions are zero-based with the character counted in UTF-16 code
// units. PositionConverter maps them to byte offsets.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
//
// # Example
//
//	mgr := lsp.NewManager("/path/to/project", lsp.DefaultManagerConfig())
//	defer mgr.Shutdown(context.Background())
//
//	ops := lsp.NewOperations(mgr, lsp.DefaultOperationTimeouts())
//	info, err := ops.GetHover(ctx, "/path/to/file.go", lsp.Position{Line: 9, Character: 4})
package lsp
