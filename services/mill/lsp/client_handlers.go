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
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// ApplyEditFunc applies a server-initiated workspace edit. It reports
// whether the edit was applied and, if not, why.
type ApplyEditFunc func(ctx context.Context, edit WorkspaceEdit) (applied bool, failureReason string)

// Message types of window/logMessage and window/showMessage.
const (
	messageTypeError   = 1
	messageTypeWarning = 2
	messageTypeInfo    = 3
)

// registerClientHandlers answers the requests and notifications analyzers
// send to their client.
func (s *Session) registerClientHandlers() {
	p := s.protocol

	p.OnNotification("textDocument/publishDiagnostics", s.diagnostics.Handle)
	p.OnNotification("$/progress", s.progress.Handle)
	p.OnNotification("window/logMessage", s.logAnalyzerMessage("Analyzer log"))
	p.OnNotification("window/showMessage", s.logAnalyzerMessage("Analyzer message"))
	p.OnNotification("telemetry/event", func(json.RawMessage) {})

	p.OnRequest("workspace/configuration", func(_ context.Context, params json.RawMessage) (any, error) {
		// One null per requested item: no client-side settings.
		n := gjson.GetBytes(params, "items.#").Int()
		return make([]any, n), nil
	})
	p.OnRequest("workspace/workspaceFolders", func(context.Context, json.RawMessage) (any, error) {
		return []WorkspaceFolder{{URI: PathToURI(s.cfg.Root), Name: filepath.Base(s.cfg.Root)}}, nil
	})
	for _, method := range []string{
		"client/registerCapability",
		"client/unregisterCapability",
		"window/workDoneProgress/create",
		"window/showMessageRequest",
	} {
		p.OnRequest(method, func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		})
	}
	p.OnRequest("workspace/applyEdit", s.handleApplyEdit)
}

func (s *Session) handleApplyEdit(ctx context.Context, params json.RawMessage) (any, error) {
	var req ApplyWorkspaceEditParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &LSPError{Code: CodeInvalidParams, Message: fmt.Sprintf("decode applyEdit: %v", err)}
	}
	if s.cfg.ApplyEdit == nil {
		return ApplyWorkspaceEditResult{FailureReason: "client does not apply edits"}, nil
	}

	s.logger.Info("Analyzer requested workspace edit",
		slog.String("label", req.Label),
		slog.Int("edits", req.Edit.EditCount()),
	)
	applied, reason := s.cfg.ApplyEdit(ctx, req.Edit)
	return ApplyWorkspaceEditResult{Applied: applied, FailureReason: reason}, nil
}

func (s *Session) logAnalyzerMessage(msg string) NotificationHandler {
	return func(params json.RawMessage) {
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		level := slog.LevelDebug
		switch p.Type {
		case messageTypeError:
			level = slog.LevelWarn
		case messageTypeWarning, messageTypeInfo:
			level = slog.LevelInfo
		}
		s.logger.Log(context.Background(), level, msg, slog.String("message", p.Message))
	}
}
