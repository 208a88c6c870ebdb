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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// TIMEOUTS AND OPTIONS
// =============================================================================

// OperationTimeouts holds per-operation request deadlines.
type OperationTimeouts struct {
	Hover         time.Duration
	Completion    time.Duration
	SignatureHelp time.Duration

	// Navigation covers definition, references, rename and symbol search.
	Navigation time.Duration

	// SettleDelay is waited after a document was opened or changed and
	// before querying it. Zero disables.
	SettleDelay time.Duration
}

// DefaultOperationTimeouts returns interactive defaults.
func DefaultOperationTimeouts() OperationTimeouts {
	return OperationTimeouts{
		Hover:         60 * time.Second,
		Completion:    30 * time.Second,
		SignatureHelp: 30 * time.Second,
		Navigation:    30 * time.Second,
		SettleDelay:   500 * time.Millisecond,
	}
}

// BatchOperationTimeouts returns defaults for non-interactive callers,
// which can afford to wait longer for completions.
func BatchOperationTimeouts() OperationTimeouts {
	t := DefaultOperationTimeouts()
	t.Completion = 60 * time.Second
	return t
}

// callOptions are the per-call overrides.
type callOptions struct {
	timeout    time.Duration
	skipSettle bool
}

// OperationOption overrides an operation's defaults for one call.
type OperationOption func(*callOptions)

// WithTimeout replaces the operation's request deadline.
func WithTimeout(d time.Duration) OperationOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithoutSettle skips the settle delay after opening a document.
func WithoutSettle() OperationOption {
	return func(o *callOptions) { o.skipSettle = true }
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Operations provides code intelligence on top of the session manager.
//
// Description:
//
//	Every operation resolves a session with PrepareFile, waits the settle
//	delay if the document was just opened or changed, sends one typed
//	request and decodes the result. Hover and completion answer a timeout
//	with a fallback value; every other failure is returned as an error.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Operations struct {
	manager  *Manager
	timeouts OperationTimeouts
	logger   *slog.Logger
}

// NewOperations creates an operations facade.
func NewOperations(manager *Manager, timeouts OperationTimeouts) *Operations {
	return &Operations{
		manager:  manager,
		timeouts: timeouts,
		logger:   manager.logger.With(slog.String("component", "lsp_operations")),
	}
}

// Manager returns the underlying session manager.
func (o *Operations) Manager() *Manager {
	return o.manager
}

// Timeouts returns the configured deadlines.
func (o *Operations) Timeouts() OperationTimeouts {
	return o.timeouts
}

func (o *Operations) options(def time.Duration, opts []OperationOption) callOptions {
	co := callOptions{timeout: def}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

// prepare syncs the file and waits the settle delay when needed.
func (o *Operations) prepare(ctx context.Context, path string, co callOptions) (*SessionRef, error) {
	ref, err := o.manager.PrepareFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if ref.NewlyOpened && !co.skipSettle {
		if err := settle(ctx, o.timeouts.SettleDelay); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// settle waits d or until ctx ends, whichever comes first.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// languageFor is used for spans and metrics before a session exists.
func (o *Operations) languageFor(path string) string {
	if cfg, ok := o.manager.Configs().ForPath(path); ok {
		return cfg.Language
	}
	return "unknown"
}

// finish records span and metric results for one operation.
func finish(ctx context.Context, span trace.Span, op, language string, start time.Time, count int, outcome string) {
	setOperationSpanResult(span, count, outcome)
	recordOperationMetrics(ctx, op, language, time.Since(start), outcome)
}

func positionParams(uri string, pos Position) TextDocumentPositionParams {
	return TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
}

// =============================================================================
// HOVER
// =============================================================================

// GetHover returns type and documentation info at a position.
//
// Description:
//
//	Sends textDocument/hover. When the analyzer does not answer within
//	the hover deadline the result is a synthetic hover naming the
//	position, with Synthetic set, and no error.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	path - File path.
//	pos - Zero-based position.
//	opts - Per-call overrides.
//
// Outputs:
//
//	*HoverInfo - Hover information, nil if the analyzer has none.
//	error - Non-nil on any failure other than a timeout.
//
// Example:
//
//	info, err := ops.GetHover(ctx, "/project/main.go", lsp.Position{Line: 9, Character: 4})
//	if err != nil {
//	    return err
//	}
//	if info != nil {
//	    fmt.Println(info.Content)
//	}
func (o *Operations) GetHover(ctx context.Context, path string, pos Position, opts ...OperationOption) (*HoverInfo, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	co := o.options(o.timeouts.Hover, opts)
	language := o.languageFor(path)

	ctx, span := startOperationSpan(ctx, "Hover", language, path)
	defer span.End()
	start := time.Now()

	ref, err := o.prepare(ctx, path, co)
	if err != nil {
		finish(ctx, span, "hover", language, start, 0, "error")
		return nil, err
	}

	resp, err := ref.Session.Request(ctx, "textDocument/hover", positionParams(ref.URI, pos), co.timeout)
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) {
			recordFallback(ctx, "hover", language)
			finish(ctx, span, "hover", language, start, 1, "fallback")
			o.logger.Warn("Hover timed out, returning placeholder",
				slog.String("path", ref.Path),
				slog.Int("line", pos.Line),
				slog.Int("character", pos.Character),
			)
			return hoverFallback(ref.Path, pos), nil
		}
		finish(ctx, span, "hover", language, start, 0, "error")
		return nil, fmt.Errorf("hover request: %w", err)
	}

	info, err := decodeHover(resp.Result)
	if err != nil {
		finish(ctx, span, "hover", language, start, 0, "error")
		return nil, err
	}
	count := 0
	if info != nil {
		count = 1
	}
	finish(ctx, span, "hover", language, start, count, "ok")
	return info, nil
}

// hoverFallback is the placeholder returned when hover times out.
func hoverFallback(path string, pos Position) *HoverInfo {
	return &HoverInfo{
		Content: fmt.Sprintf("Hover information unavailable: the analyzer did not respond in time for %s:%d:%d.",
			filepath.Base(path), pos.Line+1, pos.Character+1),
		Kind:      "plaintext",
		Range:     &Range{Start: pos, End: pos},
		Synthetic: true,
	}
}

// =============================================================================
// COMPLETION
// =============================================================================

// UnavailableCompletionLabel labels the single item of a timed-out
// completion result.
const UnavailableCompletionLabel = "(completions unavailable)"

// GetCompletions returns completion candidates at a position.
//
// Description:
//
//	Sends textDocument/completion with the trigger character, if any.
//	The result carries an explicit status: CompletionOK with the
//	analyzer's items (possibly none), CompletionTimedOut with one
//	UnavailableCompletionLabel item and no error, or CompletionFailed
//	together with the returned error.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	path - File path.
//	pos - Zero-based position.
//	triggerChar - Character that triggered completion, or "" when invoked.
//	opts - Per-call overrides.
func (o *Operations) GetCompletions(ctx context.Context, path string, pos Position, triggerChar string, opts ...OperationOption) (CompletionResult, error) {
	if ctx == nil {
		return CompletionResult{Status: CompletionFailed}, fmt.Errorf("ctx must not be nil")
	}
	co := o.options(o.timeouts.Completion, opts)
	language := o.languageFor(path)

	ctx, span := startOperationSpan(ctx, "Completion", language, path)
	defer span.End()
	start := time.Now()

	fail := func(err error) (CompletionResult, error) {
		finish(ctx, span, "completion", language, start, 0, "error")
		return CompletionResult{Status: CompletionFailed, Items: []CompletionItem{}, Error: err.Error()}, err
	}

	ref, err := o.prepare(ctx, path, co)
	if err != nil {
		return fail(err)
	}

	params := CompletionParams{
		TextDocumentPositionParams: positionParams(ref.URI, pos),
		Context:                    &CompletionContext{TriggerKind: TriggerKindInvoked},
	}
	if triggerChar != "" {
		params.Context = &CompletionContext{
			TriggerKind:      TriggerKindTriggerCharacter,
			TriggerCharacter: triggerChar,
		}
	}

	resp, err := ref.Session.Request(ctx, "textDocument/completion", params, co.timeout)
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) {
			recordFallback(ctx, "completion", language)
			finish(ctx, span, "completion", language, start, 1, "fallback")
			o.logger.Warn("Completion timed out, returning placeholder",
				slog.String("path", ref.Path),
				slog.Int("line", pos.Line),
				slog.Int("character", pos.Character),
			)
			return CompletionResult{
				Status: CompletionTimedOut,
				Items: []CompletionItem{{
					Label:  UnavailableCompletionLabel,
					Detail: "The analyzer did not respond in time",
				}},
			}, nil
		}
		return fail(fmt.Errorf("completion request: %w", err))
	}

	list, err := decodeCompletion(resp.Result)
	if err != nil {
		return fail(err)
	}
	finish(ctx, span, "completion", language, start, len(list.Items), "ok")
	return CompletionResult{
		Status:       CompletionOK,
		Items:        list.Items,
		IsIncomplete: list.IsIncomplete,
	}, nil
}

// =============================================================================
// SIGNATURE HELP
// =============================================================================

// GetSignatureHelp returns the signature of the call at a position.
//
// Description:
//
//	Sends textDocument/signatureHelp. There is no fallback: a timeout is
//	returned as an error wrapping ErrRequestTimeout.
//
// Outputs:
//
//	*SignatureHelp - Signatures, nil if the position is not in a call.
//	error - Non-nil on failure, including timeouts.
func (o *Operations) GetSignatureHelp(ctx context.Context, path string, pos Position, triggerChar string, opts ...OperationOption) (*SignatureHelp, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	co := o.options(o.timeouts.SignatureHelp, opts)
	language := o.languageFor(path)

	ctx, span := startOperationSpan(ctx, "SignatureHelp", language, path)
	defer span.End()
	start := time.Now()

	ref, err := o.prepare(ctx, path, co)
	if err != nil {
		finish(ctx, span, "signature_help", language, start, 0, "error")
		return nil, err
	}

	params := SignatureHelpParams{
		TextDocumentPositionParams: positionParams(ref.URI, pos),
		Context:                    &SignatureHelpContext{TriggerKind: TriggerKindInvoked},
	}
	if triggerChar != "" {
		params.Context = &SignatureHelpContext{
			TriggerKind:      TriggerKindTriggerCharacter,
			TriggerCharacter: triggerChar,
		}
	}

	resp, err := ref.Session.Request(ctx, "textDocument/signatureHelp", params, co.timeout)
	if err != nil {
		finish(ctx, span, "signature_help", language, start, 0, "error")
		return nil, fmt.Errorf("signature help request: %w", err)
	}

	help, err := decodeSignatureHelp(resp.Result)
	if err != nil {
		finish(ctx, span, "signature_help", language, start, 0, "error")
		return nil, err
	}
	count := 0
	if help != nil {
		count = len(help.Signatures)
	}
	finish(ctx, span, "signature_help", language, start, count, "ok")
	return help, nil
}

// =============================================================================
// NAVIGATION
// =============================================================================

const (
	// maxRetries is the number of extra attempts after a session died
	// under an idempotent request.
	maxRetries = 1

	// retryDelay is the delay between retry attempts.
	retryDelay = 100 * time.Millisecond
)

// isRetryableError reports whether the session went away under the
// request, so a fresh session may succeed.
func isRetryableError(err error) bool {
	return errors.Is(err, ErrProcessTerminated) ||
		errors.Is(err, ErrServerNotRunning) ||
		errors.Is(err, ErrSessionDegraded)
}

// requestWithRetry prepares path and sends one request, retrying once
// against a fresh session when the first one died. Only idempotent
// requests use it.
func (o *Operations) requestWithRetry(ctx context.Context, path string, co callOptions, method string, params func(ref *SessionRef) any) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			o.logger.Debug("Retrying request after session loss",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()),
			)
			if err := settle(ctx, retryDelay); err != nil {
				return nil, err
			}
		}

		ref, err := o.prepare(ctx, path, co)
		if err != nil {
			return nil, err
		}
		resp, err := ref.Session.Request(ctx, method, params(ref), co.timeout)
		if err == nil {
			return resp, nil
		}
		if !isRetryableError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Definition returns the definition location(s) of the symbol at pos.
func (o *Operations) Definition(ctx context.Context, path string, pos Position, opts ...OperationOption) ([]Location, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	co := o.options(o.timeouts.Navigation, opts)
	language := o.languageFor(path)

	ctx, span := startOperationSpan(ctx, "Definition", language, path)
	defer span.End()
	start := time.Now()

	resp, err := o.requestWithRetry(ctx, path, co, "textDocument/definition", func(ref *SessionRef) any {
		return positionParams(ref.URI, pos)
	})
	if err != nil {
		finish(ctx, span, "definition", language, start, 0, "error")
		return nil, fmt.Errorf("definition request: %w", err)
	}

	locations, err := decodeLocations(resp.Result)
	if err != nil {
		finish(ctx, span, "definition", language, start, 0, "error")
		return nil, err
	}
	finish(ctx, span, "definition", language, start, len(locations), "ok")
	return locations, nil
}

// References returns every location referencing the symbol at pos.
func (o *Operations) References(ctx context.Context, path string, pos Position, includeDecl bool, opts ...OperationOption) ([]Location, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	co := o.options(o.timeouts.Navigation, opts)
	language := o.languageFor(path)

	ctx, span := startOperationSpan(ctx, "References", language, path)
	defer span.End()
	start := time.Now()

	resp, err := o.requestWithRetry(ctx, path, co, "textDocument/references", func(ref *SessionRef) any {
		return ReferenceParams{
			TextDocumentPositionParams: positionParams(ref.URI, pos),
			Context:                    ReferenceContext{IncludeDeclaration: includeDecl},
		}
	})
	if err != nil {
		finish(ctx, span, "references", language, start, 0, "error")
		return nil, fmt.Errorf("references request: %w", err)
	}

	locations, err := decodeLocations(resp.Result)
	if err != nil {
		finish(ctx, span, "references", language, start, 0, "error")
		return nil, err
	}
	finish(ctx, span, "references", language, start, len(locations), "ok")
	return locations, nil
}

// Rename computes the edits that rename the symbol at pos. The edits are
// not applied; pass them to the workspace engine.
func (o *Operations) Rename(ctx context.Context, path string, pos Position, newName string, opts ...OperationOption) (*WorkspaceEdit, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if newName == "" {
		return nil, fmt.Errorf("newName must not be empty")
	}
	co := o.options(o.timeouts.Navigation, opts)
	language := o.languageFor(path)

	ctx, span := startOperationSpan(ctx, "Rename", language, path)
	defer span.End()
	start := time.Now()

	ref, err := o.prepare(ctx, path, co)
	if err != nil {
		finish(ctx, span, "rename", language, start, 0, "error")
		return nil, err
	}

	resp, err := ref.Session.Request(ctx, "textDocument/rename", RenameParams{
		TextDocumentPositionParams: positionParams(ref.URI, pos),
		NewName:                    newName,
	}, co.timeout)
	if err != nil {
		finish(ctx, span, "rename", language, start, 0, "error")
		return nil, fmt.Errorf("rename request: %w", err)
	}

	edit, err := decodeWorkspaceEdit(resp.Result)
	if err != nil {
		finish(ctx, span, "rename", language, start, 0, "error")
		return nil, err
	}
	count := 0
	if edit != nil {
		count = edit.EditCount()
	}
	finish(ctx, span, "rename", language, start, count, "ok")
	return edit, nil
}

// WorkspaceSymbol searches symbols across the workspace of language's
// session at the manager root.
func (o *Operations) WorkspaceSymbol(ctx context.Context, language, query string, opts ...OperationOption) ([]SymbolInformation, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	co := o.options(o.timeouts.Navigation, opts)

	ctx, span := startOperationSpan(ctx, "WorkspaceSymbol", language, "")
	defer span.End()
	start := time.Now()

	s, err := o.manager.GetOrStart(ctx, language, "")
	if err != nil {
		finish(ctx, span, "workspace_symbol", language, start, 0, "error")
		return nil, err
	}
	resp, err := s.Request(ctx, "workspace/symbol", WorkspaceSymbolParams{Query: query}, co.timeout)
	if err != nil {
		finish(ctx, span, "workspace_symbol", language, start, 0, "error")
		return nil, fmt.Errorf("workspace symbol request: %w", err)
	}

	symbols, err := decodeSymbols(resp.Result)
	if err != nil {
		finish(ctx, span, "workspace_symbol", language, start, 0, "error")
		return nil, err
	}
	finish(ctx, span, "workspace_symbol", language, start, len(symbols), "ok")
	return symbols, nil
}

// Diagnostics returns the diagnostics last published for path. It never
// starts an analyzer.
func (o *Operations) Diagnostics(path string) (DiagnosticsSnapshot, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return DiagnosticsSnapshot{}, false
	}
	return o.manager.Diagnostics(abs)
}
