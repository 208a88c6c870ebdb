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
	"errors"
	"fmt"
)

// Sentinel errors for analyzer orchestration.
var (
	// ErrServerNotRunning indicates the session is not accepting requests.
	ErrServerNotRunning = errors.New("lsp server not running")

	// ErrServerNotInstalled indicates the analyzer binary was not found.
	ErrServerNotInstalled = errors.New("lsp server not installed")

	// ErrUnsupportedLanguage indicates no analyzer is registered for a
	// language or file extension.
	ErrUnsupportedLanguage = errors.New("no lsp configuration for language")

	// ErrInitializeFailed indicates the initialize handshake failed.
	ErrInitializeFailed = errors.New("lsp initialize failed")

	// ErrRequestTimeout indicates a request exceeded its deadline.
	ErrRequestTimeout = errors.New("lsp request timeout")

	// ErrProcessTerminated indicates the analyzer process exited or its
	// channel was closed while requests were outstanding.
	ErrProcessTerminated = errors.New("lsp process terminated")

	// ErrSessionDegraded indicates the session stopped answering and no
	// longer accepts work until it is recreated.
	ErrSessionDegraded = errors.New("lsp session degraded")

	// ErrInvalidResponse indicates a response had an unexpected shape.
	ErrInvalidResponse = errors.New("invalid lsp response")

	// ErrServerAlreadyStarted indicates Start was called twice.
	ErrServerAlreadyStarted = errors.New("server already started")

	// ErrManagerStopped indicates the session manager has been shut down.
	ErrManagerStopped = errors.New("lsp manager stopped")
)

// JSON-RPC and LSP error codes used by this package.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// LSPError is an error returned by the analyzer in a response.
type LSPError struct {
	Code    int
	Message string
	Data    any
}

// Error implements the error interface.
func (e *LSPError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("LSP error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the analyzer does not implement the method.
func (e *LSPError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsRequestCancelled returns true if the request was cancelled.
func (e *LSPError) IsRequestCancelled() bool {
	return e.Code == CodeRequestCancelled
}

// IsContentModified returns true if the document changed under the request.
func (e *LSPError) IsContentModified() bool {
	return e.Code == CodeContentModified
}

// IsUnavailable reports whether err means the analyzer could not be reached.
//
// Description:
//
//	Groups transport failures (not installed, not running, terminated,
//	degraded, failed to initialize) into the single "server unavailable"
//	condition that upstream callers surface. Timeouts are not
//	included; they stay distinguishable through ErrRequestTimeout.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrServerNotRunning) ||
		errors.Is(err, ErrServerNotInstalled) ||
		errors.Is(err, ErrProcessTerminated) ||
		errors.Is(err, ErrSessionDegraded) ||
		errors.Is(err, ErrInitializeFailed) ||
		errors.Is(err, ErrManagerStopped)
}
