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
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// SESSION STATE
// =============================================================================

// SessionState represents the lifecycle state of an analyzer session.
type SessionState int

const (
	// StateUninitialized is the initial state before Start is called.
	StateUninitialized SessionState = iota

	// StateStarting means the process is spawned and initialize is in flight.
	StateStarting

	// StateReady means the session accepts requests.
	StateReady

	// StateDegraded means the session stopped answering reliably. New
	// requests fail fast with ErrSessionDegraded.
	StateDegraded

	// StateStopping means Shutdown is in progress.
	StateStopping

	// StateTerminated means the process is gone. Terminal.
	StateTerminated
)

// String returns a human-readable state name.
var sessionStateNames = []string{"uninitialized", "starting", "ready", "degraded", "stopping", "terminated"}

func (s SessionState) String() string {
	if int(s) >= 0 && int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *SessionState) UnmarshalText(text []byte) error {
	for i, name := range sessionStateNames {
		if string(text) == name {
			*s = SessionState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// ClientName is reported to analyzers in initialize.
const ClientName = "aleutian-mill"

// ClientVersion is reported to analyzers in initialize. Overridden at
// build time by cmd/mill.
var ClientVersion = "dev"

// gracefulShutdownWait bounds the shutdown request.
const gracefulShutdownWait = 5 * time.Second

// =============================================================================
// SESSION
// =============================================================================

// SessionConfig configures one Session.
type SessionConfig struct {
	// Language selects the analyzer.
	Language LanguageConfig

	// Root is the absolute workspace root.
	Root string

	// Spawner starts the process. Defaults to ExecSpawner.
	Spawner Spawner

	// DegradeAfterTimeouts is the number of consecutive request timeouts
	// after which the session is marked Degraded. Zero disables.
	DegradeAfterTimeouts int

	// GracePeriod is how long Shutdown waits for the process to exit
	// before killing it.
	GracePeriod time.Duration

	// ApplyEdit answers workspace/applyEdit. Nil rejects such requests.
	ApplyEdit ApplyEditFunc

	// OnExit is called once if the process ends while the session was not
	// being shut down.
	OnExit func(*Session)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is one running analyzer process for a (language, root) pair.
//
// Description:
//
//	Owns the process, its Protocol, the open-document table, and the
//	progress and diagnostics state the analyzer pushes to the client.
//	Sessions are created and owned by the Manager; operations borrow them
//	per request.
//
// Thread Safety:
//
//	Safe for concurrent use after Start returns successfully.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	proc         Process
	protocol     *Protocol
	capabilities ServerCapabilities
	serverInfo   *ClientInfo

	progress    *ProgressTracker
	diagnostics *DiagnosticsStore

	stateMu sync.RWMutex
	state   SessionState
	reason  string
	started time.Time

	cancelRead context.CancelFunc
	readDone   chan struct{}
	exitOnce   sync.Once

	consecutiveTimeouts atomic.Int32
	lastUsed            atomic.Int64

	docMu sync.Mutex
	docs  map[string]*documentState
}

// documentState is the last content synced to the analyzer for one URI.
type documentState struct {
	version int
	digest  [sha256.Size]byte
}

// NewSession creates a session (not started).
func NewSession(cfg SessionConfig) *Session {
	if cfg.Spawner == nil {
		cfg.Spawner = ExecSpawner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("component", "lsp_session"),
		slog.String("language", cfg.Language.Language),
		slog.String("root", cfg.Root),
	)

	s := &Session{
		cfg:         cfg,
		logger:      logger,
		progress:    NewProgressTracker(),
		diagnostics: NewDiagnosticsStore(logger),
		state:       StateUninitialized,
		readDone:    make(chan struct{}),
		docs:        make(map[string]*documentState),
	}
	s.touch()
	return s
}

// Start spawns the analyzer and performs the initialize handshake.
//
// Description:
//
//	Spawns the process, starts the read loop, sends initialize with the
//	client capabilities and then the initialized notification. The
//	handshake is bounded by ctx. On any failure the process is killed and
//	the session ends Terminated.
//
// Errors:
//
//	ErrServerAlreadyStarted - Start called more than once.
//	ErrServerNotInstalled - Analyzer binary not found.
//	ErrInitializeFailed - Handshake failed or timed out.
//
// Thread Safety:
//
//	Safe for concurrent use, but only the first caller starts the session.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	s.stateMu.Lock()
	if s.state != StateUninitialized {
		s.stateMu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.state = StateStarting
	s.stateMu.Unlock()

	s.logger.Info("Starting analyzer", slog.String("command", s.cfg.Language.Command))

	proc, err := s.cfg.Spawner(ctx, s.cfg.Language, s.cfg.Root, s.logger)
	if err != nil {
		s.setState(StateTerminated, err.Error())
		close(s.readDone)
		if errors.Is(err, ErrServerNotInstalled) {
			s.logger.Warn("Analyzer not installed", slog.String("command", s.cfg.Language.Command))
		}
		return err
	}
	s.proc = proc
	s.protocol = NewProtocol(proc.Stdout(), proc.Stdin(), s.logger)
	s.registerClientHandlers()

	var readCtx context.Context
	readCtx, s.cancelRead = context.WithCancel(context.Background())
	go func() {
		defer close(s.readDone)
		err := s.protocol.ReadLoop(readCtx)
		s.handleReadLoopExit(err)
	}()

	if err := s.initialize(ctx); err != nil {
		s.setState(StateStopping, err.Error())
		_ = s.kill()
		s.protocol.Close()
		s.setState(StateTerminated, err.Error())
		return fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}

	s.stateMu.Lock()
	if s.state != StateStarting {
		// The process died during the handshake.
		s.stateMu.Unlock()
		return fmt.Errorf("%w: process exited during initialize", ErrInitializeFailed)
	}
	s.state = StateReady
	s.started = time.Now()
	s.stateMu.Unlock()
	s.touch()

	attrs := []any{
		slog.Int("pid", proc.Pid()),
		slog.Bool("hover", Supports(s.capabilities.HoverProvider)),
		slog.Bool("completion", Supports(s.capabilities.CompletionProvider)),
		slog.Bool("signature_help", Supports(s.capabilities.SignatureHelpProvider)),
	}
	if s.serverInfo != nil {
		attrs = append(attrs, slog.String("server", s.serverInfo.Name+" "+s.serverInfo.Version))
	}
	s.logger.Info("Analyzer ready", attrs...)
	return nil
}

// initialize performs the handshake.
func (s *Session) initialize(ctx context.Context) error {
	rootURI := PathToURI(s.cfg.Root)
	params := InitializeParams{
		ProcessID:  os.Getpid(),
		ClientInfo: &ClientInfo{Name: ClientName, Version: ClientVersion},
		RootURI:    rootURI,
		RootPath:   s.cfg.Root,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization:    &SynchronizationCapabilities{DidSave: true},
				Hover:              &HoverCapabilities{ContentFormat: []string{"markdown", "plaintext"}},
				Completion:         &CompletionCapabilities{ContextSupport: true},
				SignatureHelp:      &SignatureHelpCapabilities{ContextSupport: true},
				Definition:         &struct{}{},
				References:         &struct{}{},
				Rename:             &RenameCapabilities{PrepareSupport: false},
				PublishDiagnostics: &PublishDiagnosticsCapabilities{VersionSupport: true},
			},
			Workspace: WorkspaceClientCapabilities{
				ApplyEdit:        s.cfg.ApplyEdit != nil,
				Configuration:    true,
				WorkspaceFolders: true,
			},
			Window: WindowClientCapabilities{WorkDoneProgress: true},
		},
		InitializationOptions: s.cfg.Language.InitializationOptions,
		WorkspaceFolders: []WorkspaceFolder{
			{URI: rootURI, Name: filepath.Base(s.cfg.Root)},
		},
	}

	resp, err := s.protocol.SendRequest(ctx, "initialize", params, 0)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	s.capabilities = result.Capabilities
	s.serverInfo = result.ServerInfo

	if err := s.protocol.SendNotification("initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// handleReadLoopExit moves the session to Terminated when the analyzer
// goes away on its own.
func (s *Session) handleReadLoopExit(err error) {
	s.stateMu.Lock()
	prev := s.state
	if prev != StateStopping {
		s.state = StateTerminated
		if err != nil {
			s.reason = err.Error()
		}
	}
	s.stateMu.Unlock()

	if prev == StateStopping || prev == StateTerminated {
		return
	}
	s.logger.Warn("Analyzer exited unexpectedly",
		slog.String("previous_state", prev.String()),
		slog.Any("error", err),
	)
	if s.proc != nil {
		_ = s.proc.Kill()
	}
	s.exitOnce.Do(func() {
		if s.cfg.OnExit != nil {
			s.cfg.OnExit(s)
		}
	})
}

// Request sends a request and waits for the response.
//
// Description:
//
//	Fails fast unless the session is Ready. Consecutive timeouts are
//	counted; reaching DegradeAfterTimeouts marks the session Degraded.
//	Any answered request resets the count.
//
// Errors:
//
//	ErrSessionDegraded - Session is Degraded.
//	ErrServerNotRunning - Session is not Ready.
//	ErrRequestTimeout - No response within timeout.
//	*LSPError - Analyzer answered with an error.
func (s *Session) Request(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	switch st := s.State(); st {
	case StateReady:
	case StateDegraded:
		return nil, fmt.Errorf("%w: %s", ErrSessionDegraded, s.cfg.Language.Language)
	default:
		return nil, fmt.Errorf("%w: session is %s", ErrServerNotRunning, st)
	}
	s.touch()

	resp, err := s.protocol.SendRequest(ctx, method, params, timeout)
	switch {
	case err == nil:
		s.consecutiveTimeouts.Store(0)
	case errors.Is(err, ErrRequestTimeout):
		recordRequestTimeout(ctx, s.cfg.Language.Language, method)
		n := int(s.consecutiveTimeouts.Add(1))
		if limit := s.cfg.DegradeAfterTimeouts; limit > 0 && n >= limit {
			s.degrade(fmt.Sprintf("%d consecutive request timeouts", n))
		}
	default:
		var lspErr *LSPError
		if errors.As(err, &lspErr) {
			s.consecutiveTimeouts.Store(0)
			if lspErr.Code == CodeServerNotInitialized {
				s.degrade("analyzer reports it is not initialized")
			}
		}
	}
	return resp, err
}

// Notify sends a notification to the analyzer.
func (s *Session) Notify(method string, params any) error {
	switch st := s.State(); st {
	case StateReady, StateDegraded:
	default:
		return fmt.Errorf("%w: session is %s", ErrServerNotRunning, st)
	}
	return s.protocol.SendNotification(method, params)
}

// degrade marks a Ready session Degraded.
func (s *Session) degrade(reason string) {
	s.stateMu.Lock()
	if s.state != StateReady {
		s.stateMu.Unlock()
		return
	}
	s.state = StateDegraded
	s.reason = reason
	s.stateMu.Unlock()

	recordDegraded(s.cfg.Language.Language)
	s.logger.Warn("Analyzer session degraded", slog.String("reason", reason))
}

// Shutdown stops the analyzer.
//
// Description:
//
//	Sends shutdown (bounded to five seconds) and exit, closes stdin, then
//	waits up to the grace period for the process to leave before killing
//	its process group. Pending requests fail with ErrProcessTerminated.
//	The session is Terminated when Shutdown returns.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	switch s.state {
	case StateStopping, StateTerminated:
		s.stateMu.Unlock()
		return nil
	case StateUninitialized:
		s.state = StateTerminated
		s.stateMu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.stateMu.Unlock()

	s.logger.Info("Shutting down analyzer")

	var errs []error
	if s.protocol != nil {
		sctx, cancel := context.WithTimeout(ctx, gracefulShutdownWait)
		if _, err := s.protocol.SendRequest(sctx, "shutdown", nil, gracefulShutdownWait); err != nil {
			s.logger.Debug("Shutdown request failed", slog.String("error", err.Error()))
		}
		cancel()
		_ = s.protocol.SendNotification("exit", nil)
	}

	if s.proc != nil {
		_ = s.proc.Stdin().Close()

		grace := s.cfg.GracePeriod
		if grace <= 0 {
			grace = gracefulShutdownWait
		}
		timer := time.NewTimer(grace)
		select {
		case <-s.proc.Exited():
		case <-timer.C:
			s.logger.Warn("Analyzer did not exit, killing", slog.Duration("grace", grace))
			if err := s.kill(); err != nil {
				errs = append(errs, fmt.Errorf("kill %s analyzer: %w", s.cfg.Language.Language, err))
			}
		case <-ctx.Done():
			if err := s.kill(); err != nil {
				errs = append(errs, fmt.Errorf("kill %s analyzer: %w", s.cfg.Language.Language, err))
			}
		}
		timer.Stop()
	}

	if s.protocol != nil {
		s.protocol.Close()
	}
	if s.cancelRead != nil {
		s.cancelRead()
	}
	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}

	s.setState(StateTerminated, "shutdown")
	return errors.Join(errs...)
}

// kill force-stops the process and waits briefly for it to be reaped.
func (s *Session) kill() error {
	if s.proc == nil {
		return nil
	}
	err := s.proc.Kill()
	select {
	case <-s.proc.Exited():
	case <-time.After(2 * time.Second):
	}
	return err
}

func (s *Session) setState(state SessionState, reason string) {
	s.stateMu.Lock()
	s.state = state
	s.reason = reason
	s.stateMu.Unlock()
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// =============================================================================
// DOCUMENT SYNC
// =============================================================================

// SyncDocument makes the analyzer's view of uri match content.
//
// Description:
//
//	The first sync sends didOpen with version 1. Later syncs send a
//	full-text didChange with the next version when the content hash
//	differs, and nothing otherwise.
//
// Outputs:
//
//	bool - True if a didOpen or didChange was sent.
//	error - Non-nil if the notification could not be written.
func (s *Session) SyncDocument(uri, languageID string, content []byte) (bool, error) {
	digest := sha256.Sum256(content)

	s.docMu.Lock()
	defer s.docMu.Unlock()

	doc, ok := s.docs[uri]
	if ok && doc.digest == digest {
		return false, nil
	}

	if !ok {
		err := s.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: languageID,
				Version:    1,
				Text:       string(content),
			},
		})
		if err != nil {
			return false, fmt.Errorf("didOpen: %w", err)
		}
		s.docs[uri] = &documentState{version: 1, digest: digest}
		return true, nil
	}

	next := doc.version + 1
	err := s.Notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: &next},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: string(content)}},
	})
	if err != nil {
		return false, fmt.Errorf("didChange: %w", err)
	}
	doc.version = next
	doc.digest = digest
	return true, nil
}

// CloseDocument sends didClose for an open document and forgets it.
func (s *Session) CloseDocument(uri string) error {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	if _, ok := s.docs[uri]; !ok {
		return nil
	}
	delete(s.docs, uri)
	s.diagnostics.Forget(uri)
	return s.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// DocumentVersion returns the last synced version of uri.
func (s *Session) DocumentVersion(uri string) (int, bool) {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	doc, ok := s.docs[uri]
	if !ok {
		return 0, false
	}
	return doc.version, true
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Language returns the session's language.
func (s *Session) Language() string { return s.cfg.Language.Language }

// Root returns the session's workspace root.
func (s *Session) Root() string { return s.cfg.Root }

// Config returns the language configuration.
func (s *Session) Config() LanguageConfig { return s.cfg.Language }

// Capabilities returns what the analyzer announced in initialize.
func (s *Session) Capabilities() ServerCapabilities { return s.capabilities }

// Progress returns the $/progress tracker.
func (s *Session) Progress() *ProgressTracker { return s.progress }

// Diagnostics returns the publishDiagnostics cache.
func (s *Session) Diagnostics() *DiagnosticsStore { return s.diagnostics }

// LastUsed returns when the session last served a request.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	Language        string       `json:"language"`
	Root            string       `json:"root"`
	State           SessionState `json:"state"`
	Reason          string       `json:"reason,omitempty"`
	PID             int          `json:"pid,omitempty"`
	Started         time.Time    `json:"started,omitzero"`
	LastUsed        time.Time    `json:"last_used"`
	OpenDocuments   int          `json:"open_documents"`
	PendingRequests int          `json:"pending_requests"`
	ActiveProgress  int          `json:"active_progress"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.stateMu.RLock()
	info := SessionInfo{
		Language: s.cfg.Language.Language,
		Root:     s.cfg.Root,
		State:    s.state,
		Reason:   s.reason,
		Started:  s.started,
		LastUsed: s.LastUsed(),
	}
	s.stateMu.RUnlock()

	if s.proc != nil {
		info.PID = s.proc.Pid()
	}
	if s.protocol != nil {
		info.PendingRequests = s.protocol.PendingCount()
	}
	s.docMu.Lock()
	info.OpenDocuments = len(s.docs)
	s.docMu.Unlock()
	info.ActiveProgress = len(s.progress.Active())
	return info
}
