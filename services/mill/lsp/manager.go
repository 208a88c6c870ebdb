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
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// =============================================================================
// MANAGER CONFIG
// =============================================================================

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// IdleTimeout is how long a session can be idle before being shut down.
	// Set to 0 to disable idle shutdown.
	IdleTimeout time.Duration

	// StartupTimeout bounds spawn plus initialize.
	StartupTimeout time.Duration

	// ShutdownGracePeriod is how long a stopping analyzer may take to exit
	// before its process group is killed.
	ShutdownGracePeriod time.Duration

	// DegradeAfterTimeouts is the number of consecutive request timeouts
	// after which a session is marked Degraded. Zero disables.
	DegradeAfterTimeouts int

	// RespawnInterval and RespawnBurst throttle session starts per
	// (language, root).
	RespawnInterval time.Duration
	RespawnBurst    int

	// IndexWaitTimeout bounds the wait for initial $/progress work to end
	// after a session starts. Zero skips the wait.
	IndexWaitTimeout time.Duration
}

// DefaultManagerConfig returns sensible defaults for the manager.
//
// Description:
//
//	Returns a configuration with:
//	  - IdleTimeout: 10 minutes
//	  - StartupTimeout: 30 seconds
//	  - ShutdownGracePeriod: 5 seconds
//	  - DegradeAfterTimeouts: 3
//	  - RespawnInterval: 5 seconds, RespawnBurst: 3
//	  - IndexWaitTimeout: disabled
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleTimeout:          10 * time.Minute,
		StartupTimeout:       30 * time.Second,
		ShutdownGracePeriod:  5 * time.Second,
		DegradeAfterTimeouts: 3,
		RespawnInterval:      5 * time.Second,
		RespawnBurst:         3,
	}
}

// ManagerOption is a functional option for configuring Manager.
type ManagerOption func(*Manager)

// WithSpawner replaces ExecSpawner, e.g. with an in-process analyzer.
func WithSpawner(s Spawner) ManagerOption {
	return func(m *Manager) {
		m.spawner = s
		m.lookPath = false
	}
}

// WithApplyEditHandler answers workspace/applyEdit from every session.
func WithApplyEditHandler(fn ApplyEditFunc) ManagerOption {
	return func(m *Manager) { m.applyEdit = fn }
}

// WithConfigRegistry replaces the default language registry.
func WithConfigRegistry(r *ConfigRegistry) ManagerOption {
	return func(m *Manager) { m.configs = r }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// =============================================================================
// MANAGER
// =============================================================================

// sessionKey identifies one session in the pool.
type sessionKey struct {
	language string
	root     string
}

func (k sessionKey) String() string {
	return k.language + "@" + k.root
}

// Manager owns the pool of analyzer sessions.
//
// Description:
//
//	Starts sessions lazily, at most one per (language, root). Concurrent
//	callers for the same key share one in-flight start. Sessions that
//	degrade or exit are replaced on the next request, with restarts
//	throttled per key. A failing session never affects the others.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Manager struct {
	config   ManagerConfig
	rootPath string
	configs  *ConfigRegistry
	spawner  Spawner
	lookPath bool

	applyEdit ApplyEditFunc
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[sessionKey]*Session
	limiters map[sessionKey]*rate.Limiter
	starts   singleflight.Group

	// inflight counts starts in progress. stopStarts cancels them.
	inflight   sync.WaitGroup
	stopStarts context.CancelFunc
	startsCtx  context.Context

	retiring sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager for a workspace root.
//
// Inputs:
//
//	rootPath - Workspace root used when a file has no nearer project root.
//	config - Manager configuration.
//	opts - Optional spawner, registry, logger and applyEdit handler.
//
// Outputs:
//
//	*Manager - The configured manager. No analyzer is started yet.
func NewManager(rootPath string, config ManagerConfig, opts ...ManagerOption) *Manager {
	if abs, err := filepath.Abs(rootPath); err == nil {
		rootPath = abs
	}
	m := &Manager{
		config:   config,
		rootPath: rootPath,
		spawner:  ExecSpawner,
		lookPath: true,
		sessions: make(map[sessionKey]*Session),
		limiters: make(map[sessionKey]*rate.Limiter),
		stopped:  make(chan struct{}),
	}
	m.startsCtx, m.stopStarts = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	if m.configs == nil {
		m.configs = NewConfigRegistry()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "lsp_manager"))
	return m
}

// GetOrStart returns a Ready session for (language, root), starting one if
// needed.
//
// Description:
//
//	Fast path returns a Ready pooled session. A Degraded or Terminated
//	session is retired (shut down in the background) and replaced.
//	Starts are deduplicated per key; the start itself runs detached from
//	ctx, bounded by StartupTimeout, so a caller giving up does not abort
//	the start for the others waiting on it.
//
// Errors:
//
//	ErrManagerStopped - Shutdown was called.
//	ErrUnsupportedLanguage - No configuration for the language.
//	ErrServerNotInstalled - Analyzer binary not found.
//	ErrInitializeFailed - Handshake failed.
//	ErrServerNotRunning - Restarts for the key are being throttled.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (m *Manager) GetOrStart(ctx context.Context, language, root string) (*Session, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if m.isStopped() {
		return nil, ErrManagerStopped
	}

	cfg, ok := m.configs.Get(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	if root == "" {
		root = m.rootPath
	}
	key := sessionKey{language: language, root: root}

	if s := m.lookup(key); s != nil {
		return s, nil
	}

	startCtx := context.WithoutCancel(ctx)
	ch := m.starts.DoChan(key.String(), func() (any, error) {
		return m.start(startCtx, key, cfg)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s, ok := res.Val.(*Session)
		if !ok {
			return nil, fmt.Errorf("unexpected type from session start: got %T", res.Val)
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup returns the pooled Ready session for key, retiring a dead one.
func (m *Manager) lookup(key sessionKey) *Session {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	switch s.State() {
	case StateReady:
		// The read loop may have ended without the state catching up yet.
		if !s.protocol.isClosed() {
			return s
		}
		m.retire(key, s)
	case StateDegraded, StateTerminated:
		m.retire(key, s)
	}
	return nil
}

// start spawns and registers a session. Runs inside the singleflight.
// Shutdown cancels ctx and waits for start to return.
func (m *Manager) start(ctx context.Context, key sessionKey, cfg LanguageConfig) (*Session, error) {
	m.mu.Lock()
	if m.isStopped() {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	if s := m.lookup(key); s != nil {
		return s, nil
	}
	if !m.limiter(key).Allow() {
		return nil, fmt.Errorf("%w: %s is restarting too often", ErrServerNotRunning, key)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(m.startsCtx, cancel)()

	if m.config.StartupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.StartupTimeout)
		defer cancel()
	}

	s := NewSession(SessionConfig{
		Language:             cfg,
		Root:                 key.root,
		Spawner:              m.spawner,
		DegradeAfterTimeouts: m.config.DegradeAfterTimeouts,
		GracePeriod:          m.config.ShutdownGracePeriod,
		ApplyEdit:            m.applyEdit,
		OnExit:               m.handleSessionExit,
		Logger:               m.logger,
	})
	err := s.Start(ctx)
	recordSessionStart(ctx, key.language, err == nil)
	if err != nil {
		return nil, err
	}

	if m.config.IndexWaitTimeout > 0 {
		if !s.Progress().WaitIdle(ctx, m.config.IndexWaitTimeout) {
			m.logger.Info("Analyzer still indexing, continuing",
				slog.String("session", key.String()),
				slog.Duration("waited", m.config.IndexWaitTimeout),
			)
		}
	}

	m.mu.Lock()
	if m.isStopped() {
		m.mu.Unlock()
		_ = s.Shutdown(context.Background())
		return nil, ErrManagerStopped
	}
	m.sessions[key] = s
	m.mu.Unlock()

	return s, nil
}

func (m *Manager) limiter(key sessionKey) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[key]
	if !ok {
		limit := rate.Inf
		if m.config.RespawnInterval > 0 {
			limit = rate.Every(m.config.RespawnInterval)
		}
		burst := max(m.config.RespawnBurst, 1)
		l = rate.NewLimiter(limit, burst)
		m.limiters[key] = l
	}
	return l
}

// retire removes s from the pool and shuts it down in the background.
func (m *Manager) retire(key sessionKey, s *Session) {
	m.mu.Lock()
	current, ok := m.sessions[key]
	if !ok || current != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, key)
	if m.isStopped() {
		// Shutdown owns every session from here on.
		m.mu.Unlock()
		return
	}
	m.retiring.Add(1)
	m.mu.Unlock()

	m.logger.Info("Retiring analyzer session",
		slog.String("session", key.String()),
		slog.String("state", s.State().String()),
	)
	go func() {
		defer m.retiring.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.shutdownBudget())
		defer cancel()
		_ = s.Shutdown(ctx)
	}()
}

// handleSessionExit drops a session whose process went away on its own.
func (m *Manager) handleSessionExit(s *Session) {
	key := sessionKey{language: s.Language(), root: s.Root()}
	m.mu.Lock()
	if current, ok := m.sessions[key]; ok && current == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
}

func (m *Manager) shutdownBudget() time.Duration {
	grace := m.config.ShutdownGracePeriod
	if grace <= 0 {
		grace = gracefulShutdownWait
	}
	return gracefulShutdownWait + grace + 5*time.Second
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// SessionRef is a session prepared for requests about one file.
type SessionRef struct {
	Session  *Session
	Path     string
	URI      string
	Language string

	// NewlyOpened is true when this call sent didOpen or didChange, i.e.
	// the analyzer may still be processing the document.
	NewlyOpened bool
}

// PrepareFile resolves the session for a file and syncs its content.
//
// Description:
//
//	Picks the language from the extension and the workspace root from the
//	nearest ancestor holding one of the language's root marker files,
//	ensures a Ready session, then sends didOpen on first use, a full-text
//	didChange when the file changed since the last sync, or nothing.
//
// Errors:
//
//	ErrUnsupportedLanguage - No analyzer handles the extension.
//	Any GetOrStart error, or the file read error.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (m *Manager) PrepareFile(ctx context.Context, path string) (*SessionRef, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	cfg, ok := m.configs.ForPath(abs)
	if !ok {
		return nil, fmt.Errorf("%w: no analyzer for %q", ErrUnsupportedLanguage, filepath.Ext(abs))
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}

	s, err := m.GetOrStart(ctx, cfg.Language, m.resolveRoot(cfg, abs))
	if err != nil {
		return nil, err
	}

	uri := PathToURI(abs)
	sent, err := s.SyncDocument(uri, cfg.LanguageIDFor(abs), content)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", abs, err)
	}

	return &SessionRef{
		Session:     s,
		Path:        abs,
		URI:         uri,
		Language:    cfg.Language,
		NewlyOpened: sent,
	}, nil
}

// resolveRoot returns the nearest ancestor of path containing one of the
// language's root files. The search stops at the manager root when path
// is inside it; with no marker the manager root (or the file's directory
// for files outside it) is used.
func (m *Manager) resolveRoot(cfg LanguageConfig, path string) string {
	dir := filepath.Dir(path)
	inside := isWithin(m.rootPath, dir)

	if len(cfg.RootFiles) > 0 {
		for d := dir; ; {
			for _, marker := range cfg.RootFiles {
				if _, err := os.Stat(filepath.Join(d, marker)); err == nil {
					return d
				}
			}
			if inside && d == m.rootPath {
				break
			}
			parent := filepath.Dir(d)
			if parent == d {
				break
			}
			d = parent
		}
	}

	if inside {
		return m.rootPath
	}
	return dir
}

func isWithin(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// RefreshDocument re-syncs path with every session that has it open.
// Files no session has opened are left alone.
func (m *Manager) RefreshDocument(ctx context.Context, path string) error {
	cfg, ok := m.configs.ForPath(path)
	if !ok {
		return nil
	}
	uri := PathToURI(path)

	var errs []error
	for _, s := range m.sessionsFor(cfg.Language) {
		if _, open := s.DocumentVersion(uri); !open {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if _, err := s.SyncDocument(uri, cfg.LanguageIDFor(path), content); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Language(), err))
		}
	}
	return errors.Join(errs...)
}

// InvalidateDocument closes path in every session that has it open.
func (m *Manager) InvalidateDocument(path string) error {
	cfg, ok := m.configs.ForPath(path)
	if !ok {
		return nil
	}
	uri := PathToURI(path)

	var errs []error
	for _, s := range m.sessionsFor(cfg.Language) {
		if err := s.CloseDocument(uri); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Language(), err))
		}
	}
	return errors.Join(errs...)
}

// Diagnostics returns the last diagnostics published for path by any
// session of its language.
func (m *Manager) Diagnostics(path string) (DiagnosticsSnapshot, bool) {
	cfg, ok := m.configs.ForPath(path)
	if !ok {
		return DiagnosticsSnapshot{}, false
	}
	uri := PathToURI(path)
	for _, s := range m.sessionsFor(cfg.Language) {
		if snap, ok := s.Diagnostics().Get(uri); ok {
			return snap, true
		}
	}
	return DiagnosticsSnapshot{}, false
}

func (m *Manager) sessionsFor(language string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for key, s := range m.sessions {
		if key.language == language {
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Shutdown terminates every session and stops the manager.
//
// Description:
//
//	Sessions are shut down concurrently; one failing does not stop the
//	others. Starts still in progress are canceled and waited for, so no
//	analyzer process outlives the call. Every session is Terminated and
//	removed before Shutdown returns. Afterwards GetOrStart fails with
//	ErrManagerStopped.
//
// Outputs:
//
//	error - All shutdown errors joined, or nil.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopOnce.Do(func() {
		close(m.stopped)
	})
	sessions := m.sessions
	m.sessions = make(map[sessionKey]*Session)
	m.mu.Unlock()

	// Starts in progress kill their process and return; one that already
	// finished shuts its session down before returning.
	m.stopStarts()

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	for key, s := range sessions {
		g.Go(func() error {
			if err := s.Shutdown(ctx); err != nil {
				m.logger.Warn("Analyzer shutdown failed",
					slog.String("session", key.String()),
					slog.String("error", err.Error()),
				)
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	m.inflight.Wait()
	m.retiring.Wait()

	if len(sessions) > 0 {
		m.logger.Info("All analyzer sessions terminated", slog.Int("count", len(sessions)))
	}
	return errors.Join(errs...)
}

// ShutdownSession stops the session for (language, root), if any.
func (m *Manager) ShutdownSession(ctx context.Context, language, root string) error {
	if root == "" {
		root = m.rootPath
	}
	key := sessionKey{language: language, root: root}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Shutdown(ctx)
}

func (m *Manager) isStopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Sessions returns a snapshot of every pooled session, sorted by language
// then root.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Language != infos[j].Language {
			return infos[i].Language < infos[j].Language
		}
		return infos[i].Root < infos[j].Root
	})
	return infos
}

// IsAvailable reports whether an analyzer is configured for language and,
// when processes are spawned from PATH, whether its binary is installed.
func (m *Manager) IsAvailable(language string) bool {
	cfg, ok := m.configs.Get(language)
	if !ok {
		return false
	}
	if !m.lookPath {
		return true
	}
	_, err := exec.LookPath(cfg.Command)
	return err == nil
}

// Config returns the manager configuration.
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// RootPath returns the workspace root path.
func (m *Manager) RootPath() string {
	return m.rootPath
}

// Configs returns the language configuration registry.
func (m *Manager) Configs() *ConfigRegistry {
	return m.configs
}

// =============================================================================
// IDLE MONITOR
// =============================================================================

// StartIdleMonitor shuts down sessions idle longer than IdleTimeout.
//
// Description:
//
//	Checks at half the idle timeout (at least once a second) until the
//	manager stops. Does nothing if IdleTimeout is 0.
func (m *Manager) StartIdleMonitor() {
	if m.config.IdleTimeout <= 0 {
		return
	}

	go func() {
		interval := max(m.config.IdleTimeout/2, time.Second)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopped:
				return
			case <-ticker.C:
				m.shutdownIdle()
			}
		}
	}()
}

func (m *Manager) shutdownIdle() {
	m.mu.RLock()
	var idle []sessionKey
	for key, s := range m.sessions {
		if s.State() == StateReady && time.Since(s.LastUsed()) > m.config.IdleTimeout {
			idle = append(idle, key)
		}
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownBudget())
	defer cancel()
	for _, key := range idle {
		m.logger.Info("Shutting down idle analyzer",
			slog.String("session", key.String()),
			slog.Duration("idle_timeout", m.config.IdleTimeout),
		)
		_ = m.ShutdownSession(ctx, key.language, key.root)
	}
}
