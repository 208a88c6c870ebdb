// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mill is the HTTP service in front of the analyzer orchestration
// layer and the workspace edit engine.
//
// A Service owns one session manager, one edit engine, the symbol tool
// registry and, optionally, a file watcher for a single workspace root.
// Handlers expose them under /v1/mill.
package mill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianMill/services/mill/config"
	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/AleutianAI/AleutianMill/services/mill/symbols"
	"github.com/AleutianAI/AleutianMill/services/mill/watch"
	"github.com/AleutianAI/AleutianMill/services/mill/workspace"
)

// ServiceVersion is the mill service version.
const ServiceVersion = "0.1.0"

var (
	// ErrPathOutsideRoot indicates a request path escapes the workspace root.
	ErrPathOutsideRoot = errors.New("path is outside the workspace root")

	// ErrServiceClosed indicates the service has been shut down.
	ErrServiceClosed = errors.New("service closed")
)

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	spawner  lsp.Spawner
	registry *lsp.ConfigRegistry
	store    workspace.FileStore
	logger   *slog.Logger
}

// WithSpawner replaces the analyzer process spawner.
func WithSpawner(s lsp.Spawner) ServiceOption {
	return func(o *serviceOptions) { o.spawner = s }
}

// WithLanguageRegistry replaces the registry built from configuration.
func WithLanguageRegistry(r *lsp.ConfigRegistry) ServiceOption {
	return func(o *serviceOptions) { o.registry = r }
}

// WithFileStore replaces the edit engine's file store.
func WithFileStore(s workspace.FileStore) ServiceOption {
	return func(o *serviceOptions) { o.store = s }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// Service wires the mill components for one workspace root.
//
// Thread Safety: Safe for concurrent use after NewService returns.
type Service struct {
	cfg     config.Config
	root    string
	manager *lsp.Manager
	ops     *lsp.Operations
	engine  *workspace.Engine
	symbols *symbols.Registry
	watcher *watch.Watcher
	logger  *slog.Logger

	ready     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewService builds the components described by cfg.
//
// Description:
//
//	The edit engine answers workspace/applyEdit requests from analyzers,
//	and every file it writes is pushed back to the open sessions. When
//	watching is enabled, outside changes are pushed the same way. Nothing
//	runs until Start is called.
//
// Outputs:
//
//	*Service - The service.
//	error - Non-nil if the workspace root cannot be resolved or the
//	watcher cannot be created.
func NewService(cfg config.Config, opts ...ServiceOption) (*Service, error) {
	o := serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = cfg.LanguageRegistry()
	}

	root, err := cfg.WorkspaceRoot()
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	s := &Service{
		cfg:     cfg,
		root:    root,
		symbols: cfg.SymbolRegistry(),
		logger:  o.logger.With(slog.String("component", "mill_service")),
	}

	engineOpts := []workspace.EngineOption{
		workspace.WithLogger(o.logger),
		workspace.WithAfterApply(s.refreshDocuments),
	}
	if o.store != nil {
		engineOpts = append(engineOpts, workspace.WithStore(o.store))
	}
	s.engine = workspace.NewEngine(engineOpts...)

	managerOpts := []lsp.ManagerOption{
		lsp.WithConfigRegistry(o.registry),
		lsp.WithLogger(o.logger),
		lsp.WithApplyEditHandler(s.engine.ApplyEditHandler(cfg.EditOptions())),
	}
	if o.spawner != nil {
		managerOpts = append(managerOpts, lsp.WithSpawner(o.spawner))
	}
	s.manager = lsp.NewManager(root, cfg.ManagerConfig(), managerOpts...)
	s.ops = lsp.NewOperations(s.manager, cfg.OperationTimeouts())

	if cfg.Workspace.Watch {
		wopts := watch.DefaultOptions()
		if cfg.Workspace.WatchDebounce > 0 {
			wopts.Debounce = cfg.Workspace.WatchDebounce.Std()
		}
		wopts.Ignore = append(wopts.Ignore, cfg.Workspace.WatchIgnore...)
		wopts.Logger = o.logger
		w, err := watch.New(root, s.manager, wopts)
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		s.watcher = w
	}
	return s, nil
}

// refreshDocuments pushes files written by the edit engine to the
// sessions that have them open.
func (s *Service) refreshDocuments(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := s.manager.RefreshDocument(ctx, p); err != nil {
			s.logger.Warn("Failed to refresh document after edit",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Start launches background work and marks the service ready.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx must not be nil")
	}
	s.manager.StartIdleMonitor()
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}
	s.ready.Store(true)
	s.logger.Info("Mill service started",
		slog.String("root", s.root),
		slog.Bool("watch", s.watcher != nil),
		slog.Any("languages", s.manager.Configs().Languages()),
	)
	return nil
}

// Close stops the watcher and shuts down every session. It is safe to
// call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		var errs []error
		if s.watcher != nil {
			errs = append(errs, s.watcher.Close())
		}
		errs = append(errs, s.manager.Shutdown(ctx))
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Ready reports whether Start succeeded and Close has not been called.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Root returns the resolved workspace root.
func (s *Service) Root() string { return s.root }

// Config returns the service configuration.
func (s *Service) Config() config.Config { return s.cfg }

// Manager returns the session manager.
func (s *Service) Manager() *lsp.Manager { return s.manager }

// Operations returns the intelligence operations.
func (s *Service) Operations() *lsp.Operations { return s.ops }

// Engine returns the workspace edit engine.
func (s *Service) Engine() *workspace.Engine { return s.engine }

// Symbols returns the symbol tool registry.
func (s *Service) Symbols() *symbols.Registry { return s.symbols }

// ResolvePath turns a request path into an absolute path inside the root.
// Relative paths are taken relative to the root.
func (s *Service) ResolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathOutsideRoot)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)
	if dir, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
		path = filepath.Join(dir, filepath.Base(path))
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	return path, nil
}
