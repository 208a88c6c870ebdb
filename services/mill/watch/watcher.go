// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch keeps analyzer sessions in step with files changed on
// disk outside the service.
//
// A Watcher observes the workspace tree with fsnotify, coalesces bursts
// of events per file over a debounce window and forwards the result to a
// DocumentSink: modified files are re-synced, deleted or renamed files
// are closed. The Watcher is an owned component with explicit Start and
// Close; it keeps no global state.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DocumentSink receives the debounced changes. lsp.Manager satisfies it.
type DocumentSink interface {
	RefreshDocument(ctx context.Context, path string) error
	InvalidateDocument(path string) error
}

// Op is the kind of change seen for a file.
type Op int

const (
	// OpWrite means the file was created or modified.
	OpWrite Op = iota

	// OpRemove means the file was deleted or renamed away.
	OpRemove
)

// String returns the name of the operation.
func (op Op) String() string {
	if op == OpRemove {
		return "remove"
	}
	return "write"
}

// Change is one coalesced file change.
type Change struct {
	Path string
	Op   Op
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long a file must stay quiet before its change is
	// forwarded. Default: 200ms.
	Debounce time.Duration

	// Ignore lists base names or glob patterns skipped entirely.
	Ignore []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Debounce: 200 * time.Millisecond,
		Ignore:   []string{".git", "node_modules", ".idea", "__pycache__", "target", "*.swp", "*.tmp", "*~", "*.bak", ".*.mill-*"},
	}
}

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("watcher closed")

// Watcher forwards file changes under a root to a DocumentSink.
//
// Thread Safety: Safe for concurrent use. The sink is called from a single
// goroutine.
type Watcher struct {
	root     string
	sink     DocumentSink
	debounce time.Duration
	ignore   []string
	logger   *slog.Logger

	fsw     *fsnotify.Watcher
	changes chan Change
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a watcher for root. Nothing is watched until Start.
func New(root string, sink DocumentSink, opts Options) (*Watcher, error) {
	if sink == nil {
		return nil, errors.New("sink must not be nil")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultOptions().Debounce
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultOptions().Ignore
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:     abs,
		sink:     sink,
		debounce: opts.Debounce,
		ignore:   opts.Ignore,
		logger:   opts.Logger.With(slog.String("component", "document_watcher")),
		fsw:      fsw,
		changes:  make(chan Change, 1024),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the root tree and begins forwarding changes until ctx is
// done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.started {
		return nil
	}

	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.started = true

	w.wg.Add(2)
	go w.readEvents(ctx)
	go w.forward(ctx)

	w.logger.Info("Watching workspace for changes", slog.String("root", w.root))
	return nil
}

// Close stops watching and waits for pending changes to be forwarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

// addTree watches dir and every directory below it that is not ignored.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if base == pattern {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// readEvents turns fsnotify events into changes.
func (w *Watcher) readEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}

	var c Change
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		c = Change{Path: ev.Name, Op: OpRemove}
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Debug("Cannot watch new directory", slog.String("path", ev.Name), slog.String("error", err.Error()))
				}
			}
			return
		}
		c = Change{Path: ev.Name, Op: OpWrite}
	default:
		return
	}

	select {
	case w.changes <- c:
	default:
		w.logger.Warn("Change buffer full, dropping event", slog.String("path", c.Path))
	}
}

// forward coalesces changes per path and hands them to the sink once no
// new change arrived for the debounce window.
func (w *Watcher) forward(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]Op)
	var order []string
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	flush := func() {
		for _, path := range order {
			w.deliver(ctx, Change{Path: path, Op: pending[path]})
		}
		clear(pending)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			// Drain what the reader already queued.
			for {
				select {
				case c := <-w.changes:
					if _, ok := pending[c.Path]; !ok {
						order = append(order, c.Path)
					}
					pending[c.Path] = c.Op
				default:
					flush()
					return
				}
			}
		case c := <-w.changes:
			if _, ok := pending[c.Path]; !ok {
				order = append(order, c.Path)
			}
			pending[c.Path] = c.Op
			timer.Reset(w.debounce)
		case <-timer.C:
			flush()
		}
	}
}

func (w *Watcher) deliver(ctx context.Context, c Change) {
	var err error
	switch c.Op {
	case OpRemove:
		err = w.sink.InvalidateDocument(c.Path)
	default:
		err = w.sink.RefreshDocument(ctx, c.Path)
	}
	if err != nil {
		w.logger.Warn("Failed to forward file change",
			slog.String("path", c.Path),
			slog.String("op", c.Op.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Debug("Forwarded file change", slog.String("path", c.Path), slog.String("op", c.Op.String()))
}
