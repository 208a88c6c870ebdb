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
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeProtocols connects a client and a server Protocol back to back and
// runs both read loops until the test ends.
func pipeProtocols(t *testing.T) (client, server *Protocol) {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	client = NewProtocol(s2cR, c2sW, testLogger())
	server = NewProtocol(c2sR, s2cW, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = client.ReadLoop(ctx) }()
	go func() { defer wg.Done(); _ = server.ReadLoop(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = c2sW.Close()
		_ = s2cW.Close()
		_ = c2sR.Close()
		_ = s2cR.Close()
		wg.Wait()
	})
	return client, server
}

// =============================================================================
// FAKE ANALYZER
// =============================================================================

// fakeAnalyzer spawns in-process analyzers speaking the protocol over
// pipes. Handlers are shared by every process it spawns.
type fakeAnalyzer struct {
	mu         sync.Mutex
	spawns     int
	spawnDelay time.Duration
	spawnErr   error
	handlers   map[string]RequestHandler
	notified   []string
	lastParams map[string]json.RawMessage
	procs      []*fakeProcess

	// initialize never answers when set.
	hangInitialize bool
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		handlers:   make(map[string]RequestHandler),
		lastParams: make(map[string]json.RawMessage),
	}
}

// handle sets the answer for a request method.
func (f *fakeAnalyzer) handle(method string, h RequestHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// respond answers method with a fixed JSON result.
func (f *fakeAnalyzer) respond(method, result string) {
	f.handle(method, func(context.Context, json.RawMessage) (any, error) {
		return json.RawMessage(result), nil
	})
}

// hang makes method never answer until the process exits.
func (f *fakeAnalyzer) hang(method string) {
	f.handle(method, func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func (f *fakeAnalyzer) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func (f *fakeAnalyzer) notifications(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.notified {
		if m == method {
			n++
		}
	}
	return n
}

// lastNotification returns the params of the latest method notification.
func (f *fakeAnalyzer) lastNotification(method string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastParams[method]
}

func (f *fakeAnalyzer) lastProcess() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

func (f *fakeAnalyzer) spawner() Spawner {
	return func(ctx context.Context, cfg LanguageConfig, root string, logger *slog.Logger) (Process, error) {
		f.mu.Lock()
		f.spawns++
		delay, spawnErr := f.spawnDelay, f.spawnErr
		f.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if spawnErr != nil {
			return nil, spawnErr
		}

		p := newFakeProcess(testLogger())
		p.server.OnRequest("initialize", func(ctx context.Context, _ json.RawMessage) (any, error) {
			f.mu.Lock()
			hang := f.hangInitialize
			f.mu.Unlock()
			if hang {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return json.RawMessage(`{"capabilities":{"hoverProvider":true,"completionProvider":{},"signatureHelpProvider":{}},"serverInfo":{"name":"fake","version":"1"}}`), nil
		})
		p.server.OnRequest("shutdown", func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		})
		for _, method := range []string{"initialized", "textDocument/didOpen", "textDocument/didChange", "textDocument/didClose"} {
			p.server.OnNotification(method, func(params json.RawMessage) {
				f.mu.Lock()
				f.notified = append(f.notified, method)
				f.lastParams[method] = append(json.RawMessage(nil), params...)
				f.mu.Unlock()
			})
		}
		p.server.OnNotification("exit", func(json.RawMessage) {
			if !p.stubborn.Load() {
				p.exit()
			}
		})

		f.mu.Lock()
		for method, h := range f.handlers {
			p.server.OnRequest(method, h)
		}
		f.procs = append(f.procs, p)
		f.mu.Unlock()

		p.start()
		return p, nil
	}
}

// fakeProcess is a Process whose analyzer side is a server Protocol.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	server *Protocol
	ctx    context.Context
	cancel context.CancelFunc

	exited   chan struct{}
	exitOnce sync.Once
	killed   bool
	mu       sync.Mutex

	// stubborn keeps the process alive after exit and stdin EOF, so only
	// Kill or Terminate stop it.
	stubborn atomic.Bool
}

func newFakeProcess(logger *slog.Logger) *fakeProcess {
	p := &fakeProcess{exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.server = NewProtocol(p.stdinR, p.stdoutW, logger)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *fakeProcess) start() {
	go func() {
		_ = p.server.ReadLoop(p.ctx)
		if !p.stubborn.Load() {
			p.exit()
		}
	}()
}

// exit simulates the process leaving: its stdout ends and its pending
// handlers are released.
func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.cancel()
		_ = p.stdoutW.Close()
		_ = p.stdinR.Close()
		close(p.exited)
	})
}

// notify sends a notification from the analyzer to the client.
func (p *fakeProcess) notify(method string, params any) error {
	return p.server.SendNotification(method, params)
}

// call sends a request from the analyzer to the client.
func (p *fakeProcess) call(ctx context.Context, method string, params any) (*Response, error) {
	return p.server.SendRequest(ctx, method, params, 5*time.Second)
}

func (p *fakeProcess) Stdin() io.WriteCloser   { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader       { return p.stdoutR }
func (p *fakeProcess) Pid() int                { return 4242 }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }
func (p *fakeProcess) Terminate() error        { p.exit(); return nil }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeRegistry registers the go language backed by the fake analyzer.
func fakeRegistry() *ConfigRegistry {
	r := NewEmptyConfigRegistry()
	r.Register(LanguageConfig{
		Language:   "go",
		Command:    "fake-gopls",
		Extensions: []string{".go"},
		RootFiles:  []string{"go.mod"},
	})
	return r
}

// newTestManager returns a manager over the fake analyzer, shut down when
// the test ends.
func newTestManager(t *testing.T, f *fakeAnalyzer, cfg ManagerConfig) *Manager {
	t.Helper()
	m := NewManager(t.TempDir(), cfg,
		WithSpawner(f.spawner()),
		WithConfigRegistry(fakeRegistry()),
		WithLogger(testLogger()),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownGracePeriod = time.Second
	cfg.IdleTimeout = 0
	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
