// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsptest provides an in-process analyzer for tests of code that
// drives an lsp.Manager.
//
// The analyzer speaks the wire protocol over pipes, so the Manager, its
// sessions and their protocol channels run unmodified:
//
//	a := lsptest.NewAnalyzer()
//	a.Respond("textDocument/hover", `{"contents":"func Add(a, b int) int"}`)
//	m := lsp.NewManager(root, cfg, lsp.WithSpawner(a.Spawner()), lsp.WithConfigRegistry(lsptest.Registry()))
package lsptest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
)

// Capabilities is the initialize result of every spawned process.
const Capabilities = `{"capabilities":{"hoverProvider":true,"completionProvider":{"triggerCharacters":["."]},"signatureHelpProvider":{"triggerCharacters":["("]},"definitionProvider":true,"referencesProvider":true,"renameProvider":true},"serverInfo":{"name":"lsptest","version":"1"}}`

// Registry returns a registry with "go" (.go files, go.mod roots) served
// by a command that does not need to exist.
func Registry() *lsp.ConfigRegistry {
	r := lsp.NewEmptyConfigRegistry()
	r.Register(lsp.LanguageConfig{
		Language:   "go",
		Command:    "lsptest-gopls",
		Extensions: []string{".go"},
		RootFiles:  []string{"go.mod"},
	})
	return r
}

// Analyzer spawns fake analyzer processes. Handlers are shared by every
// process it spawns, including processes spawned after they are set.
//
// Thread Safety: Safe for concurrent use.
type Analyzer struct {
	mu       sync.Mutex
	spawns   int
	handlers map[string]lsp.RequestHandler
	notified []string
	procs    []*Process
	logger   *slog.Logger
}

// NewAnalyzer creates an analyzer with no request handlers. Unhandled
// requests get a method-not-found error.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		handlers: make(map[string]lsp.RequestHandler),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Handle sets the handler for a request method.
func (a *Analyzer) Handle(method string, h lsp.RequestHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[method] = h
	for _, p := range a.procs {
		p.server.OnRequest(method, h)
	}
}

// Respond answers method with a fixed JSON result.
func (a *Analyzer) Respond(method, result string) {
	a.Handle(method, func(context.Context, json.RawMessage) (any, error) {
		return json.RawMessage(result), nil
	})
}

// Hang makes method never answer until the process exits.
func (a *Analyzer) Hang(method string) {
	a.Handle(method, func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

// SpawnCount returns the number of processes spawned.
func (a *Analyzer) SpawnCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spawns
}

// Notifications returns how many notifications of method were received.
func (a *Analyzer) Notifications(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.notified {
		if m == method {
			n++
		}
	}
	return n
}

// LastProcess returns the most recently spawned process, or nil.
func (a *Analyzer) LastProcess() *Process {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.procs) == 0 {
		return nil
	}
	return a.procs[len(a.procs)-1]
}

// Spawner returns the spawner to pass to lsp.WithSpawner.
func (a *Analyzer) Spawner() lsp.Spawner {
	return func(ctx context.Context, cfg lsp.LanguageConfig, root string, logger *slog.Logger) (lsp.Process, error) {
		p := newProcess(a.logger)
		p.server.OnRequest("initialize", func(context.Context, json.RawMessage) (any, error) {
			return json.RawMessage(Capabilities), nil
		})
		p.server.OnRequest("shutdown", func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		})
		for _, method := range []string{"initialized", "textDocument/didOpen", "textDocument/didChange", "textDocument/didClose"} {
			p.server.OnNotification(method, func(json.RawMessage) {
				a.mu.Lock()
				a.notified = append(a.notified, method)
				a.mu.Unlock()
			})
		}
		p.server.OnNotification("exit", func(json.RawMessage) { p.Exit() })

		a.mu.Lock()
		a.spawns++
		for method, h := range a.handlers {
			p.server.OnRequest(method, h)
		}
		a.procs = append(a.procs, p)
		a.mu.Unlock()

		p.start()
		return p, nil
	}
}

// Process is one fake analyzer process.
type Process struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	server *lsp.Protocol
	ctx    context.Context
	cancel context.CancelFunc

	exited   chan struct{}
	exitOnce sync.Once
}

func newProcess(logger *slog.Logger) *Process {
	p := &Process{exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.server = lsp.NewProtocol(p.stdinR, p.stdoutW, logger)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *Process) start() {
	go func() {
		_ = p.server.ReadLoop(p.ctx)
		p.Exit()
	}()
}

// Exit simulates the process leaving.
func (p *Process) Exit() {
	p.exitOnce.Do(func() {
		p.cancel()
		_ = p.stdoutW.Close()
		_ = p.stdinR.Close()
		close(p.exited)
	})
}

// Notify sends a notification from the analyzer to the client.
func (p *Process) Notify(method string, params any) error {
	return p.server.SendNotification(method, params)
}

// Call sends a request from the analyzer to the client.
func (p *Process) Call(ctx context.Context, method string, params any) (*lsp.Response, error) {
	return p.server.SendRequest(ctx, method, params, 5*time.Second)
}

func (p *Process) Stdin() io.WriteCloser   { return p.stdinW }
func (p *Process) Stdout() io.Reader       { return p.stdoutR }
func (p *Process) Pid() int                { return 4242 }
func (p *Process) Exited() <-chan struct{} { return p.exited }
func (p *Process) Terminate() error        { p.Exit(); return nil }
func (p *Process) Kill() error             { p.Exit(); return nil }
