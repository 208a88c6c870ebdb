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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// Process is a running analyzer as seen by a Session.
type Process interface {
	// Stdin receives client messages.
	Stdin() io.WriteCloser

	// Stdout yields analyzer messages and reaches EOF once the process is
	// gone.
	Stdout() io.Reader

	// Pid identifies the process in logs; 0 when unknown.
	Pid() int

	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}

	// Terminate asks the process (group) to stop.
	Terminate() error

	// Kill stops the process (group) immediately.
	Kill() error
}

// Spawner starts the analyzer process for a session.
type Spawner func(ctx context.Context, cfg LanguageConfig, root string, logger *slog.Logger) (Process, error)

// execProcess is a Process backed by os/exec.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *io.PipeReader
	exited chan struct{}
}

// ExecSpawner runs the configured command in root with stdio pipes.
//
// Description:
//
//	Resolves the binary with exec.LookPath, starts it in its own process
//	group where the platform supports it, and forwards stderr lines to the
//	logger at debug level. Stdout is delivered through a pipe that reaches
//	EOF only after the process has been reaped, so no output is lost to a
//	racing Wait.
//
// Errors:
//
//	ErrServerNotInstalled - Command not found on PATH.
func ExecSpawner(_ context.Context, cfg LanguageConfig, root string, logger *slog.Logger) (Process, error) {
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotInstalled, cfg.Command)
	}

	// Not CommandContext: the session, not the caller, owns the lifetime.
	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = root
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = &stderrLogger{logger: logger, language: cfg.Language}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		_ = pw.CloseWithError(io.EOF)
		logger.Debug("Analyzer process exited",
			slog.String("language", cfg.Language),
			slog.Int("pid", p.Pid()),
			slog.Any("error", err),
		)
		close(p.exited)
	}()
	return p, nil
}

func (p *execProcess) Stdin() io.WriteCloser   { return p.stdin }
func (p *execProcess) Stdout() io.Reader       { return p.stdout }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return signalGroup(p.cmd, false)
}

func (p *execProcess) Kill() error {
	// Unblock readers even if the process ignores the signal.
	defer p.stdout.CloseWithError(io.EOF)
	return signalGroup(p.cmd, true)
}

// stderrLogger turns analyzer stderr into debug log lines.
type stderrLogger struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	logger   *slog.Logger
	language string
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(b)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if line = trimNewline(line); line != "" {
			w.logger.Debug("Analyzer stderr",
				slog.String("language", w.language),
				slog.String("line", line),
			)
		}
	}
	return len(b), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
