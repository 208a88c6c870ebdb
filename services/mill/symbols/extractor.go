// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbols is the client for one-shot symbol extraction tools.
//
// A tool is run once per request with the command name as its only
// argument and the source text on stdin. It prints a JSON array of
// {name, kind, line} records on stdout. An empty array is a valid "no
// symbols" answer, including when the tool could not parse the source;
// a non-zero exit status is the only failure signal.
package symbols

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrToolNotInstalled indicates the tool binary is not on PATH.
	ErrToolNotInstalled = errors.New("symbol tool not installed")

	// ErrToolFailed indicates the tool exited with a non-zero status.
	ErrToolFailed = errors.New("symbol tool failed")

	// ErrToolTimeout indicates the tool did not finish in time.
	ErrToolTimeout = errors.New("symbol tool timed out")

	// ErrInvalidToolOutput indicates the tool exited cleanly but its
	// output is not a valid symbol array.
	ErrInvalidToolOutput = errors.New("invalid symbol tool output")

	// ErrNoTool indicates no tool is registered for a language.
	ErrNoTool = errors.New("no symbol tool for language")
)

// maxStderrExcerpt bounds the stderr text carried by a ToolError.
const maxStderrExcerpt = 512

// DefaultTimeout bounds one tool run.
const DefaultTimeout = 10 * time.Second

// Symbol is one record emitted by a tool. Line is zero-based.
type Symbol struct {
	Name string `json:"name" validate:"required"`
	Kind string `json:"kind" validate:"required"`
	Line int    `json:"line" validate:"min=0"`
}

// ToolConfig describes the tool for one language.
type ToolConfig struct {
	Language string        `json:"language" yaml:"language" toml:"language" validate:"required"`
	Command  string        `json:"command" yaml:"command" toml:"command" validate:"required"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// ToolError describes a failed tool run.
type ToolError struct {
	Tool    string
	Command string
	Stderr  string
	Err     error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Tool, e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Extractor runs one tool.
//
// Thread Safety: Safe for concurrent use; every call runs its own process.
type Extractor struct {
	cfg      ToolConfig
	validate *validator.Validate
	logger   *slog.Logger
}

// NewExtractor creates an extractor for cfg.
func NewExtractor(cfg ToolConfig, logger *slog.Logger) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(slog.String("component", "symbol_extractor"), slog.String("language", cfg.Language)),
	}
}

// Config returns the tool configuration.
func (e *Extractor) Config() ToolConfig {
	return e.cfg
}

// Extract runs the tool with command on source.
//
// Description:
//
//	Source is written to the tool's stdin. The tool is killed when ctx is
//	done or the configured timeout passes.
//
// Outputs:
//
//	[]Symbol - The symbols, sorted by line then name. Never nil on success.
//	error - ErrToolNotInstalled, ErrToolTimeout, ErrToolFailed (with a
//	stderr excerpt), ErrInvalidToolOutput, or ctx.Err().
func (e *Extractor) Extract(ctx context.Context, source []byte, command string) ([]Symbol, error) {
	if command == "" || strings.HasPrefix(command, "-") {
		return nil, fmt.Errorf("invalid tool command %q", command)
	}
	if _, err := exec.LookPath(e.cfg.Command); err != nil {
		return nil, &ToolError{Tool: e.cfg.Command, Command: command, Err: fmt.Errorf("%w: %v", ErrToolNotInstalled, err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Command, command)
	cmd.Stdin = bytes.NewReader(source)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &ToolError{Tool: e.cfg.Command, Command: command, Stderr: excerpt(stderr.String()), Err: ErrToolTimeout}
	}
	if err != nil {
		return nil, &ToolError{Tool: e.cfg.Command, Command: command, Stderr: excerpt(stderr.String()), Err: fmt.Errorf("%w: %v", ErrToolFailed, err)}
	}

	symbols, err := e.parse(stdout.Bytes())
	if err != nil {
		return nil, &ToolError{Tool: e.cfg.Command, Command: command, Err: err}
	}
	e.logger.Debug("Extracted symbols",
		slog.String("command", command),
		slog.Int("count", len(symbols)),
		slog.Duration("duration", time.Since(start)),
	)
	return symbols, nil
}

func (e *Extractor) parse(out []byte) ([]Symbol, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || out[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array, got %q", ErrInvalidToolOutput, excerpt(string(out)))
	}
	var symbols []Symbol
	if err := json.Unmarshal(out, &symbols); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolOutput, err)
	}
	for i := range symbols {
		if err := e.validate.Struct(&symbols[i]); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidToolOutput, i, err)
		}
	}
	if symbols == nil {
		symbols = []Symbol{}
	}
	sort.SliceStable(symbols, func(i, j int) bool {
		if symbols[i].Line != symbols[j].Line {
			return symbols[i].Line < symbols[j].Line
		}
		return symbols[i].Name < symbols[j].Name
	})
	return symbols, nil
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrExcerpt {
		s = s[:maxStderrExcerpt] + "..."
	}
	return s
}

// Registry holds the extractor for each language.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]*Extractor
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{extractors: make(map[string]*Extractor), logger: logger}
}

// Register adds or replaces the tool for cfg.Language.
func (r *Registry) Register(cfg ToolConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[cfg.Language] = NewExtractor(cfg, r.logger)
}

// Get returns the extractor for language.
func (r *Registry) Get(language string) (*Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[language]
	return e, ok
}

// Languages returns the registered languages, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.extractors))
	for l := range r.extractors {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Extract runs the tool registered for language.
func (r *Registry) Extract(ctx context.Context, language string, source []byte, command string) ([]Symbol, error) {
	e, ok := r.Get(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTool, language)
	}
	return e.Extract(ctx, source, command)
}
