// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders command output for the mill CLI.
//
// A Printer writes rich lipgloss-styled text to terminals, plain text to
// pipes, and JSON when asked. Commands build their output through a
// Printer so that the same code serves people and scripts.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the shared lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Key       lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style

	DiffAdd    lipgloss.Style
	DiffRemove lipgloss.Style
	DiffHunk   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Key:       lipgloss.NewStyle().Foreground(ColorTealPrimary),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),

	DiffAdd:    lipgloss.NewStyle().Foreground(ColorSuccess),
	DiffRemove: lipgloss.NewStyle().Foreground(ColorError),
	DiffHunk:   lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled output.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	out  io.Writer
	err  io.Writer
	mode Mode
}

// NewPrinter creates a printer. Status messages for errors and warnings
// go to errOut.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	return &Printer{out: out, err: errOut, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// JSON writes v as indented JSON regardless of mode.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Title prints a heading. Plain and JSON modes print nothing.
func (p *Printer) Title(text string) {
	if p.mode != ModeRich {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	case ModePlain:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	}
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintf(p.err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	default:
		fmt.Fprintf(p.err, "WARN: %s\n", text)
	}
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintf(p.err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	default:
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
	}
}

// Text prints body text unchanged in every mode but JSON.
func (p *Printer) Text(text string) {
	if p.mode == ModeJSON {
		return
	}
	fmt.Fprintln(p.out, text)
}

// KeyValue prints an aligned "key: value" list.
func (p *Printer) KeyValue(pairs ...[2]string) {
	if p.mode == ModeJSON {
		return
	}
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	for _, kv := range pairs {
		key := fmt.Sprintf("%-*s", width, kv[0])
		if p.mode == ModeRich {
			key = Styles.Key.Render(key)
		}
		fmt.Fprintf(p.out, "%s  %s\n", key, kv[1])
	}
}

// List prints one bulleted line per item.
func (p *Printer) List(items []string) {
	for _, item := range items {
		switch p.mode {
		case ModeRich:
			fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render(string(IconBullet)), item)
		case ModePlain:
			fmt.Fprintln(p.out, item)
		}
	}
}

// Box prints content in a rounded box under a title.
func (p *Printer) Box(title, content string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintln(p.out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
	case ModePlain:
		fmt.Fprintf(p.out, "%s:\n%s\n", title, content)
	}
}

// Diff prints a unified diff, coloring added and removed lines.
func (p *Printer) Diff(diff string) {
	switch p.mode {
	case ModeJSON:
		return
	case ModePlain:
		fmt.Fprint(p.out, diff)
		if diff != "" && !strings.HasSuffix(diff, "\n") {
			fmt.Fprintln(p.out)
		}
		return
	}
	for _, line := range strings.SplitAfter(diff, "\n") {
		if line == "" {
			continue
		}
		text := strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(text, "+++"), strings.HasPrefix(text, "---"):
			text = Styles.Bold.Render(text)
		case strings.HasPrefix(text, "@@"):
			text = Styles.DiffHunk.Render(text)
		case strings.HasPrefix(text, "+"):
			text = Styles.DiffAdd.Render(text)
		case strings.HasPrefix(text, "-"):
			text = Styles.DiffRemove.Render(text)
		}
		fmt.Fprintln(p.out, text)
	}
}

// Location formats a one-based file position.
func Location(path string, line, character int) string {
	return fmt.Sprintf("%s:%d:%d", path, line, character)
}
