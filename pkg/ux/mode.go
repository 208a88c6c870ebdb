// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvOutputMode overrides output mode detection.
const EnvOutputMode = "MILL_OUTPUT"

// Mode selects how a Printer renders.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain writes undecorated text suitable for pipes and scripts.
	ModePlain Mode = "plain"

	// ModeJSON writes one JSON document per result.
	ModeJSON Mode = "json"
)

// ParseMode converts a string to a Mode. Unknown values return false.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "color":
		return ModeRich, true
	case "plain", "machine", "text":
		return ModePlain, true
	case "json":
		return ModeJSON, true
	default:
		return "", false
	}
}

// DetectMode picks the mode for w.
//
// Description:
//
//	jsonFlag wins. Otherwise MILL_OUTPUT is honored when set to a known
//	mode. Otherwise terminals get ModeRich and everything else
//	ModePlain. NO_COLOR downgrades ModeRich to ModePlain.
func DetectMode(w io.Writer, jsonFlag bool) Mode {
	if jsonFlag {
		return ModeJSON
	}
	if m, ok := ParseMode(os.Getenv(EnvOutputMode)); ok {
		return m
	}
	if os.Getenv("NO_COLOR") != "" {
		return ModePlain
	}
	if IsTerminal(w) {
		return ModeRich
	}
	return ModePlain
}

// IsTerminal reports whether w is a terminal, including Cygwin and MSYS
// pseudo terminals.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
