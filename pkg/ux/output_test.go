// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(mode Mode) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut, mode), &out, &errOut
}

func TestPrinter_Plain(t *testing.T) {
	p, out, errOut := newTestPrinter(ModePlain)

	p.Title("ignored")
	p.Success("applied 2 edits")
	p.Warning("no analyzer for .txt")
	p.Error("server not running")
	p.Text("body")
	p.List([]string{"a.go", "b.go"})

	assert.Equal(t, "OK: applied 2 edits\nbody\na.go\nb.go\n", out.String())
	assert.Equal(t, "WARN: no analyzer for .txt\nERROR: server not running\n", errOut.String())
}

func TestPrinter_KeyValueAlignment(t *testing.T) {
	p, out, _ := newTestPrinter(ModePlain)
	p.KeyValue([2]string{"language", "go"}, [2]string{"root", "/src"})
	assert.Equal(t, "language  go\nroot      /src\n", out.String())
}

func TestPrinter_Rich(t *testing.T) {
	p, out, errOut := newTestPrinter(ModeRich)

	p.Title("Hover")
	p.Success("done")
	p.Error("boom")
	p.Box("Signature", "func Add(a, b int) int")

	assert.Contains(t, out.String(), "Hover")
	assert.Contains(t, out.String(), string(IconSuccess))
	assert.Contains(t, out.String(), "func Add(a, b int) int")
	assert.Contains(t, errOut.String(), "boom")
}

func TestPrinter_JSONMode(t *testing.T) {
	p, out, _ := newTestPrinter(ModeJSON)

	p.Title("x")
	p.Success("x")
	p.Text("x")
	p.Diff("+x\n")
	assert.Empty(t, out.String())

	require.NoError(t, p.JSON(map[string]any{"success": true}))
	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, true, got["success"])
}

func TestPrinter_Diff(t *testing.T) {
	diff := "--- a/x.go\n+++ b/x.go\n@@ -1,1 +1,1 @@\n-old\n+new"

	p, out, _ := newTestPrinter(ModePlain)
	p.Diff(diff)
	assert.Equal(t, diff+"\n", out.String())

	p, out, _ = newTestPrinter(ModeRich)
	p.Diff(diff)
	for _, line := range []string{"--- a/x.go", "@@ -1,1 +1,1 @@", "-old", "+new"} {
		assert.Contains(t, out.String(), line)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"rich": ModeRich, "Plain": ModePlain, "json": ModeJSON, "machine": ModePlain} {
		got, ok := ParseMode(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseMode("sparkly")
	assert.False(t, ok)
}

func TestDetectMode(t *testing.T) {
	t.Setenv(EnvOutputMode, "")
	t.Setenv("NO_COLOR", "")

	var buf bytes.Buffer
	assert.Equal(t, ModeJSON, DetectMode(&buf, true))
	assert.Equal(t, ModePlain, DetectMode(&buf, false))

	t.Setenv(EnvOutputMode, "rich")
	assert.Equal(t, ModeRich, DetectMode(&buf, false))

	t.Setenv(EnvOutputMode, "")
	t.Setenv("NO_COLOR", "1")
	assert.Equal(t, ModePlain, DetectMode(os.Stdout, false))
}

func TestIsTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, IsTerminal(f))
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}

func TestLocation(t *testing.T) {
	assert.Equal(t, "main.go:10:5", Location("main.go", 10, 5))
}
