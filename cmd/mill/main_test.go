// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianMill/pkg/ux"
	"github.com/AleutianAI/AleutianMill/services/mill"
	"github.com/AleutianAI/AleutianMill/services/mill/config"
	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/AleutianAI/AleutianMill/services/mill/lsp/lsptest"
	"github.com/AleutianAI/AleutianMill/services/mill/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliResult struct {
	code   int
	stdout string
	stderr string
}

// runCLI runs mill with a config path that does not exist, so defaults
// apply regardless of the environment.
func runCLI(t *testing.T, a *app, stdin string, args ...string) cliResult {
	t.Helper()
	t.Setenv(ux.EnvOutputMode, "")
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var stdout, stderr bytes.Buffer
	if a == nil {
		a = &app{}
	}
	a.stdin = strings.NewReader(stdin)
	a.stdout = &stdout
	a.stderr = &stderr

	hasConfig := false
	for _, arg := range args {
		if arg == "--config" {
			hasConfig = true
		}
	}
	if !hasConfig {
		args = append(args, "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	}
	code := a.execute(context.Background(), args)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func writeEditFile(t *testing.T, edit lsp.WorkspaceEdit) string {
	t.Helper()
	data, err := json.Marshal(edit)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "edit.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestVersion(t *testing.T) {
	res := runCLI(t, nil, "", "version", "--json")
	require.Equal(t, 0, res.code, res.stderr)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &info))
	assert.Equal(t, version, info.Version)
	assert.Equal(t, mill.ServiceVersion, info.ServiceVersion)
	assert.Equal(t, version, lsp.ClientVersion)
}

func TestApply(t *testing.T) {
	newTarget := func(t *testing.T) (string, lsp.WorkspaceEdit) {
		path := filepath.Join(t.TempDir(), "greet.txt")
		require.NoError(t, os.WriteFile(path, []byte("hello world\n"), 0o644))
		return path, lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{
			lsp.PathToURI(path): {{
				Range:   lsp.Range{Start: lsp.Position{Line: 0, Character: 6}, End: lsp.Position{Line: 0, Character: 11}},
				NewText: "mill",
			}},
		}}
	}

	t.Run("writes the file", func(t *testing.T) {
		path, edit := newTarget(t)
		res := runCLI(t, nil, "", "apply", "--edit", writeEditFile(t, edit), "--backup")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Contains(t, res.stdout, "Applied 1 edits to 1 files")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello mill\n", string(data))

		backup, err := os.ReadFile(path + workspace.BackupSuffix)
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", string(backup))
	})

	t.Run("dry run", func(t *testing.T) {
		path, edit := newTarget(t)
		res := runCLI(t, nil, "", "apply", "--edit", writeEditFile(t, edit), "--dry-run")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Contains(t, res.stdout, "-hello world")
		assert.Contains(t, res.stdout, "+hello mill")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", string(data))
	})

	t.Run("stdin with json output", func(t *testing.T) {
		path, edit := newTarget(t)
		data, err := json.Marshal(edit)
		require.NoError(t, err)

		res := runCLI(t, nil, string(data), "apply", "--edit", "-", "--json")
		require.Equal(t, 0, res.code, res.stderr)

		var result workspace.Result
		require.NoError(t, json.Unmarshal([]byte(res.stdout), &result))
		assert.True(t, result.Success)
		assert.Equal(t, []string{path}, result.FilesChanged)
	})

	t.Run("invalid edit fails", func(t *testing.T) {
		path, edit := newTarget(t)
		edit.Changes[lsp.PathToURI(path)][0].Range.Start.Line = 9
		edit.Changes[lsp.PathToURI(path)][0].Range.End.Line = 9

		res := runCLI(t, nil, "", "apply", "--edit", writeEditFile(t, edit))
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stderr, "Invalid start line 9")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", string(data))
	})

	t.Run("no validate clamps", func(t *testing.T) {
		path, edit := newTarget(t)
		edit.Changes[lsp.PathToURI(path)][0].Range.End.Character = 99

		res := runCLI(t, nil, "", "apply", "--edit", writeEditFile(t, edit), "--no-validate")
		require.Equal(t, 0, res.code, res.stderr)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello mill\n", string(data))
	})

	t.Run("missing flag", func(t *testing.T) {
		res := runCLI(t, nil, "", "apply")
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stderr, "edit")
	})

	t.Run("malformed edit", func(t *testing.T) {
		res := runCLI(t, nil, "{", "apply", "--edit", "-")
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stderr, "parse edit")
	})
}

func TestHover(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/app\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	analyzer := lsptest.NewAnalyzer()
	analyzer.Respond("textDocument/hover", `{"contents":{"kind":"markdown","value":"func main()"}}`)
	a := &app{serviceOpts: []mill.ServiceOption{
		mill.WithSpawner(analyzer.Spawner()),
		mill.WithLanguageRegistry(lsptest.Registry()),
	}}

	res := runCLI(t, a, "", "hover", "main.go", "3", "6", "--root", root, "--json")
	require.Equal(t, 0, res.code, res.stderr)

	var resp mill.HoverResponse
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &resp))
	require.True(t, resp.Found)
	assert.Equal(t, "func main()", resp.Hover.Content)
	assert.Equal(t, 1, analyzer.SpawnCount())
}

func TestHover_BadPosition(t *testing.T) {
	res := runCLI(t, nil, "", "hover", "main.go", "0", "1")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "line must be a positive integer")
}

func TestSymbols(t *testing.T) {
	dir := t.TempDir()
	tool := filepath.Join(dir, "py-symbols")
	script := "#!/bin/sh\ncat >/dev/null\necho '[{\"name\":\"main\",\"kind\":\"function\",\"line\":2}]'\n"
	require.NoError(t, os.WriteFile(tool, []byte(script), 0o755))

	cfgPath := filepath.Join(dir, "mill.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("symbols:\n  - language: python\n    command: "+tool+"\n"), 0o644))

	res := runCLI(t, nil, "def main():\n    pass\n", "symbols", "--language", "python", "--config", cfgPath)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "3\tfunction\tmain\n", res.stdout)

	res = runCLI(t, nil, "", "symbols", "--language", "ruby", "--config", cfgPath)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "no symbol tool")
}

func TestConfigShow(t *testing.T) {
	res := runCLI(t, nil, "", "config", "show", "--format", "toml")
	require.Equal(t, 0, res.code, res.stderr)

	got := config.Default()
	require.NoError(t, config.Decode([]byte(res.stdout), config.FormatTOML, &got))
	assert.Equal(t, "warn", got.Logging.Level)

	res = runCLI(t, nil, "", "config", "show", "--format", "ini")
	assert.Equal(t, 1, res.code)
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "mill.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: loud\n"), 0o644))

	res := runCLI(t, nil, "", "version", "--config", cfgPath)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "invalid configuration")
}

func TestParsePosition(t *testing.T) {
	pos, err := parsePosition("10", "5")
	require.NoError(t, err)
	assert.Equal(t, lsp.Position{Line: 9, Character: 4}, pos)

	for _, args := range [][2]string{{"0", "1"}, {"1", "0"}, {"x", "1"}, {"1", "-2"}} {
		_, err := parsePosition(args[0], args[1])
		assert.Error(t, err, args)
	}
}

