// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianMill/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Workspace.ValidateBeforeApply)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Hover.Std())
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Completion.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.SettleDelay.Std())
	assert.Equal(t, 3, cfg.Sessions.DegradeAfterTimeouts)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvPath(t *testing.T) {
	path := writeConfig(t, "mill.yaml", "server:\n  addr: 127.0.0.1:9000\n")
	t.Setenv(EnvConfigPath, path)

	assert.Equal(t, path, DefaultPath())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "mill.yaml", `
server:
  addr: 0.0.0.0:8080
workspace:
  root: /src/project
  create_backup_files: true
  watch: false
timeouts:
  hover: 5s
  completion: 2
sessions:
  idle_timeout: 1m
  respawn_burst: 5
logging:
  level: debug
  json: true
languages:
  analyzers:
    - language: zig
      command: zls
      extensions: [".zig"]
      root_files: ["build.zig"]
    - language: go
      command: /opt/gopls
      args: ["serve", "-rpc.trace"]
      extensions: [".go"]
symbols:
  - language: python
    command: py-symbols
    timeout: 3s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Std(), "unset values keep defaults")
	assert.Equal(t, "/src/project", cfg.Workspace.Root)
	assert.True(t, cfg.Workspace.CreateBackupFiles)
	assert.False(t, cfg.Workspace.Watch)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Hover.Std())
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Completion.Std())
	assert.Equal(t, time.Minute, cfg.Sessions.IdleTimeout.Std())

	mc := cfg.ManagerConfig()
	assert.Equal(t, time.Minute, mc.IdleTimeout)
	assert.Equal(t, 5, mc.RespawnBurst)

	ot := cfg.OperationTimeouts()
	assert.Equal(t, 5*time.Second, ot.Hover)
	assert.Equal(t, 30*time.Second, ot.Navigation)

	lc := cfg.LoggingConfig("mill")
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)
	assert.Equal(t, "mill", lc.Service)

	reg := cfg.LanguageRegistry()
	zig, ok := reg.ForPath("/x/main.zig")
	require.True(t, ok)
	assert.Equal(t, "zls", zig.Command)
	goCfg, ok := reg.Get("go")
	require.True(t, ok)
	assert.Equal(t, "/opt/gopls", goCfg.Command)
	_, ok = reg.Get("python")
	assert.True(t, ok, "defaults stay registered")

	syms := cfg.SymbolRegistry()
	ex, ok := syms.Get("python")
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, ex.Config().Timeout)

	eo := cfg.EditOptions()
	assert.True(t, eo.ValidateBeforeApply)
	assert.True(t, eo.CreateBackupFiles)
	assert.False(t, eo.DryRun)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "mill.toml", `
[server]
addr = "127.0.0.1:7000"

[timeouts]
signature_help = "750ms"
navigation = 12

[telemetry]
service_name = "mill-test"
trace_exporter = "stdout"

[languages]
disable_defaults = true

[[languages.analyzers]]
language = "lua"
command = "lua-language-server"
extensions = [".lua"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.SignatureHelp.Std())
	assert.Equal(t, 12*time.Second, cfg.Timeouts.Navigation.Std())
	assert.Equal(t, "mill-test", cfg.Telemetry.ServiceName)
	assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)

	reg := cfg.LanguageRegistry()
	assert.Equal(t, []string{"lua"}, reg.Languages())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		isValid bool
	}{
		{"bad exporter", "a.yaml", "telemetry:\n  service_name: x\n  trace_exporter: zipkin\n  metric_exporter: none\n", true},
		{"bad level", "a.yaml", "logging:\n  level: loud\n", true},
		{"zero hover timeout", "a.yaml", "timeouts:\n  hover: 0s\n", true},
		{"bad address", "a.yaml", "server:\n  addr: nowhere\n", true},
		{"extension without dot", "a.yaml", "languages:\n  analyzers:\n    - language: zig\n      command: zls\n      extensions: [zig]\n", true},
		{"analyzer missing command", "a.yaml", "languages:\n  analyzers:\n    - language: zig\n      extensions: [.zig]\n", true},
		{"duplicate analyzer", "a.yaml", "languages:\n  analyzers:\n    - {language: zig, command: zls, extensions: [.zig]}\n    - {language: zig, command: zls2, extensions: [.zig]}\n", true},
		{"symbol tool missing command", "a.toml", "[[symbols]]\nlanguage = \"python\"\n", true},
		{"unknown yaml key", "a.yaml", "sever:\n  addr: x\n", false},
		{"unknown toml key", "a.toml", "[sever]\naddr = \"x\"\n", false},
		{"bad duration", "a.yaml", "timeouts:\n  hover: soon\n", false},
		{"malformed toml", "a.toml", "[server\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			if tt.isValid {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NotErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "mill.yaml", "\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEncode_RoundTrip(t *testing.T) {
	want := Default()
	want.Workspace.Root = "/src"
	want.Symbols = []SymbolToolConfig{{Language: "ruby", Command: "rb-symbols", Timeout: Duration(time.Second)}}

	for _, format := range []Format{FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Encode(want, format)
			require.NoError(t, err)

			got := Default()
			require.NoError(t, Decode(data, format, &got))
			assert.Equal(t, want, got)
		})
	}
}

func TestWorkspaceRoot(t *testing.T) {
	cfg := Default()
	wd, err := os.Getwd()
	require.NoError(t, err)

	root, err := cfg.WorkspaceRoot()
	require.NoError(t, err)
	assert.Equal(t, wd, root)

	cfg.Workspace.Root = "sub"
	root, err = cfg.WorkspaceRoot()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "sub"), root)
}
