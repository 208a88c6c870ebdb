// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeTool = `#!/bin/sh
case "$1" in
  list)
    cat >/dev/null
    echo '[{"name":"zeta","kind":"function","line":4},{"name":"alpha","kind":"class","line":0},{"name":"beta","kind":"variable","line":4}]'
    ;;
  lines)
    n=$(wc -l)
    echo "[{\"name\":\"lines\",\"kind\":\"count\",\"line\":$((n))}]"
    ;;
  empty)
    cat >/dev/null
    echo '[]'
    ;;
  garbage)
    echo 'not json'
    ;;
  object)
    echo '{"name":"x"}'
    ;;
  unnamed)
    echo '[{"name":"","kind":"function","line":1}]'
    ;;
  fail)
    echo 'syntax error near token' >&2
    exit 3
    ;;
  slow)
    sleep 5
    echo '[]'
    ;;
esac
`

func newFakeTool(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tool not available on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-symbols")
	require.NoError(t, os.WriteFile(path, []byte(fakeTool), 0o755))
	return path
}

func TestExtractor_Extract(t *testing.T) {
	tool := newFakeTool(t)
	ex := NewExtractor(ToolConfig{Language: "python", Command: tool}, nil)
	ctx := context.Background()

	t.Run("sorted by line then name", func(t *testing.T) {
		syms, err := ex.Extract(ctx, []byte("x = 1\n"), "list")
		require.NoError(t, err)
		assert.Equal(t, []Symbol{
			{Name: "alpha", Kind: "class", Line: 0},
			{Name: "beta", Kind: "variable", Line: 4},
			{Name: "zeta", Kind: "function", Line: 4},
		}, syms)
	})

	t.Run("source goes to stdin", func(t *testing.T) {
		syms, err := ex.Extract(ctx, []byte("a\nb\nc\n"), "lines")
		require.NoError(t, err)
		require.Len(t, syms, 1)
		assert.Equal(t, 3, syms[0].Line)
	})

	t.Run("empty array is valid", func(t *testing.T) {
		syms, err := ex.Extract(ctx, []byte("def (:"), "empty")
		require.NoError(t, err)
		assert.NotNil(t, syms)
		assert.Empty(t, syms)
	})

	t.Run("non-zero exit carries stderr", func(t *testing.T) {
		_, err := ex.Extract(ctx, nil, "fail")
		require.ErrorIs(t, err, ErrToolFailed)
		var te *ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "syntax error near token", te.Stderr)
		assert.Equal(t, "fail", te.Command)
	})

	for _, cmd := range []string{"garbage", "object", "unnamed"} {
		t.Run("invalid output "+cmd, func(t *testing.T) {
			_, err := ex.Extract(ctx, nil, cmd)
			assert.ErrorIs(t, err, ErrInvalidToolOutput)
		})
	}

	t.Run("rejects flag-like command", func(t *testing.T) {
		_, err := ex.Extract(ctx, nil, "--help")
		assert.Error(t, err)
		_, err = ex.Extract(ctx, nil, "")
		assert.Error(t, err)
	})
}

func TestExtractor_Timeout(t *testing.T) {
	tool := newFakeTool(t)
	ex := NewExtractor(ToolConfig{Language: "python", Command: tool, Timeout: 100 * time.Millisecond}, nil)

	start := time.Now()
	_, err := ex.Extract(context.Background(), nil, "slow")
	assert.ErrorIs(t, err, ErrToolTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExtractor_Canceled(t *testing.T) {
	tool := newFakeTool(t)
	ex := NewExtractor(ToolConfig{Language: "python", Command: tool}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := ex.Extract(ctx, nil, "slow")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractor_NotInstalled(t *testing.T) {
	ex := NewExtractor(ToolConfig{Language: "python", Command: "mill-no-such-tool-xyz"}, nil)
	_, err := ex.Extract(context.Background(), nil, "list")
	assert.ErrorIs(t, err, ErrToolNotInstalled)
}

func TestRegistry(t *testing.T) {
	tool := newFakeTool(t)
	r := NewRegistry(nil)
	r.Register(ToolConfig{Language: "ruby", Command: tool})
	r.Register(ToolConfig{Language: "python", Command: tool})

	assert.Equal(t, []string{"python", "ruby"}, r.Languages())

	syms, err := r.Extract(context.Background(), "ruby", nil, "empty")
	require.NoError(t, err)
	assert.Empty(t, syms)

	_, err = r.Extract(context.Background(), "cobol", nil, "list")
	assert.ErrorIs(t, err, ErrNoTool)

	ex, ok := r.Get("python")
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, ex.Config().Timeout)
}
