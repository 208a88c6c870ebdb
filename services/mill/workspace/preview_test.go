// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sourcegraph/go-diff/diff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPreview(t *testing.T) {
	t.Run("unchanged files are omitted", func(t *testing.T) {
		out, err := renderPreview([]fileChange{{path: "/p/a", before: "x\n", after: "x\n"}})
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("hunk carries context", func(t *testing.T) {
		before := "1\n2\n3\n4\n5\n6\n7\n8\n9\n"
		after := "1\n2\n3\n4\nfive\n6\n7\n8\n9\n"
		out, err := renderPreview([]fileChange{{path: "/p/a.txt", before: before, after: after}})
		require.NoError(t, err)

		fds, err := diff.ParseMultiFileDiff([]byte(out))
		require.NoError(t, err)
		require.Len(t, fds, 1)
		assert.Equal(t, "a/p/a.txt", fds[0].OrigName)
		require.Len(t, fds[0].Hunks, 1)

		h := fds[0].Hunks[0]
		assert.Equal(t, int32(2), h.OrigStartLine)
		assert.Equal(t, int32(7), h.OrigLines)
		assert.Equal(t, int32(7), h.NewLines)
		assert.Equal(t, " 2\n 3\n 4\n-5\n+five\n 6\n 7\n 8\n", string(h.Body))
	})

	t.Run("missing final newline is marked", func(t *testing.T) {
		out, err := renderPreview([]fileChange{{path: "/p/a", before: "a", after: "b"}})
		require.NoError(t, err)
		assert.Contains(t, out, "-a\n"+noNewlineMarker)
		assert.Contains(t, out, "+b\n"+noNewlineMarker)
	})

	t.Run("new content in empty file", func(t *testing.T) {
		out, err := renderPreview([]fileChange{{path: "/p/a", before: "", after: "hello\n"}})
		require.NoError(t, err)
		assert.Contains(t, out, "@@ -0,0 +1,1 @@")
		assert.Contains(t, out, "+hello\n")
	})

	t.Run("several files in path order", func(t *testing.T) {
		out, err := renderPreview([]fileChange{
			{path: "/p/a", before: "a\n", after: "A\n"},
			{path: "/p/b", before: "b\n", after: "B\n"},
		})
		require.NoError(t, err)
		fds, err := diff.ParseMultiFileDiff([]byte(out))
		require.NoError(t, err)
		require.Len(t, fds, 2)
		assert.Equal(t, "b/p/b", fds[1].NewName)
	})
}

func TestLockTable(t *testing.T) {
	t.Run("waiter blocks until release", func(t *testing.T) {
		lt := newLockTable()
		release, err := lt.acquire(context.Background(), []string{"/b", "/a"})
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			r, err := lt.acquire(context.Background(), []string{"/a"})
			if err == nil {
				r()
			}
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("lock acquired while held")
		case <-time.After(50 * time.Millisecond):
		}
		release()
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never acquired the lock")
		}
		assert.Equal(t, 0, lt.size())
	})

	t.Run("cancellation releases partial locks", func(t *testing.T) {
		lt := newLockTable()
		release, err := lt.acquire(context.Background(), []string{"/b"})
		require.NoError(t, err)
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = lt.acquire(ctx, []string{"/a", "/b"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// /a must be free again.
		r, err := lt.acquire(context.Background(), []string{"/a"})
		require.NoError(t, err)
		r()
	})

	t.Run("duplicate paths lock once", func(t *testing.T) {
		lt := newLockTable()
		release, err := lt.acquire(context.Background(), []string{"/a", "/a"})
		require.NoError(t, err)
		release()
		assert.Equal(t, 0, lt.size())
	})
}

func TestOSStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	var s OSStore

	require.NoError(t, s.WriteFile(path, []byte("one")))
	data, err := s.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, os.Chmod(path, 0o600))
	require.NoError(t, s.WriteFile(path, []byte("two")))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files left behind")

	require.NoError(t, s.Remove(path))
	require.NoError(t, s.Remove(path))
	assert.NoFileExists(t, path)

	assert.Error(t, s.WriteFile(filepath.Join(dir, "missing", "f.txt"), []byte("x")))
}
