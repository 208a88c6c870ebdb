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
	"sort"
	"sync"
)

// lockTable hands out per-file exclusive locks.
//
// Transactions lock every file they touch in sorted path order, so two
// transactions over overlapping file sets cannot deadlock. Entries are
// reference counted and dropped when no transaction holds or waits on
// them.
type lockTable struct {
	mu    sync.Mutex
	files map[string]*fileLock
}

type fileLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{files: make(map[string]*fileLock)}
}

// acquire locks paths and returns the function releasing them. On
// cancellation the locks taken so far are released and ctx.Err() is
// returned.
func (t *lockTable) acquire(ctx context.Context, paths []string) (func(), error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	held := make([]string, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.unlock(held[i])
		}
	}

	for i, p := range sorted {
		if i > 0 && sorted[i-1] == p {
			continue
		}
		l := t.ref(p)
		select {
		case l.sem <- struct{}{}:
			held = append(held, p)
		case <-ctx.Done():
			t.unref(p)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (t *lockTable) ref(path string) *fileLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.files[path]
	if !ok {
		l = &fileLock{sem: make(chan struct{}, 1)}
		t.files[path] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.files[path]
	l.refs--
	if l.refs == 0 {
		delete(t.files, path)
	}
}

func (t *lockTable) unlock(path string) {
	t.mu.Lock()
	l := t.files[path]
	t.mu.Unlock()
	<-l.sem
	t.unref(path)
}

// size returns the number of live entries.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
