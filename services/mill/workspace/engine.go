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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/AleutianAI/AleutianMill/services/mill/telemetry"
)

// BackupSuffix is appended to a file's path to name its backup.
const BackupSuffix = ".bak"

// Options controls one Apply call.
type Options struct {
	// ValidateBeforeApply checks every position against the current
	// content before anything is written. Disabling it makes positions
	// clamp instead of fail and is only for trusted callers.
	ValidateBeforeApply bool `json:"validate_before_apply"`

	// CreateBackupFiles writes <file>.bak with the pre-edit content before
	// each file is replaced. Backups are not used for rollback. A rollback
	// puts back any <file>.bak that existed before the apply.
	CreateBackupFiles bool `json:"create_backup_files"`

	// DryRun computes the result and a unified diff preview without
	// writing anything.
	DryRun bool `json:"dry_run"`
}

// DefaultOptions validates before applying and creates no backups.
func DefaultOptions() Options {
	return Options{ValidateBeforeApply: true}
}

// Result is the outcome of one transaction.
type Result struct {
	Success bool `json:"success"`

	// Error is the user-facing failure message.
	Error string `json:"error,omitempty"`

	TransactionID string `json:"transaction_id"`

	// FilesChanged lists the files whose content changed (or would
	// change, for a dry run), sorted.
	FilesChanged []string `json:"files_changed,omitempty"`

	EditsApplied int `json:"edits_applied"`

	// Backups lists backup files left on disk after a successful apply.
	Backups []string `json:"backups,omitempty"`

	// RolledBack is set when files had been written before the failure
	// and were restored.
	RolledBack bool `json:"rolled_back,omitempty"`

	// Preview is the unified diff of a dry run.
	Preview string `json:"preview,omitempty"`

	// Err is the underlying error, including any rollback failures.
	Err error `json:"-"`
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore sets the content store. The default is OSStore.
func WithStore(s FileStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithAfterApply registers fn to run after every committed transaction
// with the files that changed. It runs before Apply returns, outside the
// file locks.
func WithAfterApply(fn func(ctx context.Context, paths []string)) EngineOption {
	return func(e *Engine) { e.afterApply = fn }
}

// Engine applies workspace edits as all-or-nothing transactions.
//
// # Description
//
// Each Apply call reads every addressed file once, validates and computes
// all new contents before writing anything, then writes the files in
// sorted path order. If a write fails, every file already written is
// restored from the in-memory snapshot and backups created by the
// transaction are removed.
//
// # Thread Safety
//
// Safe for concurrent use. Transactions touching a common file are
// serialized by per-file locks; unrelated transactions run in parallel.
type Engine struct {
	store      FileStore
	locks      *lockTable
	logger     *slog.Logger
	afterApply func(ctx context.Context, paths []string)
}

// NewEngine creates an engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		store: OSStore{},
		locks: newLockTable(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "workspace_engine"))
	return e
}

// fileEdits is the normalized edit list of one file.
type fileEdits struct {
	path  string
	edits []lsp.TextEdit
}

// planned is a file whose new content has been computed.
type planned struct {
	path   string
	before []byte
	after  []byte
	edits  int
}

// touched is a file written by the running transaction.
type touched struct {
	path     string
	snapshot []byte
}

// backupFile is a backup written by a transaction. prior holds the content
// of a backup file that already existed at that path.
type backupFile struct {
	path    string
	prior   []byte
	existed bool
}

// Apply applies edit as a single transaction.
//
// # Description
//
// Either every file reflects all of its edits when Apply returns, or no
// file differs from its content before the call. The failing file is
// never partially written.
//
// # Inputs
//
//   - ctx: Cancellation is honored while waiting for file locks and
//     between file writes; a cancellation after a write rolls back.
//   - edit: Edits keyed by file URI. DocumentChanges are folded in.
//   - opts: See Options.
//
// # Outputs
//
//   - Result: Success, or the failure message and underlying error.
//
// # Example
//
//	res := engine.Apply(ctx, *edit, workspace.DefaultOptions())
//	if !res.Success {
//	    return fmt.Errorf("rename: %s", res.Error)
//	}
func (e *Engine) Apply(ctx context.Context, edit lsp.WorkspaceEdit, opts Options) Result {
	start := time.Now()
	res := Result{TransactionID: uuid.NewString()}

	ctx, span := tracer.Start(ctx, "workspace.Apply",
		trace.WithAttributes(
			attribute.String("tx.id", res.TransactionID),
			attribute.Int("tx.edits", edit.EditCount()),
			attribute.Bool("tx.dry_run", opts.DryRun),
			attribute.Bool("tx.backups", opts.CreateBackupFiles),
		),
	)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, e.logger).With(slog.String("tx_id", res.TransactionID))

	fail := func(outcome, msg string, err error) Result {
		res.Success = false
		res.Error = msg
		res.Err = err
		res.FilesChanged = nil
		res.EditsApplied = 0
		res.Backups = nil
		telemetry.RecordError(span, err)
		recordApply(ctx, outcome, time.Since(start), 0, 0)
		logger.Warn("Workspace edit failed",
			slog.String("outcome", outcome),
			slog.String("error", msg),
		)
		return res
	}

	files, err := normalize(edit)
	if err != nil {
		return fail(outcomeInvalid, err.Error(), err)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	span.SetAttributes(attribute.Int("tx.files", len(files)))

	release, err := e.locks.acquire(ctx, paths)
	if err != nil {
		return fail(outcomeInvalid, fmt.Sprintf("Transaction canceled before any file was changed: %v", err), err)
	}
	changed, err := e.commit(ctx, logger, files, opts, &res)
	release()
	if err != nil {
		outcome := outcomeInvalid
		if res.RolledBack {
			outcome = outcomeRolledBack
		}
		return fail(outcome, res.Error, err)
	}

	outcome := outcomeCommitted
	if opts.DryRun {
		outcome = outcomeDryRun
	}
	res.Success = true
	telemetry.SetSpanOK(span)
	span.SetAttributes(attribute.Int("tx.files_changed", len(res.FilesChanged)))
	recordApply(ctx, outcome, time.Since(start), len(res.FilesChanged), res.EditsApplied)
	logger.Info("Workspace edit applied",
		slog.String("outcome", outcome),
		slog.Int("files_changed", len(res.FilesChanged)),
		slog.Int("edits", res.EditsApplied),
	)

	if !opts.DryRun && e.afterApply != nil && len(changed) > 0 {
		e.afterApply(ctx, changed)
	}
	return res
}

// commit runs the transaction with the file locks held. On failure
// res.Error holds the message.
func (e *Engine) commit(ctx context.Context, logger *slog.Logger, files []fileEdits, opts Options, res *Result) ([]string, error) {
	plan := make([]planned, 0, len(files))
	for _, f := range files {
		before, err := e.store.ReadFile(f.path)
		if err != nil {
			res.Error = fmt.Sprintf("Failed to read file %s: %v", f.path, err)
			return nil, &ApplyError{File: f.path, Op: "read", Err: err}
		}
		after, err := ApplyEdits(f.path, string(before), f.edits, opts.ValidateBeforeApply)
		if err != nil {
			res.Error = err.Error()
			return nil, err
		}
		plan = append(plan, planned{path: f.path, before: before, after: []byte(after), edits: len(f.edits)})
	}

	var changed []string
	for _, p := range plan {
		res.EditsApplied += p.edits
		if string(p.before) != string(p.after) {
			changed = append(changed, p.path)
		}
	}
	res.FilesChanged = changed

	if opts.DryRun {
		preview := make([]fileChange, len(plan))
		for i, p := range plan {
			preview[i] = fileChange{path: p.path, before: string(p.before), after: string(p.after)}
		}
		out, err := renderPreview(preview)
		if err != nil {
			res.Error = err.Error()
			return nil, err
		}
		res.Preview = out
		return changed, nil
	}

	var (
		written []touched
		backups []backupFile
	)
	for _, p := range plan {
		if string(p.before) == string(p.after) {
			continue
		}

		var err error
		op := "write"
		if err = ctx.Err(); err != nil {
			op = "cancel"
		} else if opts.CreateBackupFiles {
			b := backupFile{path: p.path + BackupSuffix}
			b.prior, err = e.store.ReadFile(b.path)
			switch {
			case err == nil:
				b.existed = true
			case errors.Is(err, fs.ErrNotExist):
				err = nil
			}
			if err == nil {
				err = e.store.WriteFile(b.path, p.before)
			}
			if err != nil {
				op = "backup"
			} else {
				backups = append(backups, b)
			}
		}
		if err == nil {
			err = e.store.WriteFile(p.path, p.after)
		}
		if err == nil {
			written = append(written, touched{path: p.path, snapshot: p.before})
			continue
		}

		cause := &ApplyError{File: p.path, Op: op, Err: err}
		res.Error = fmt.Sprintf("Failed to apply edits to file %s: %v.", p.path, cause)
		rbErr := e.rollback(logger, written, backups)
		if len(written) > 0 {
			res.RolledBack = true
			recordRollback(ctx, rbErr == nil)
			if rbErr != nil {
				res.Error += " Rollback incomplete: " + rbErr.Error()
			} else {
				res.Error += " " + RolledBackSuffix
			}
		}
		return nil, errors.Join(cause, rbErr)
	}

	for _, b := range backups {
		res.Backups = append(res.Backups, b.path)
	}
	return changed, nil
}

// rollback restores written files from their snapshots, newest first,
// and undoes its backups: pre-existing backup files get their old content
// back, the rest are removed.
func (e *Engine) rollback(logger *slog.Logger, written []touched, backups []backupFile) error {
	var errs []error
	for i := len(written) - 1; i >= 0; i-- {
		t := written[i]
		if err := e.store.WriteFile(t.path, t.snapshot); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", t.path, err))
		}
	}
	for _, b := range backups {
		if b.existed {
			if err := e.store.WriteFile(b.path, b.prior); err != nil {
				errs = append(errs, fmt.Errorf("restore backup %s: %w", b.path, err))
			}
			continue
		}
		if err := e.store.Remove(b.path); err != nil {
			errs = append(errs, fmt.Errorf("remove backup %s: %w", b.path, err))
		}
	}
	if len(written) > 0 {
		logger.Info("Rolled back workspace edit",
			slog.Int("files_restored", len(written)),
			slog.Int("restore_errors", len(errs)),
		)
	}
	return errors.Join(errs...)
}

// normalize turns edit into per-file lists sorted by path. Edits for the
// same file from Changes and DocumentChanges are concatenated in that
// order.
func normalize(edit lsp.WorkspaceEdit) ([]fileEdits, error) {
	byPath := make(map[string][]lsp.TextEdit)

	uris := make([]string, 0, len(edit.Changes))
	for uri := range edit.Changes {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		path, err := documentPath(uri)
		if err != nil {
			return nil, err
		}
		byPath[path] = append(byPath[path], edit.Changes[uri]...)
	}
	for _, dc := range edit.DocumentChanges {
		path, err := documentPath(dc.TextDocument.URI)
		if err != nil {
			return nil, err
		}
		byPath[path] = append(byPath[path], dc.Edits...)
	}

	files := make([]fileEdits, 0, len(byPath))
	for path, edits := range byPath {
		files = append(files, fileEdits{path: path, edits: edits})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// documentPath resolves a file URI, or a plain absolute path, to a clean
// local path.
func documentPath(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty document uri", ErrUnsupportedURI)
	}
	u, err := url.Parse(ref)
	if err == nil && len(u.Scheme) > 1 {
		if u.Scheme != "file" {
			return "", fmt.Errorf("%w: %s (only file:// documents can be edited)", ErrUnsupportedURI, ref)
		}
		path, err := lsp.URIToPath(ref)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedURI, err)
		}
		return filepath.Clean(path), nil
	}
	if !filepath.IsAbs(ref) || strings.ContainsRune(ref, 0) {
		return "", fmt.Errorf("%w: %s is not an absolute path", ErrUnsupportedURI, ref)
	}
	return filepath.Clean(ref), nil
}
