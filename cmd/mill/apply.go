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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianMill/pkg/ux"
	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/AleutianAI/AleutianMill/services/mill/workspace"
	"github.com/spf13/cobra"
)

func (a *app) applyCommand() *cobra.Command {
	var (
		editPath   string
		backup     bool
		noValidate bool
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "apply --edit <edit.json>",
		Short: "Apply a workspace edit atomically",
		Long: `Apply a workspace edit (LSP WorkspaceEdit JSON, "changes" or
"documentChanges") to every file it names. Either every file is updated
or none is. Use "-" to read the edit from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			edit, err := a.readEdit(editPath)
			if err != nil {
				return err
			}
			opts := workspace.Options{
				ValidateBeforeApply: !noValidate,
				CreateBackupFiles:   backup,
				DryRun:              dryRun,
			}
			engine := workspace.NewEngine()
			result := engine.Apply(cmd.Context(), edit, opts)
			return a.printApply(result, opts)
		},
	}
	cmd.Flags().StringVar(&editPath, "edit", "", "path to the edit JSON, or - for stdin")
	cmd.Flags().BoolVar(&backup, "backup", false, "keep <file>.bak copies of the original content")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "clamp out-of-range positions instead of failing")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print a unified diff instead of writing")
	_ = cmd.MarkFlagRequired("edit")
	return cmd
}

func (a *app) readEdit(path string) (lsp.WorkspaceEdit, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(a.stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return lsp.WorkspaceEdit{}, fmt.Errorf("read edit: %w", err)
	}

	var edit lsp.WorkspaceEdit
	if err := json.Unmarshal(data, &edit); err != nil {
		return lsp.WorkspaceEdit{}, fmt.Errorf("parse edit: %w", err)
	}
	return edit, nil
}

func (a *app) printApply(result workspace.Result, opts workspace.Options) error {
	p := a.printer
	if p.Mode() == ux.ModeJSON {
		if err := p.JSON(result); err != nil {
			return err
		}
		if !result.Success {
			return errSilent
		}
		return nil
	}

	if !result.Success {
		p.Error(result.Error)
		return errSilent
	}
	if opts.DryRun {
		p.Diff(result.Preview)
		p.Success(fmt.Sprintf("Dry run: %d edits would change %d files", result.EditsApplied, len(result.FilesChanged)))
		return nil
	}
	p.Success(fmt.Sprintf("Applied %d edits to %d files", result.EditsApplied, len(result.FilesChanged)))
	p.KeyValue([2]string{"transaction", result.TransactionID})
	p.List(result.FilesChanged)
	if len(result.Backups) > 0 {
		p.Text("Backups:")
		p.List(result.Backups)
	}
	return nil
}
