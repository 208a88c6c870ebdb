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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMill/pkg/ux"
	"github.com/AleutianAI/AleutianMill/services/mill"
	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/spf13/cobra"
)

// queryFlags are shared by the position commands.
type queryFlags struct {
	timeout time.Duration
	trigger string
}

func (q *queryFlags) options() []lsp.OperationOption {
	if q.timeout > 0 {
		return []lsp.OperationOption{lsp.WithTimeout(q.timeout)}
	}
	return nil
}

// withQuery resolves the file and position arguments, starts an
// in-process service, and runs fn against it.
func (a *app) withQuery(ctx context.Context, args []string, fn func(ops *lsp.Operations, path string, pos lsp.Position) error) error {
	pos, err := parsePosition(args[1], args[2])
	if err != nil {
		return err
	}
	svc, err := a.newService()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Sessions.ShutdownGracePeriod.Std()+time.Second)
		defer cancel()
		_ = svc.Close(shutdownCtx)
	}()
	if err := svc.Start(ctx); err != nil {
		return err
	}
	path, err := svc.ResolvePath(args[0])
	if err != nil {
		return err
	}
	return fn(svc.Operations(), path, pos)
}

func (a *app) hoverCommand() *cobra.Command {
	var q queryFlags
	cmd := &cobra.Command{
		Use:   "hover <file> <line> <column>",
		Short: "Show hover information at a 1-based position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withQuery(cmd.Context(), args, func(ops *lsp.Operations, path string, pos lsp.Position) error {
				info, err := ops.GetHover(cmd.Context(), path, pos, q.options()...)
				if err != nil {
					return err
				}
				return a.printHover(path, pos, info)
			})
		},
	}
	cmd.Flags().DurationVar(&q.timeout, "timeout", 0, "request timeout (default from config)")
	return cmd
}

func (a *app) printHover(path string, pos lsp.Position, info *lsp.HoverInfo) error {
	p := a.printer
	if p.Mode() == ux.ModeJSON {
		return p.JSON(mill.HoverResponse{Found: info != nil, Hover: info})
	}
	if info == nil {
		p.Warning("No hover information at " + ux.Location(path, pos.Line+1, pos.Character+1))
		return nil
	}
	if info.Synthetic {
		p.Warning(info.Content)
		return nil
	}
	p.Box(ux.Location(path, pos.Line+1, pos.Character+1), strings.TrimSpace(info.Content))
	return nil
}

func (a *app) completeCommand() *cobra.Command {
	var q queryFlags
	cmd := &cobra.Command{
		Use:     "complete <file> <line> <column>",
		Aliases: []string{"completion"},
		Short:   "List completions at a 1-based position",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withQuery(cmd.Context(), args, func(ops *lsp.Operations, path string, pos lsp.Position) error {
				result, err := ops.GetCompletions(cmd.Context(), path, pos, q.trigger, q.options()...)
				if err != nil {
					return err
				}
				return a.printCompletions(result)
			})
		},
	}
	cmd.Flags().DurationVar(&q.timeout, "timeout", 0, "request timeout (default from config)")
	cmd.Flags().StringVar(&q.trigger, "trigger", "", "trigger character, e.g. \".\"")
	return cmd
}

func (a *app) printCompletions(result lsp.CompletionResult) error {
	p := a.printer
	if p.Mode() == ux.ModeJSON {
		return p.JSON(result)
	}
	switch result.Status {
	case lsp.CompletionTimedOut:
		p.Warning("Completion timed out")
		return nil
	case lsp.CompletionFailed:
		p.Error("Completion failed: " + result.Error)
		return errSilent
	}
	if len(result.Items) == 0 {
		p.Warning("No completions")
		return nil
	}
	p.Title(fmt.Sprintf("%d completions", len(result.Items)))
	items := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		line := item.Label
		if item.Detail != "" {
			line += "  " + item.Detail
		}
		items = append(items, line)
	}
	p.List(items)
	return nil
}

func (a *app) signatureCommand() *cobra.Command {
	var q queryFlags
	cmd := &cobra.Command{
		Use:   "signature <file> <line> <column>",
		Short: "Show signature help at a 1-based position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withQuery(cmd.Context(), args, func(ops *lsp.Operations, path string, pos lsp.Position) error {
				help, err := ops.GetSignatureHelp(cmd.Context(), path, pos, q.trigger, q.options()...)
				if err != nil {
					return err
				}
				return a.printSignature(help)
			})
		},
	}
	cmd.Flags().DurationVar(&q.timeout, "timeout", 0, "request timeout (default from config)")
	cmd.Flags().StringVar(&q.trigger, "trigger", "", "trigger character, e.g. \"(\"")
	return cmd
}

func (a *app) printSignature(help *lsp.SignatureHelp) error {
	p := a.printer
	if p.Mode() == ux.ModeJSON {
		return p.JSON(mill.SignatureResponse{Found: help != nil, SignatureHelp: help})
	}
	if help == nil || len(help.Signatures) == 0 {
		p.Warning("No signature help")
		return nil
	}
	lines := make([]string, 0, len(help.Signatures))
	for i, sig := range help.Signatures {
		marker := "  "
		if i == help.ActiveSignature {
			marker = string(ux.IconArrow) + " "
		}
		lines = append(lines, marker+sig.Label)
	}
	p.Text(strings.Join(lines, "\n"))
	return nil
}

func (a *app) definitionCommand() *cobra.Command {
	var q queryFlags
	cmd := &cobra.Command{
		Use:   "definition <file> <line> <column>",
		Short: "Show where the symbol at a 1-based position is defined",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withQuery(cmd.Context(), args, func(ops *lsp.Operations, path string, pos lsp.Position) error {
				locs, err := ops.Definition(cmd.Context(), path, pos, q.options()...)
				if err != nil {
					return err
				}
				if a.printer.Mode() == ux.ModeJSON {
					if locs == nil {
						locs = []lsp.Location{}
					}
					return a.printer.JSON(mill.LocationsResponse{Locations: locs})
				}
				if len(locs) == 0 {
					a.printer.Warning("No definition found")
					return nil
				}
				items := make([]string, 0, len(locs))
				for _, l := range locs {
					file, err := lsp.URIToPath(l.URI)
					if err != nil {
						file = l.URI
					}
					items = append(items, ux.Location(file, l.Range.Start.Line+1, l.Range.Start.Character+1))
				}
				a.printer.List(items)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&q.timeout, "timeout", 0, "request timeout (default from config)")
	return cmd
}
