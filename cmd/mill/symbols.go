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
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianMill/pkg/ux"
	"github.com/AleutianAI/AleutianMill/services/mill"
	"github.com/spf13/cobra"
)

func (a *app) symbolsCommand() *cobra.Command {
	var language, command string
	cmd := &cobra.Command{
		Use:   "symbols --language <lang> --command <name> [file]",
		Short: "Run a configured symbol extraction tool on a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var source []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				source, err = io.ReadAll(a.stdin)
			} else {
				source, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}

			syms, err := a.cfg.SymbolRegistry().Extract(cmd.Context(), language, source, command)
			if err != nil {
				return err
			}

			p := a.printer
			if p.Mode() == ux.ModeJSON {
				return p.JSON(mill.SymbolsResponse{Symbols: syms})
			}
			if len(syms) == 0 {
				p.Warning("No symbols")
				return nil
			}
			items := make([]string, 0, len(syms))
			for _, s := range syms {
				items = append(items, fmt.Sprintf("%d\t%s\t%s", s.Line+1, s.Kind, s.Name))
			}
			p.List(items)
			return nil
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "language whose tool to run")
	cmd.Flags().StringVar(&command, "command", "extract-symbols", "command passed to the tool")
	_ = cmd.MarkFlagRequired("language")
	return cmd
}
