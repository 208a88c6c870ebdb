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
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/AleutianAI/AleutianMill/pkg/logging"
	"github.com/AleutianAI/AleutianMill/pkg/ux"
	"github.com/AleutianAI/AleutianMill/services/mill"
	"github.com/AleutianAI/AleutianMill/services/mill/config"
	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errSilent marks a failure already reported to the user.
var errSilent = errors.New("silent failure")

// app holds the state shared by every command of one invocation.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	rootDir    string
	logLevel   string
	jsonOut    bool

	cfg     config.Config
	printer *ux.Printer
	logger  *logging.Logger

	// serviceOpts are passed to every in-process service.
	serviceOpts []mill.ServiceOption
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	return a.execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Close()
	}
	if err == nil {
		return 0
	}
	if !errors.Is(err, errSilent) {
		if a.printer == nil {
			a.printer = ux.NewPrinter(a.stdout, a.stderr, ux.ModePlain)
		}
		a.printer.Error(err.Error())
	}
	return 1
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mill",
		Short:         "Drive language analyzers and apply workspace edits",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default $MILL_CONFIG or ~/.aleutian/mill.yaml)")
	flags.StringVar(&a.rootDir, "root", "", "workspace root (default: config or working directory)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonOut, "json", false, "write JSON output")

	root.AddCommand(
		a.serveCommand(),
		a.hoverCommand(),
		a.completeCommand(),
		a.signatureCommand(),
		a.definitionCommand(),
		a.applyCommand(),
		a.symbolsCommand(),
		a.configCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads configuration and builds the logger and printer.
func (a *app) setup(cmd *cobra.Command) error {
	lsp.ClientVersion = version
	a.printer = ux.NewPrinter(a.stdout, a.stderr, ux.DetectMode(a.stdout, a.jsonOut))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.rootDir != "" {
		cfg.Workspace.Root = a.rootDir
	}
	switch {
	case a.logLevel != "":
		if _, err := logging.ParseLevel(a.logLevel); err != nil {
			return err
		}
		cfg.Logging.Level = a.logLevel
	case cmd.Name() != "serve":
		// One-shot commands only report problems.
		cfg.Logging.Level = "warn"
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.LoggingConfig("mill"))
	if err != nil {
		return err
	}
	logger.SetDefault()
	a.logger = logger
	return nil
}

// newService builds an in-process service without file watching.
func (a *app) newService() (*mill.Service, error) {
	cfg := a.cfg
	cfg.Workspace.Watch = false
	svc, err := mill.NewService(cfg, a.serviceOpts...)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// parsePosition converts 1-based CLI line and column arguments.
func parsePosition(lineArg, colArg string) (lsp.Position, error) {
	line, err := strconv.Atoi(lineArg)
	if err != nil || line < 1 {
		return lsp.Position{}, fmt.Errorf("line must be a positive integer, got %q", lineArg)
	}
	col, err := strconv.Atoi(colArg)
	if err != nil || col < 1 {
		return lsp.Position{}, fmt.Errorf("column must be a positive integer, got %q", colArg)
	}
	return lsp.Position{Line: line - 1, Character: col - 1}, nil
}
