// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command mill drives language analyzers and applies workspace edits.
//
// Usage:
//
//	mill serve                          Run the HTTP service
//	mill hover main.go 10 5             Hover at line 10, column 5 (1-based)
//	mill complete main.go 12 8 --trigger .
//	mill signature main.go 14 20
//	mill definition main.go 10 5
//	mill apply --edit edit.json [--backup] [--no-validate] [--dry-run]
//	mill symbols --language python --command extract-symbols file.py
//	mill config show [--format toml]
//	mill version
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
