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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("aleutian.mill.workspace")

// Transaction outcomes used as the "outcome" metric attribute.
const (
	outcomeCommitted  = "committed"
	outcomeDryRun     = "dry_run"
	outcomeInvalid    = "invalid"
	outcomeRolledBack = "rolled_back"
)

type txInstruments struct {
	applies   metric.Int64Counter
	rollbacks metric.Int64Counter
	duration  metric.Float64Histogram
	files     metric.Int64Histogram
	edits     metric.Int64Histogram
}

var txMetrics = sync.OnceValue(func() *txInstruments {
	m := otel.Meter("aleutian.mill.workspace")
	applies, err1 := m.Int64Counter("mill_workspace_apply_total",
		metric.WithDescription("Workspace edit transactions by outcome"))
	rollbacks, err2 := m.Int64Counter("mill_workspace_rollback_total",
		metric.WithDescription("Transactions that restored files after a failed write"))
	duration, err3 := m.Float64Histogram("mill_workspace_apply_duration_seconds",
		metric.WithDescription("Time from receiving an edit to its result"),
		metric.WithUnit("s"))
	files, err4 := m.Int64Histogram("mill_workspace_files_changed",
		metric.WithDescription("Files written per committed transaction"))
	edits, err5 := m.Int64Histogram("mill_workspace_edits_applied",
		metric.WithDescription("Text edits spliced per committed transaction"))
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return nil
		}
	}
	return &txInstruments{applies: applies, rollbacks: rollbacks, duration: duration, files: files, edits: edits}
})

// recordApply records a finished transaction. files and edits are only
// recorded for committed transactions.
func recordApply(ctx context.Context, outcome string, elapsed time.Duration, files, edits int) {
	in := txMetrics()
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	in.applies.Add(ctx, 1, attrs)
	in.duration.Record(ctx, elapsed.Seconds(), attrs)
	if outcome == outcomeCommitted {
		in.files.Record(ctx, int64(files))
		in.edits.Record(ctx, int64(edits))
	}
}

// recordRollback records a rollback and whether every file was restored.
func recordRollback(ctx context.Context, complete bool) {
	if in := txMetrics(); in != nil {
		in.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("complete", complete)))
	}
}
