// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.mill.lsp")

// latencyBuckets covers a fast cached hover up to a cold workspace index.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// lspInstruments holds the analyzer metrics, created from the global
// meter provider on first use.
type lspInstruments struct {
	latency   metric.Float64Histogram
	total     metric.Int64Counter
	fallbacks metric.Int64Counter
	starts    metric.Int64Counter
	timeouts  metric.Int64Counter
	degraded  metric.Int64Counter
	pending   metric.Int64UpDownCounter
}

var (
	instrumentsOnce sync.Once
	instruments     *lspInstruments
)

// metrics returns the instruments, or nil if any could not be created.
func metrics() *lspInstruments {
	instrumentsOnce.Do(func() {
		m := otel.Meter("aleutian.mill.lsp")
		var (
			in   lspInstruments
			errs [7]error
		)
		in.latency, errs[0] = m.Float64Histogram("mill_lsp_operation_duration_seconds",
			metric.WithDescription("Latency of intelligence operations, including session preparation"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...))
		in.total, errs[1] = m.Int64Counter("mill_lsp_operation_total",
			metric.WithDescription("Intelligence operations by outcome"))
		in.fallbacks, errs[2] = m.Int64Counter("mill_lsp_fallback_total",
			metric.WithDescription("Advisory operations answered with a placeholder after a timeout"))
		in.starts, errs[3] = m.Int64Counter("mill_lsp_session_starts_total",
			metric.WithDescription("Analyzer session start attempts"))
		in.timeouts, errs[4] = m.Int64Counter("mill_lsp_request_timeouts_total",
			metric.WithDescription("Analyzer requests that got no response before their deadline"))
		in.degraded, errs[5] = m.Int64Counter("mill_lsp_session_degraded_total",
			metric.WithDescription("Sessions marked degraded"))
		in.pending, errs[6] = m.Int64UpDownCounter("mill_lsp_pending_requests",
			metric.WithDescription("Requests awaiting an analyzer response"))
		if errors.Join(errs[:]...) == nil {
			instruments = &in
		}
	})
	return instruments
}

// startOperationSpan starts the span for one intelligence operation.
func startOperationSpan(ctx context.Context, operation, language, filePath string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Operations."+operation,
		trace.WithAttributes(
			attribute.String("lsp.operation", operation),
			attribute.String("lsp.language", language),
			attribute.String("lsp.file_path", filePath),
		),
	)
}

func setOperationSpanResult(span trace.Span, resultCnt int, outcome string) {
	span.SetAttributes(
		attribute.Int("lsp.result_count", resultCnt),
		attribute.String("lsp.outcome", outcome),
	)
}

// recordOperationMetrics records one operation. outcome is "ok",
// "fallback" or "error".
func recordOperationMetrics(ctx context.Context, operation, language string, duration time.Duration, outcome string) {
	in := metrics()
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("language", language),
		attribute.String("outcome", outcome),
	)
	in.latency.Record(ctx, duration.Seconds(), attrs)
	in.total.Add(ctx, 1, attrs)
}

func recordFallback(ctx context.Context, operation, language string) {
	if in := metrics(); in != nil {
		in.fallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("language", language),
		))
	}
}

func recordSessionStart(ctx context.Context, language string, success bool) {
	if in := metrics(); in != nil {
		in.starts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("language", language),
			attribute.Bool("success", success),
		))
	}
}

func recordRequestTimeout(ctx context.Context, language, method string) {
	if in := metrics(); in != nil {
		in.timeouts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("method", method),
		))
	}
}

func recordDegraded(language string) {
	if in := metrics(); in != nil {
		in.degraded.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("language", language),
		))
	}
}

func recordPendingDelta(delta int64) {
	if in := metrics(); in != nil {
		in.pending.Add(context.Background(), delta)
	}
}
