// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry bootstraps OpenTelemetry tracing and metrics for the
// mill service and carries the small span and logging helpers shared by
// the lsp and workspace packages.
//
// Exporters:
//
//	traces:  "otlp" (gRPC), "stdout", "none"
//	metrics: "prometheus" (served on /metrics), "stdout", "none"
//
// Instrumentation in other packages uses otel.Tracer and otel.Meter
// directly; until Init installs providers those are no-ops.
package telemetry
