// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("montage.render")

var (
	// renderRuns counts finished renders.
	// Labels: status (complete, failed, cancelled)
	renderRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "montage",
		Subsystem: "render",
		Name:      "runs_total",
		Help:      "Total renders by terminal status",
	}, []string{"status"})

	// stageDuration measures time spent in each stage.
	// Labels: stage
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "montage",
		Subsystem: "render",
		Name:      "stage_duration_seconds",
		Help:      "Time spent per render stage",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"stage"})

	// tracksPrepared counts per-track preparations.
	// Labels: result (cache_hit, rendered, error)
	tracksPrepared = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "montage",
		Subsystem: "render",
		Name:      "tracks_prepared_total",
		Help:      "Per-track intermediates by outcome",
	}, []string{"result"})

	// activeRenders tracks renders in flight.
	activeRenders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "montage",
		Subsystem: "render",
		Name:      "active",
		Help:      "Renders currently running",
	})
)

func recordRun(stage Stage) {
	renderRuns.WithLabelValues(stage.String()).Inc()
}

func recordStage(stage Stage, seconds float64) {
	stageDuration.WithLabelValues(stage.String()).Observe(seconds)
}

func recordTrack(result string) {
	tracksPrepared.WithLabelValues(result).Inc()
}

// startStageSpan creates a span for one pipeline stage.
func startStageSpan(ctx context.Context, jobID string, stage Stage) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline."+stage.String(),
		trace.WithAttributes(
			attribute.String("render.job_id", jobID),
			attribute.String("render.stage", stage.String()),
		),
	)
}
