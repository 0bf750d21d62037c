// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("montage.cache")
	meter  = otel.Meter("montage.cache")
)

var (
	cacheLookups    metric.Int64Counter
	cacheEvictions  metric.Int64Counter
	cacheRenders    metric.Int64Counter
	cacheGetLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheLookups, err = meter.Int64Counter(
			"render_cache_lookups_total",
			metric.WithDescription("Total number of render cache lookups by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"render_cache_evictions_total",
			metric.WithDescription("Total number of entries evicted by the size cap"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheRenders, err = meter.Int64Counter(
			"render_cache_renders_total",
			metric.WithDescription("Total number of renders started on a cache miss"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"render_cache_get_duration_seconds",
			metric.WithDescription("Duration of render cache lookups"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordCacheGet records a lookup and its latency.
func recordCacheGet(ctx context.Context, duration time.Duration, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("hit", hit))
	cacheLookups.Add(ctx, 1, attrs)
	cacheGetLatency.Record(ctx, duration.Seconds(), attrs)
}

func recordCacheEvictions(ctx context.Context, n int) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, int64(n))
}

func recordCacheRender(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheRenders.Add(ctx, 1)
}

// startCacheSpan creates a span for a cache operation.
func startCacheSpan(ctx context.Context, operation string, key Key) (context.Context, trace.Span) {
	return tracer.Start(ctx, "RenderCache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.key", key.Short()),
		),
	)
}
