// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for history metrics.
var meter = otel.Meter("montage.history")

var (
	actionsRecorded   metric.Int64Counter
	undoRedoTotal     metric.Int64Counter
	transactionsTotal metric.Int64Counter
	transactionSize   metric.Int64Histogram
	evictionsTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		actionsRecorded, err = meter.Int64Counter(
			"history_actions_recorded_total",
			metric.WithDescription("Total number of entries recorded outside transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		undoRedoTotal, err = meter.Int64Counter(
			"history_undo_redo_total",
			metric.WithDescription("Total number of undo and redo operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionsTotal, err = meter.Int64Counter(
			"history_transactions_total",
			metric.WithDescription("Total number of closed transactions by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionSize, err = meter.Int64Histogram(
			"history_transaction_actions",
			metric.WithDescription("Number of actions per closed transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evictionsTotal, err = meter.Int64Counter(
			"history_evictions_total",
			metric.WithDescription("Total number of entries dropped by the capacity bound"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAction records an entry pushed outside a transaction.
func recordAction(ctx context.Context, kind string) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	actionsRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// recordUndoRedo records an undo or redo attempt.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - op: "undo" or "redo".
//   - success: Whether the entry was applied.
func recordUndoRedo(ctx context.Context, op string, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	undoRedoTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
}

// recordTransaction records a closed transaction.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - outcome: "commit", "rollback" or "empty".
//   - actions: Number of actions in the group.
func recordTransaction(ctx context.Context, outcome string, actions int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	transactionsTotal.Add(ctx, 1, attrs)
	transactionSize.Record(ctx, int64(actions), attrs)
}

func recordEviction(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	evictionsTotal.Add(ctx, 1)
}
