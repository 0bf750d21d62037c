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
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

var (
	// ErrEntryTooLarge is returned by Put when a single entry exceeds the
	// size cap on its own.
	ErrEntryTooLarge = errors.New("cache entry larger than cache capacity")

	// ErrInvalidEntry is returned by Put for an empty key or path.
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("render cache closed")

	// ErrInvalidated is returned by GetOrRender when a source asset was
	// invalidated while its render ran.
	ErrInvalidated = errors.New("source asset invalidated during render")
)

// IndexError wraps a failure of the persistent index.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("cache index %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Entry describes one rendered intermediate on disk.
type Entry struct {
	Key           Key           `json:"key"`
	Path          string        `json:"path"`
	CreatedAt     time.Time     `json:"created_at"`
	SourceAssetID string        `json:"source_asset_id"`
	AssetIDs      []string      `json:"asset_ids,omitempty"`
	Duration      time.Duration `json:"duration"`
	ParamsHash    string        `json:"params_hash"`
	FileSize      int64         `json:"file_size"`
}

// references reports whether the entry was built from assetID.
func (e *Entry) references(assetID string) bool {
	return e.SourceAssetID == assetID || slices.Contains(e.AssetIDs, assetID)
}

// Metadata is the caller-supplied part of an Entry.
//
// A zero CreatedAt is replaced with the insertion time and a zero FileSize
// with the size of the file on disk.
type Metadata struct {
	CreatedAt     time.Time
	SourceAssetID string
	AssetIDs      []string
	Duration      time.Duration
	ParamsHash    string
	FileSize      int64
}

func (m Metadata) assetIDs() []string {
	if m.SourceAssetID == "" || slices.Contains(m.AssetIDs, m.SourceAssetID) {
		return m.AssetIDs
	}
	return append([]string{m.SourceAssetID}, m.AssetIDs...)
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries     int   `json:"entries"`
	CurrentSize int64 `json:"current_size"`
	MaxSize     int64 `json:"max_size"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Renders     int64 `json:"renders"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Options configures a RenderCache.
type Options struct {
	// MaxSize caps the summed FileSize of all entries. Zero is unbounded.
	MaxSize int64

	// Index persists entries between runs. Nil keeps the cache in memory.
	Index Index

	Logger *slog.Logger

	now func() time.Time
}

// Option is a functional option for configuring a RenderCache.
type Option func(*Options)

// WithMaxSize sets the size cap in bytes.
func WithMaxSize(bytes int64) Option {
	return func(o *Options) {
		if bytes >= 0 {
			o.MaxSize = bytes
		}
	}
}

// WithIndex sets the persistent index.
func WithIndex(idx Index) Option {
	return func(o *Options) {
		o.Index = idx
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// withClock overrides time.Now for deterministic tests.
func withClock(now func() time.Time) Option {
	return func(o *Options) {
		o.now = now
	}
}
