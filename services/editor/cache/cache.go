// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache keeps rendered per-track intermediates on disk and decides
// whether a render can be skipped.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// RenderFunc produces the file for a cache miss. A non-empty path returned
// together with an error is deleted.
type RenderFunc func(ctx context.Context) (string, error)

// RenderCache maps cache keys to rendered files, bounded by total file size.
//
// # Description
//
// Entries are evicted oldest CreatedAt first when an insert pushes the
// summed FileSize over MaxSize; evicted files are deleted. GetOrRender
// guarantees at most one render in flight per key.
//
// # Thread Safety
//
// Safe for concurrent use. The entry map is guarded by one mutex held only
// for map updates; renders run outside it, serialized per key.
type RenderCache struct {
	mu      sync.Mutex
	entries map[Key]Entry
	size    int64
	closed  bool

	// Bumped by Invalidate per asset and by Clear; a render started under
	// older generations is not committed.
	generations map[string]uint64
	clears      uint64

	flight singleflight.Group
	opts   Options
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	renders   atomic.Int64
}

// New creates an empty cache. Any configured Index is written to but not
// read; use Open to reload persisted entries.
func New(opts ...Option) *RenderCache {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RenderCache{
		entries:     make(map[Key]Entry),
		generations: make(map[string]uint64),
		opts:        o,
		logger:      logger.With(slog.String("component", "cache.RenderCache")),
	}
}

// Open creates a cache and reloads entries from the configured Index.
//
// # Description
//
// Entries whose files no longer exist are dropped from the index. If the
// reloaded entries exceed MaxSize (for example after lowering the cap) the
// oldest are evicted.
//
// # Outputs
//
//   - *RenderCache: The cache. Caller must call Close to release the index.
//   - error: An *IndexError if the index cannot be read.
func Open(ctx context.Context, opts ...Option) (*RenderCache, error) {
	c := New(opts...)
	if c.opts.Index == nil {
		return c, nil
	}

	ctx, span := startCacheSpan(ctx, "Open", "")
	defer span.End()

	loaded, err := c.opts.Index.Load(ctx)
	if err != nil {
		return nil, &IndexError{Op: "load", Err: err}
	}

	var missing []Key
	for _, e := range loaded {
		if _, err := os.Stat(e.Path); err != nil {
			missing = append(missing, e.Key)
			continue
		}
		c.entries[e.Key] = e
		c.size += e.FileSize
	}
	if len(missing) > 0 {
		c.logger.Info("dropping cache entries with missing files", slog.Int("count", len(missing)))
		if err := c.opts.Index.Delete(ctx, missing...); err != nil {
			c.logger.Warn("failed to prune cache index", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	evicted := c.evictLocked("")
	c.mu.Unlock()
	c.discard(ctx, evicted)

	c.logger.Info("render cache opened",
		slog.Int("entries", len(c.entries)),
		slog.Int64("size", c.size),
		slog.Int64("max_size", c.opts.MaxSize),
	)
	return c, nil
}

// Get returns the path cached under key.
func (c *RenderCache) Get(key Key) (string, bool) {
	start := time.Now()
	path, ok := c.lookup(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	recordCacheGet(context.Background(), time.Since(start), ok)
	return path, ok
}

func (c *RenderCache) lookup(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.Path, ok
}

// Put inserts or replaces the entry for key.
//
// # Description
//
// Replacing adjusts the size by the difference and deletes the previous
// file if it lives at a different path. After the insert, entries are
// evicted in ascending CreatedAt order until the size is within MaxSize.
// The entry just inserted is never evicted by its own insert.
//
// # Outputs
//
//   - error: ErrInvalidEntry, ErrEntryTooLarge, ErrClosed, a stat failure
//     when FileSize must be measured, or an *IndexError. On error the
//     cache is unchanged.
func (c *RenderCache) Put(ctx context.Context, key Key, path string, meta Metadata) error {
	return c.put(ctx, key, path, meta, nil)
}

// put is Put with an optional commit check evaluated under c.mu.
func (c *RenderCache) put(ctx context.Context, key Key, path string, meta Metadata, current func() bool) error {
	ctx, span := startCacheSpan(ctx, "Put", key)
	defer span.End()

	if key == "" || path == "" {
		return fmt.Errorf("%w: key and path are required", ErrInvalidEntry)
	}
	if meta.FileSize <= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat rendered file: %w", err)
		}
		meta.FileSize = info.Size()
	}
	if c.opts.MaxSize > 0 && meta.FileSize > c.opts.MaxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, meta.FileSize, c.opts.MaxSize)
	}

	entry := Entry{
		Key:           key,
		Path:          path,
		CreatedAt:     meta.CreatedAt,
		SourceAssetID: meta.SourceAssetID,
		AssetIDs:      append([]string(nil), meta.AssetIDs...),
		Duration:      meta.Duration,
		ParamsHash:    meta.ParamsHash,
		FileSize:      meta.FileSize,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.opts.now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if current != nil && !current() {
		c.mu.Unlock()
		return ErrInvalidated
	}
	if c.opts.Index != nil {
		if err := c.opts.Index.Save(ctx, entry); err != nil {
			c.mu.Unlock()
			return &IndexError{Op: "save", Err: err}
		}
	}

	var stale []string
	if old, ok := c.entries[key]; ok {
		c.size -= old.FileSize
		if old.Path != entry.Path {
			stale = append(stale, old.Path)
		}
	}
	c.entries[key] = entry
	c.size += entry.FileSize
	evicted := c.evictLocked(key)
	c.mu.Unlock()

	for _, p := range stale {
		c.removeFile(p)
	}
	c.discard(ctx, evicted)

	c.logger.Debug("cache entry stored",
		slog.String("key", key.Short()),
		slog.Int64("file_size", entry.FileSize),
		slog.Int("evicted", len(evicted)),
	)
	return nil
}

// GetOrRender returns the cached path for key, rendering it on a miss.
//
// # Description
//
// Concurrent callers for the same key share one render and receive the
// same path. The render runs detached from any single caller's
// cancellation so that waiters are not failed by one caller giving up; a
// caller whose ctx ends stops waiting and gets ctx.Err(). A rendered file
// that cannot be committed is deleted. If any of meta's assets is
// invalidated (or the cache cleared) while the render runs, the result is
// deleted and ErrInvalidated returned.
func (c *RenderCache) GetOrRender(ctx context.Context, key Key, meta Metadata, render RenderFunc) (string, error) {
	if path, ok := c.Get(key); ok {
		return path, nil
	}

	ch := c.flight.DoChan(string(key), func() (interface{}, error) {
		if path, ok := c.lookup(key); ok {
			return path, nil
		}

		assets := meta.assetIDs()
		c.mu.Lock()
		gen := c.generationLocked(assets)
		c.mu.Unlock()
		current := func() bool { return c.generationLocked(assets) == gen }

		renderCtx, span := startCacheSpan(context.WithoutCancel(ctx), "Render", key)
		defer span.End()

		c.renders.Add(1)
		recordCacheRender(renderCtx)

		path, err := render(renderCtx)
		if err != nil {
			if path != "" {
				c.removeFile(path)
			}
			return "", err
		}
		if err := c.put(renderCtx, key, path, meta, current); err != nil {
			c.removeFile(path)
			if errors.Is(err, ErrInvalidated) {
				c.logger.Info("discarding render of invalidated asset", slog.String("key", key.Short()))
			}
			return "", err
		}
		return path, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate removes every entry built from assetID and deletes its file.
// It returns the number of entries removed.
func (c *RenderCache) Invalidate(ctx context.Context, assetID string) int {
	ctx, span := startCacheSpan(ctx, "Invalidate", "")
	defer span.End()

	c.mu.Lock()
	c.generations[assetID]++
	var removed []Entry
	for k, e := range c.entries {
		if e.references(assetID) {
			removed = append(removed, e)
			c.size -= e.FileSize
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	c.drop(ctx, removed)
	if len(removed) > 0 {
		c.logger.Info("cache entries invalidated",
			slog.String("asset_id", assetID),
			slog.Int("count", len(removed)),
		)
	}
	return len(removed)
}

// generationLocked sums the invalidation generations of assets and the
// clear count. Every counter only grows, so an unchanged sum means none
// of them moved.
func (c *RenderCache) generationLocked(assets []string) uint64 {
	g := c.clears
	for _, id := range assets {
		g += c.generations[id]
	}
	return g
}

// Remove deletes one entry and its file.
func (c *RenderCache) Remove(ctx context.Context, key Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.size -= e.FileSize
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		c.drop(ctx, []Entry{e})
	}
	return ok
}

// Clear removes every entry and file.
func (c *RenderCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	all := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	c.entries = make(map[Key]Entry)
	c.size = 0
	c.clears++
	c.mu.Unlock()

	for _, e := range all {
		c.removeFile(e.Path)
	}
	if c.opts.Index != nil {
		if err := c.opts.Index.Clear(ctx); err != nil {
			return &IndexError{Op: "clear", Err: err}
		}
	}
	return nil
}

// Entries returns a copy of all entries, oldest first.
func (c *RenderCache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()

	sortByAge(out)
	return out
}

// Size returns the summed FileSize of all entries.
func (c *RenderCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns current counters.
func (c *RenderCache) Stats() Stats {
	c.mu.Lock()
	n, size := len(c.entries), c.size
	c.mu.Unlock()

	return Stats{
		Entries:     n,
		CurrentSize: size,
		MaxSize:     c.opts.MaxSize,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Renders:     c.renders.Load(),
	}
}

// Close releases the index. Entries and files are kept.
func (c *RenderCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.opts.Index != nil {
		return c.opts.Index.Close()
	}
	return nil
}

// evictLocked removes the oldest entries, other than keep, until the size
// fits. Caller must hold c.mu.
func (c *RenderCache) evictLocked(keep Key) []Entry {
	if c.opts.MaxSize <= 0 || c.size <= c.opts.MaxSize {
		return nil
	}

	candidates := make([]Entry, 0, len(c.entries))
	for k, e := range c.entries {
		if k != keep {
			candidates = append(candidates, e)
		}
	}
	sortByAge(candidates)

	var evicted []Entry
	for _, e := range candidates {
		if c.size <= c.opts.MaxSize {
			break
		}
		delete(c.entries, e.Key)
		c.size -= e.FileSize
		evicted = append(evicted, e)
	}
	return evicted
}

// discard deletes evicted entries and counts them as evictions.
func (c *RenderCache) discard(ctx context.Context, evicted []Entry) {
	if len(evicted) == 0 {
		return
	}
	c.evictions.Add(int64(len(evicted)))
	recordCacheEvictions(ctx, len(evicted))
	c.drop(ctx, evicted)
}

// drop deletes the files and index records of entries already removed from
// the map.
func (c *RenderCache) drop(ctx context.Context, removed []Entry) {
	if len(removed) == 0 {
		return
	}
	keys := make([]Key, len(removed))
	for i, e := range removed {
		keys[i] = e.Key
		c.removeFile(e.Path)
	}
	if c.opts.Index != nil {
		if err := c.opts.Index.Delete(ctx, keys...); err != nil {
			c.logger.Warn("failed to delete cache index records",
				slog.Int("count", len(keys)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *RenderCache) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to remove cached file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func sortByAge(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Key < entries[j].Key
	})
}
