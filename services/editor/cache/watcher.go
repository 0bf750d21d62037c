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
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Invalidator drops cached renders of an asset. *RenderCache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, assetID string) int
}

// AssetOp is the kind of change seen on an asset file.
type AssetOp int

const (
	AssetOpWrite AssetOp = iota
	AssetOpCreate
	AssetOpRemove
	AssetOpRename
)

// String returns the string representation of the operation.
func (op AssetOp) String() string {
	switch op {
	case AssetOpWrite:
		return "write"
	case AssetOpCreate:
		return "create"
	case AssetOpRemove:
		return "remove"
	case AssetOpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// AssetChange is one observed change to a watched asset.
type AssetChange struct {
	AssetID string
	Path    string
	Op      AssetOp
	Time    time.Time
}

// WatcherOptions configures an AssetWatcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before
	// invalidating. Default: 250ms.
	DebounceWindow time.Duration

	// BufferSize is the size of the change channel. Default: 256.
	BufferSize int

	// OnInvalidate, if set, is called after each asset is invalidated.
	OnInvalidate func(change AssetChange, removed int)

	Logger *slog.Logger
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 250 * time.Millisecond,
		BufferSize:     256,
	}
}

// AssetWatcher invalidates cache entries when the files behind assets
// change on disk.
//
// # Description
//
// Parent directories of registered files are watched, since editors often
// replace a file by rename. Changes are batched over a debounce window and
// deduplicated per asset before Invalidate is called.
//
// # Thread Safety
//
// Safe for concurrent use. Invalidation runs on a single goroutine.
type AssetWatcher struct {
	target   Invalidator
	watcher  *fsnotify.Watcher
	opts     WatcherOptions
	logger   *slog.Logger
	changes  chan AssetChange
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	byPath   map[string][]string
	dirs     map[string]int
	watching bool
}

// NewAssetWatcher creates a watcher that invalidates target.
//
// # Inputs
//
//   - target: Receives Invalidate calls. Must not be nil.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *AssetWatcher: Call Watch for each asset and Start to begin.
//   - error: Non-nil if the OS watcher could not be created.
func NewAssetWatcher(target Invalidator, opts *WatcherOptions) (*AssetWatcher, error) {
	if target == nil {
		return nil, fmt.Errorf("asset watcher: target must not be nil")
	}
	o := DefaultWatcherOptions()
	if opts != nil {
		if opts.DebounceWindow > 0 {
			o.DebounceWindow = opts.DebounceWindow
		}
		if opts.BufferSize > 0 {
			o.BufferSize = opts.BufferSize
		}
		o.OnInvalidate = opts.OnInvalidate
		o.Logger = opts.Logger
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &AssetWatcher{
		target:  target,
		watcher: w,
		opts:    o,
		logger:  logger.With(slog.String("component", "cache.AssetWatcher")),
		changes: make(chan AssetChange, o.BufferSize),
		done:    make(chan struct{}),
		byPath:  make(map[string][]string),
		dirs:    make(map[string]int),
	}, nil
}

// Watch registers the file at path as the source of assetID.
func (w *AssetWatcher) Watch(assetID, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve asset path: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if slices.Contains(w.byPath[abs], assetID) {
		return nil
	}
	dir := filepath.Dir(abs)
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.byPath[abs] = append(w.byPath[abs], assetID)
	return nil
}

// Unwatch stops watching every file registered for assetID.
func (w *AssetWatcher) Unwatch(assetID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, ids := range w.byPath {
		i := slices.Index(ids, assetID)
		if i < 0 {
			continue
		}
		ids = slices.Delete(ids, i, i+1)
		if len(ids) == 0 {
			delete(w.byPath, path)
		} else {
			w.byPath[path] = ids
		}

		dir := filepath.Dir(path)
		w.dirs[dir]--
		if w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			_ = w.watcher.Remove(dir)
		}
	}
}

// Start begins processing file events until Stop or ctx cancellation.
func (w *AssetWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return
	}
	w.watching = true
	w.mu.Unlock()

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
}

// Stop stops the watcher. Pending changes are flushed.
func (w *AssetWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is currently active.
func (w *AssetWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *AssetWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.mu.RLock()
			ids := slices.Clone(w.byPath[filepath.Clean(event.Name)])
			w.mu.RUnlock()

			now := time.Now()
			for _, id := range ids {
				change := AssetChange{AssetID: id, Path: event.Name, Op: convertOp(event.Op), Time: now}
				select {
				case w.changes <- change:
				default:
					w.logger.Warn("asset change dropped, buffer full", slog.String("asset_id", id))
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("asset watcher error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) AssetOp {
	switch {
	case op.Has(fsnotify.Create):
		return AssetOpCreate
	case op.Has(fsnotify.Remove):
		return AssetOpRemove
	case op.Has(fsnotify.Rename):
		return AssetOpRename
	default:
		return AssetOpWrite
	}
}

// debounceLoop batches changes and invalidates once per asset per window.
func (w *AssetWatcher) debounceLoop(ctx context.Context) {
	var batch []AssetChange
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for _, change := range latestPerAsset(batch) {
			removed := w.target.Invalidate(context.WithoutCancel(ctx), change.AssetID)
			w.logger.Debug("asset changed",
				slog.String("asset_id", change.AssetID),
				slog.String("op", change.Op.String()),
				slog.Int("invalidated", removed),
			)
			if w.opts.OnInvalidate != nil {
				w.opts.OnInvalidate(change, removed)
			}
		}
		batch = batch[:0]
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.opts.DebounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.DebounceWindow)
			}
		case <-timerC:
			flush()
		}
	}
}

// latestPerAsset keeps the most recent change per asset, in first-seen order.
func latestPerAsset(changes []AssetChange) []AssetChange {
	seen := make(map[string]int)
	out := make([]AssetChange, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.AssetID]; ok {
			out[i] = c
			continue
		}
		seen[c.AssetID] = len(out)
		out = append(out, c)
	}
	return out
}
