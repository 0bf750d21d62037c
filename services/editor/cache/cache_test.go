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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// writeFile creates a file of size bytes under dir.
func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o600))
	return p
}

func meta(asset string, age int, size int64) Metadata {
	return Metadata{
		SourceAssetID: asset,
		CreatedAt:     epoch.Add(time.Duration(age) * time.Second),
		FileSize:      size,
	}
}

func TestKeyFor(t *testing.T) {
	type params struct {
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Codec  string `json:"codec"`
	}

	t.Run("deterministic", func(t *testing.T) {
		a, err := KeyFor("asset-1", params{1920, 1080, "h264"})
		require.NoError(t, err)
		b, err := KeyFor("asset-1", params{1920, 1080, "h264"})
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, string(a), 64)
	})

	t.Run("map key order does not matter", func(t *testing.T) {
		a, err := KeyFor("x", map[string]int{"a": 1, "b": 2})
		require.NoError(t, err)
		b, err := KeyFor("x", map[string]int{"b": 2, "a": 1})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("asset and params both matter", func(t *testing.T) {
		base, _ := KeyFor("asset-1", params{1920, 1080, "h264"})
		otherAsset, _ := KeyFor("asset-2", params{1920, 1080, "h264"})
		otherParams, _ := KeyFor("asset-1", params{1280, 720, "h264"})
		assert.NotEqual(t, base, otherAsset)
		assert.NotEqual(t, base, otherParams)
	})

	t.Run("unserializable params", func(t *testing.T) {
		_, err := KeyFor("x", make(chan int))
		assert.Error(t, err)
	})
}

func TestPutGet(t *testing.T) {
	dir := t.TempDir()
	c := New()
	ctx := context.Background()

	p := writeFile(t, dir, "a.mov", 10)
	require.NoError(t, c.Put(ctx, "k1", p, meta("asset", 0, 0)))

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, p, got)
	assert.Equal(t, int64(10), c.Size(), "file size measured when not given")

	_, ok = c.Get("missing")
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
}

func TestPut_Validation(t *testing.T) {
	c := New(WithMaxSize(100))
	ctx := context.Background()

	assert.ErrorIs(t, c.Put(ctx, "", "/x", meta("a", 0, 1)), ErrInvalidEntry)
	assert.ErrorIs(t, c.Put(ctx, "k", "", meta("a", 0, 1)), ErrInvalidEntry)
	assert.ErrorIs(t, c.Put(ctx, "k", "/x", meta("a", 0, 101)), ErrEntryTooLarge)
	assert.Error(t, c.Put(ctx, "k", filepath.Join(t.TempDir(), "absent"), meta("a", 0, 0)))
	assert.Zero(t, c.Stats().Entries)
}

func TestPut_ReplaceAdjustsSize(t *testing.T) {
	dir := t.TempDir()
	c := New()
	ctx := context.Background()

	first := writeFile(t, dir, "first", 40)
	second := writeFile(t, dir, "second", 15)
	require.NoError(t, c.Put(ctx, "k", first, meta("a", 0, 40)))
	require.NoError(t, c.Put(ctx, "k", second, meta("a", 1, 15)))

	assert.Equal(t, int64(15), c.Size())
	assert.NoFileExists(t, first, "replaced file is deleted")
	assert.FileExists(t, second)
}

func TestPut_EvictsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	c := New(WithMaxSize(100))
	ctx := context.Background()

	paths := make([]string, 4)
	// Inserted out of age order on purpose.
	ages := []int{3, 0, 2, 1}
	for i, age := range ages {
		paths[i] = writeFile(t, dir, fmt.Sprintf("f%d", i), 30)
		require.NoError(t, c.Put(ctx, Key(fmt.Sprintf("k%d", i)), paths[i], meta("a", age, 30)))
	}
	// 4 x 30 = 120 > 100: the single oldest (k1, age 0) goes.
	assert.LessOrEqual(t, c.Size(), int64(100))
	_, ok := c.Get("k1")
	assert.False(t, ok)
	assert.NoFileExists(t, paths[1])

	big := writeFile(t, dir, "big", 70)
	require.NoError(t, c.Put(ctx, "big", big, meta("b", 0, 70)))

	// 90 + 70 = 160: evict ages 1 then 2, leaving k0 (age 3) and big.
	var keys []Key
	for _, e := range c.Entries() {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []Key{"big", "k0"}, keys, "new entry survives its own insert")
	assert.Equal(t, int64(100), c.Size())
	assert.Equal(t, int64(3), c.Stats().Evictions)
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	c := New()
	ctx := context.Background()

	p1 := writeFile(t, dir, "1", 5)
	p2 := writeFile(t, dir, "2", 5)
	p3 := writeFile(t, dir, "3", 5)
	require.NoError(t, c.Put(ctx, "k1", p1, meta("clip-a", 0, 5)))
	require.NoError(t, c.Put(ctx, "k2", p2, Metadata{SourceAssetID: "clip-b", AssetIDs: []string{"clip-b", "clip-a"}, FileSize: 5}))
	require.NoError(t, c.Put(ctx, "k3", p3, meta("clip-c", 0, 5)))

	assert.Equal(t, 2, c.Invalidate(ctx, "clip-a"))
	assert.Equal(t, 0, c.Invalidate(ctx, "clip-a"))
	assert.Equal(t, int64(5), c.Size())
	assert.NoFileExists(t, p1)
	assert.NoFileExists(t, p2)
	assert.FileExists(t, p3)

	assert.True(t, c.Remove(ctx, "k3"))
	assert.False(t, c.Remove(ctx, "k3"))
	assert.Zero(t, c.Size())
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	c := New()
	ctx := context.Background()

	p := writeFile(t, dir, "x", 3)
	require.NoError(t, c.Put(ctx, "k", p, meta("a", 0, 3)))
	require.NoError(t, c.Clear(ctx))

	assert.Empty(t, c.Entries())
	assert.Zero(t, c.Size())
	assert.NoFileExists(t, p)
}

func TestGetOrRender_SingleFlight(t *testing.T) {
	dir := t.TempDir()
	c := New()

	var calls atomic.Int32
	release := make(chan struct{})
	render := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return writeFile(t, dir, "rendered", 8), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrRender(context.Background(), "shared", meta("a", 0, 0), render)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one render for one key")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, int64(1), c.Stats().Renders)

	path, ok := c.Get("shared")
	assert.True(t, ok)
	assert.Equal(t, results[0], path)
}

func TestGetOrRender_InvalidatedDuringRender(t *testing.T) {
	tests := []struct {
		name       string
		invalidate func(c *RenderCache)
		wantStale  bool
	}{
		{"rendered asset", func(c *RenderCache) { c.Invalidate(context.Background(), "intro") }, true},
		{"secondary asset", func(c *RenderCache) { c.Invalidate(context.Background(), "logo") }, true},
		{"clear", func(c *RenderCache) { require.NoError(t, c.Clear(context.Background())) }, true},
		{"unrelated asset", func(c *RenderCache) { c.Invalidate(context.Background(), "score") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			c := New()
			started := make(chan struct{})
			release := make(chan struct{})

			var rendered string
			done := make(chan error, 1)
			m := Metadata{SourceAssetID: "intro", AssetIDs: []string{"intro", "logo"}}
			go func() {
				_, err := c.GetOrRender(context.Background(), "k", m, func(context.Context) (string, error) {
					close(started)
					<-release
					rendered = writeFile(t, dir, "track.mov", 8)
					return rendered, nil
				})
				done <- err
			}()

			<-started
			tt.invalidate(c)
			close(release)
			err := <-done

			_, cached := c.Get("k")
			if !tt.wantStale {
				require.NoError(t, err)
				assert.True(t, cached)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidated)
			assert.False(t, cached, "stale render must not be committed")
			assert.NoFileExists(t, rendered)
		})
	}
}

func TestGetOrRender_FailureDeletesOutput(t *testing.T) {
	dir := t.TempDir()
	c := New()
	boom := errors.New("transcoder crashed")

	var partial string
	_, err := c.GetOrRender(context.Background(), "k", meta("a", 0, 0), func(context.Context) (string, error) {
		partial = writeFile(t, dir, "partial", 4)
		return partial, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, partial)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestGetOrRender_UncommittableOutputDeleted(t *testing.T) {
	dir := t.TempDir()
	c := New(WithMaxSize(2))

	var out string
	_, err := c.GetOrRender(context.Background(), "k", meta("a", 0, 0), func(context.Context) (string, error) {
		out = writeFile(t, dir, "too-big", 10)
		return out, nil
	})
	assert.ErrorIs(t, err, ErrEntryTooLarge)
	assert.NoFileExists(t, out)
}

func TestGetOrRender_WaiterCancellation(t *testing.T) {
	dir := t.TempDir()
	c := New()
	release := make(chan struct{})
	started := make(chan struct{})

	render := func(context.Context) (string, error) {
		close(started)
		<-release
		return writeFile(t, dir, "late", 1), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrRender(context.Background(), "k", meta("a", 0, 0), render)
		done <- err
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrRender(ctx, "k", meta("a", 0, 0), render)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-done)
	_, ok := c.Get("k")
	assert.True(t, ok, "shared render still committed")
}
