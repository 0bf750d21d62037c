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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/AleutianAI/montage/services/editor/cache"
	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sec = time.Second

var testParams = media.Params{
	Width:      1280,
	Height:     720,
	FrameRate:  25,
	VideoCodec: "libx264",
	AudioCodec: "aac",
	SampleRate: 48000,
	Container:  "mp4",
}

type diagError struct{ tail string }

func (e *diagError) Error() string      { return "exit status 1" }
func (e *diagError) Diagnostic() string { return e.tail }

// fakeTranscoder writes small marker files instead of media.
type fakeTranscoder struct {
	renders  atomic.Int32
	composes atomic.Int32
	seq      atomic.Int32

	failTrack   timeline.TrackID
	failCompose bool

	// block, when set, holds every RenderTrack call until closed.
	block     chan struct{}
	started   chan struct{}
	startOnce sync.Once

	mu       sync.Mutex
	plan     media.CompositionPlan
	outputs  []string
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeTranscoder) RenderTrack(_ context.Context, job media.TrackJob, _ media.Params, progress media.ProgressFunc) (string, error) {
	f.renders.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}

	progress(0.5)
	path := filepath.Join(job.OutputDir, fmt.Sprintf("%s-%d.mov", job.Track.ID, f.seq.Add(1)))
	if err := os.WriteFile(path, []byte(job.Track.ID), 0o600); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.outputs = append(f.outputs, path)
	f.mu.Unlock()

	if job.Track.ID == f.failTrack {
		return path, &diagError{tail: "Invalid data found when processing input"}
	}
	progress(1)
	return path, nil
}

func (f *fakeTranscoder) Compose(_ context.Context, plan media.CompositionPlan, _ media.Params, output string, progress media.ProgressFunc) error {
	f.composes.Add(1)
	f.mu.Lock()
	f.plan = plan
	f.mu.Unlock()

	if err := os.WriteFile(output, []byte("composed"), 0o600); err != nil {
		return err
	}
	progress(1)
	if f.failCompose {
		return errors.New("muxer rejected stream")
	}
	return nil
}

func (f *fakeTranscoder) intermediates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.outputs...)
}

// fixture is a timeline with two video tracks and one audio track.
type fixture struct {
	tl     *timeline.Timeline
	video  timeline.TrackID
	titles timeline.TrackID
	music  timeline.TrackID
	assets media.AssetMap
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	tl := timeline.New()
	f := fixture{
		tl:     tl,
		video:  tl.AddTrack(timeline.TrackVideo),
		titles: tl.AddTrack(timeline.TrackVideo),
		music:  tl.AddTrack(timeline.TrackAudio),
		assets: media.AssetMap{"interview": "/media/interview.mov", "logo": "/media/logo.png", "score": "/media/score.wav"},
	}
	require.NoError(t, tl.AddClip(f.video, timeline.NewClip("interview", 0, 0, 4*sec)))
	require.NoError(t, tl.AddClip(f.titles, timeline.NewClip("logo", sec, 0, 2*sec)))
	require.NoError(t, tl.AddClip(f.music, timeline.NewClip("score", 0, 0, 4*sec)))
	return f
}

func config(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		Params:  testParams,
		Output:  filepath.Join(dir, "out", "final.mp4"),
		WorkDir: filepath.Join(dir, "work"),
	}
}

func TestPipeline_RunComplete(t *testing.T) {
	f := newFixture(t)
	_, err := f.tl.SetBlend(f.titles, animation.BlendScreen)
	require.NoError(t, err)

	tc := &fakeTranscoder{}
	rc := cache.New()
	p := NewPipeline(tc, f.assets, WithCache(rc), WithProgressRate(0))

	var mu sync.Mutex
	var stages []Stage
	p.Progress().Subscribe(func(pr Progress) {
		mu.Lock()
		defer mu.Unlock()
		if len(stages) == 0 || stages[len(stages)-1] != pr.Stage {
			stages = append(stages, pr.Stage)
		}
	})

	cfg := config(t)
	res, err := p.Run(context.Background(), f.tl, cfg)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Tracks)
	assert.Equal(t, 3, res.Rendered)
	assert.Zero(t, res.CacheHits)
	assert.Equal(t, 4*sec, res.Duration)
	assert.FileExists(t, cfg.Output)
	assert.NoFileExists(t, partialPath(cfg.Output, p.JobID()))
	assert.Equal(t, int32(3), tc.renders.Load())
	assert.Equal(t, int32(1), tc.composes.Load())

	mu.Lock()
	assert.Equal(t, []Stage{
		StagePreparing, StageRenderingVideo, StageProcessingAudio,
		StageMuxing, StageFinalizing, StageComplete,
	}, stages)
	mu.Unlock()

	cur := p.Progress().Current()
	assert.Equal(t, StageComplete, cur.Stage)
	assert.Equal(t, 1.0, cur.Overall)
	assert.Equal(t, 3, cur.TracksDone)

	plan := tc.plan
	require.Len(t, plan.Layers, 3)
	assert.Equal(t, f.video, plan.Layers[0].TrackID, "bottom layer first")
	assert.Equal(t, animation.BlendScreen, plan.Layers[1].Blend)
	assert.Equal(t, 40*time.Millisecond, plan.SampleInterval)
	for _, l := range plan.Layers {
		assert.FileExists(t, l.Path, "intermediates stay in the cache")
	}
}

func TestPipeline_SecondRunHitsCache(t *testing.T) {
	f := newFixture(t)
	rc := cache.New()

	first := &fakeTranscoder{}
	_, err := NewPipeline(first, f.assets, WithCache(rc)).Run(context.Background(), f.tl, config(t))
	require.NoError(t, err)

	second := &fakeTranscoder{}
	res, err := NewPipeline(second, f.assets, WithCache(rc)).Run(context.Background(), f.tl, config(t))
	require.NoError(t, err)

	assert.Zero(t, second.renders.Load())
	assert.Equal(t, 3, res.CacheHits)

	// Changing one clip re-renders only that track.
	_, err = f.tl.SetMuted(f.music, true)
	require.NoError(t, err)
	_, err = f.tl.SetClipDuration(f.titles, f.tl.Tracks()[1].Clips[0].ID, 3*sec)
	require.NoError(t, err)

	third := &fakeTranscoder{}
	res, err = NewPipeline(third, f.assets, WithCache(rc)).Run(context.Background(), f.tl, config(t))
	require.NoError(t, err)
	assert.Equal(t, int32(1), third.renders.Load())
	assert.Equal(t, 2, res.Tracks, "muted audio track is skipped")
}

func TestPipeline_CacheKeyFollowsSourceFile(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a", "intro.mov")
	pathB := filepath.Join(dir, "b", "intro.mov")
	for _, p := range []string{pathA, pathB} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte("0123456789"), 0o600))
	}

	tl := timeline.New()
	v := tl.AddTrack(timeline.TrackVideo)
	require.NoError(t, tl.AddClip(v, timeline.NewClip("intro", 0, 0, 4*sec)))
	rc := cache.New()

	run := func(assets media.AssetMap) (*fakeTranscoder, Result) {
		t.Helper()
		tc := &fakeTranscoder{}
		res, err := NewPipeline(tc, assets, WithCache(rc)).Run(context.Background(), tl, config(t))
		require.NoError(t, err)
		return tc, res
	}

	_, _ = run(media.AssetMap{"intro": pathA})

	tc, res := run(media.AssetMap{"intro": pathB})
	assert.Equal(t, int32(1), tc.renders.Load(), "same asset ID, different file")
	assert.Zero(t, res.CacheHits)

	tc, res = run(media.AssetMap{"intro": pathA})
	assert.Zero(t, tc.renders.Load())
	assert.Equal(t, 1, res.CacheHits)

	// Replacing the file in place changes its identity.
	require.NoError(t, os.WriteFile(pathA, []byte("a longer replacement file"), 0o600))
	tc, _ = run(media.AssetMap{"intro": pathA})
	assert.Equal(t, int32(1), tc.renders.Load())
}

func TestPipeline_TranscoderFailure(t *testing.T) {
	f := newFixture(t)
	tc := &fakeTranscoder{failTrack: f.titles}
	p := NewPipeline(tc, f.assets, WithCache(cache.New()))

	cfg := config(t)
	_, err := p.Run(context.Background(), f.tl, cfg)
	require.Error(t, err)

	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindTranscoder, rerr.Kind)
	assert.Equal(t, StageRenderingVideo, rerr.Stage)
	assert.Equal(t, f.titles, rerr.Track)
	assert.Contains(t, rerr.Error(), "Invalid data found")
	assert.NotErrorIs(t, err, ErrCancelled)

	assert.NoFileExists(t, cfg.Output)
	assert.Zero(t, tc.composes.Load())
	assert.Equal(t, StageFailed, p.Progress().Current().Stage)
	assert.NotEmpty(t, p.Progress().Current().Error)
}

func TestPipeline_ComposeFailureRemovesPartial(t *testing.T) {
	f := newFixture(t)
	tc := &fakeTranscoder{failCompose: true}
	p := NewPipeline(tc, f.assets)

	cfg := config(t)
	_, err := p.Run(context.Background(), f.tl, cfg)

	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindComposition, rerr.Kind)
	assert.NoFileExists(t, partialPath(cfg.Output, p.JobID()))
	assert.NoFileExists(t, cfg.Output)
	for _, path := range tc.intermediates() {
		assert.NoFileExists(t, path, "uncached intermediates removed")
	}
}

func TestPipeline_CancelDuringPreparation(t *testing.T) {
	f := newFixture(t)
	tc := &fakeTranscoder{block: make(chan struct{}), started: make(chan struct{})}
	p := NewPipeline(tc, f.assets)

	cfg := config(t)
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), f.tl, cfg)
		done <- err
	}()

	<-tc.started
	p.Cancel()
	close(tc.block)

	err := <-done
	require.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), tc.renders.Load(), "no transcoder work issued after cancel")
	assert.Zero(t, tc.composes.Load())
	assert.NoFileExists(t, cfg.Output)
	for _, path := range tc.intermediates() {
		assert.NoFileExists(t, path)
	}
	assert.Equal(t, StageCancelled, p.Progress().Current().Stage)
}

func TestPipeline_CancelBeforeRun(t *testing.T) {
	f := newFixture(t)
	tc := &fakeTranscoder{}
	p := NewPipeline(tc, f.assets)
	p.Cancel()

	_, err := p.Run(context.Background(), f.tl, config(t))
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindCancelled, rerr.Kind)
	assert.Equal(t, StagePreparing, rerr.Stage)
	assert.Zero(t, tc.renders.Load())
}

func TestPipeline_RunOnce(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(&fakeTranscoder{}, f.assets)
	_, err := p.Run(context.Background(), f.tl, config(t))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), f.tl, config(t))
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestPipeline_TimelineErrors(t *testing.T) {
	t.Run("nothing to render", func(t *testing.T) {
		tl := timeline.New()
		tl.AddTrack(timeline.TrackVideo)
		_, err := NewPipeline(&fakeTranscoder{}, media.AssetMap{}).Run(context.Background(), tl, config(t))
		assert.ErrorIs(t, err, ErrNothingToRender)
	})

	t.Run("unknown asset", func(t *testing.T) {
		f := newFixture(t)
		delete(f.assets, "score")
		_, err := NewPipeline(&fakeTranscoder{}, f.assets).Run(context.Background(), f.tl, config(t))
		var rerr *RenderError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, KindTimeline, rerr.Kind)
		assert.Equal(t, f.music, rerr.Track)
		assert.ErrorIs(t, err, media.ErrAssetNotFound)
	})

	t.Run("invalid params", func(t *testing.T) {
		f := newFixture(t)
		cfg := config(t)
		cfg.Params.Width = 1281
		_, err := NewPipeline(&fakeTranscoder{}, f.assets).Run(context.Background(), f.tl, cfg)
		var rerr *RenderError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, KindTimeline, rerr.Kind)
	})
}

func TestPipeline_OptimizeComplexRunsInParallel(t *testing.T) {
	tl := timeline.New()
	assets := media.AssetMap{}
	for i := 0; i < 4; i++ {
		id := tl.AddTrack(timeline.TrackVideo)
		asset := fmt.Sprintf("a%d", i)
		assets[asset] = "/media/" + asset
		require.NoError(t, tl.AddClip(id, timeline.NewClip(asset, 0, 0, sec)))
	}

	tc := &fakeTranscoder{block: make(chan struct{}), started: make(chan struct{})}
	cfg := config(t)
	cfg.OptimizeComplex = true
	cfg.MaxConcurrency = 2

	done := make(chan error, 1)
	go func() {
		_, err := NewPipeline(tc, assets).Run(context.Background(), tl, cfg)
		done <- err
	}()
	<-tc.started
	close(tc.block)
	require.NoError(t, <-done)

	assert.LessOrEqual(t, tc.peak.Load(), int32(2))
}

func TestBuildPlan_SamplesAnimatedProperties(t *testing.T) {
	curve, err := animation.NewCurve(
		animation.Keyframe{Time: 0, Value: 0},
		animation.Keyframe{Time: sec, Value: 1},
	)
	require.NoError(t, err)

	tracks := []timeline.Track{
		{ID: "v", Kind: timeline.TrackVideo, Curves: animation.Curves{animation.PropertyOpacity: curve}},
		{ID: "a", Kind: timeline.TrackAudio, Muted: true},
	}
	plan := buildPlan(tracks, map[timeline.TrackID]string{"v": "/v", "a": "/a"}, 2*sec, 500*time.Millisecond)

	require.Len(t, plan.Layers, 2)
	assert.Equal(t, []float64{0, 0.5, 1, 1, 1}, plan.Layers[0].Samples[animation.PropertyOpacity])
	assert.Nil(t, plan.Layers[1].Samples)
	assert.True(t, plan.Layers[1].Muted)
	assert.Equal(t, 1.0, plan.Layers[1].Value(animation.PropertyVolume, 3))
}

func TestConcurrencyLimit(t *testing.T) {
	tests := []struct {
		name string
		w    Workload
		want int
	}{
		{"single core", Workload{Cores: 1, Tracks: 8}, 1},
		{"1080p", Workload{Cores: 8, Tracks: 8, Width: 1920, Height: 1080}, 4},
		{"720p bonus", Workload{Cores: 8, Tracks: 8, Width: 1280, Height: 720}, 5},
		{"4k halves", Workload{Cores: 8, Tracks: 8, Width: 3840, Height: 2160}, 2},
		{"effect heavy", Workload{Cores: 8, Tracks: 8, Width: 1920, Height: 1080, EffectDensity: 12}, 3},
		{"clamped to tracks", Workload{Cores: 32, Tracks: 3}, 3},
		{"clamped to max", Workload{Cores: 32, Tracks: 10, Max: 2}, 2},
		{"never below one", Workload{Cores: 2, Tracks: 4, Width: 3840, Height: 2160, EffectDensity: 20}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConcurrencyLimit(tt.w))
		})
	}
}

func TestPartialPath(t *testing.T) {
	got := partialPath("/out/final.mp4", "0123456789abcdef")
	assert.Equal(t, "/out/.final.01234567.partial.mp4", got)
}
