// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package render turns a timeline snapshot into an output file.
//
// A Pipeline prepares one intermediate per renderable track (reusing the
// render cache where it can), composes them with a single Transcoder call
// and moves the result into place. Progress is published through a
// Tracker; cancellation is cooperative.
package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/AleutianAI/montage/services/editor/cache"
	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/timeline"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// TrackCache is the part of the render cache the pipeline uses.
// *cache.RenderCache implements it.
type TrackCache interface {
	GetOrRender(ctx context.Context, key cache.Key, meta cache.Metadata, render cache.RenderFunc) (string, error)
}

// Config describes one render.
type Config struct {
	Params media.Params

	// Output is the final file path. It is only written by an atomic
	// rename once composition succeeds.
	Output string

	// WorkDir holds per-track intermediates. Default: a .montage-work
	// directory next to Output.
	WorkDir string

	// OptimizeComplex prepares tracks in parallel, bounded by
	// ConcurrencyLimit. When false tracks are prepared one at a time.
	OptimizeComplex bool

	// MaxConcurrency caps parallel preparation when positive.
	MaxConcurrency int

	// SampleInterval is the spacing of keyframe samples in the
	// composition plan. Default: one output frame.
	SampleInterval time.Duration
}

// Result summarizes a finished render.
type Result struct {
	JobID     string        `json:"job_id"`
	Output    string        `json:"output"`
	Duration  time.Duration `json:"duration"`
	Tracks    int           `json:"tracks"`
	CacheHits int           `json:"cache_hits"`
	Rendered  int           `json:"rendered"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache reuses and stores per-track intermediates in c. Without a
// cache every intermediate is rendered and deleted after the run.
func WithCache(c TrackCache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithProbe feeds probed source durations into cache keys so a replaced
// asset file does not hit a stale entry.
func WithProbe(probe media.AssetProbe) Option {
	return func(p *Pipeline) { p.probe = probe }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithJobID sets the job ID. Default: a random UUID.
func WithJobID(id string) Option {
	return func(p *Pipeline) { p.jobID = id }
}

// WithProgressRate caps intra-stage subscriber notifications per second.
func WithProgressRate(perSecond float64) Option {
	return func(p *Pipeline) { p.progressRate = perSecond }
}

// Pipeline runs a single render.
//
// # Thread Safety
//
// Run may be called once. Cancel, Progress and JobID are safe to call from
// any goroutine at any time.
type Pipeline struct {
	jobID        string
	transcoder   media.Transcoder
	assets       media.AssetResolver
	cache        TrackCache
	probe        media.AssetProbe
	logger       *slog.Logger
	progressRate float64
	tracker      *Tracker

	mu        sync.Mutex
	started   bool
	cancelled bool
	cancel    context.CancelFunc

	scratchMu sync.Mutex
	scratch   []string
}

// NewPipeline creates a pipeline that renders through transcoder and
// resolves clip assets with assets.
func NewPipeline(transcoder media.Transcoder, assets media.AssetResolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		transcoder:   transcoder,
		assets:       assets,
		progressRate: 10,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.jobID == "" {
		p.jobID = uuid.NewString()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With(
		slog.String("component", "render.Pipeline"),
		slog.String("job_id", p.jobID),
	)
	p.tracker = NewTracker(p.jobID, p.progressRate)
	return p
}

// JobID returns the render's identifier.
func (p *Pipeline) JobID() string {
	return p.jobID
}

// Progress returns the tracker observers read from.
func (p *Pipeline) Progress() *Tracker {
	return p.tracker
}

// Cancel requests cancellation. It takes effect at the next checkpoint;
// an in-flight transcoder call runs to completion first. Cancelling
// before Run makes Run return a cancelled error immediately.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	if p.cancel != nil {
		p.cancel()
	}
}

// Run renders tl according to cfg.
//
// # Description
//
// tl is cloned first, so the caller may keep editing while the render
// runs. On failure or cancellation the partial output and any
// intermediates not committed to the cache are removed before Run
// returns.
//
// # Outputs
//
//   - Result: Summary; populated as far as the render got.
//   - error: A *RenderError, or ErrAlreadyStarted. Cancelled renders match
//     errors.Is(err, ErrCancelled).
func (p *Pipeline) Run(ctx context.Context, tl *timeline.Timeline, cfg Config) (Result, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return Result{}, ErrAlreadyStarted
	}
	p.started = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	if p.cancelled {
		cancel()
	}
	p.mu.Unlock()
	defer cancel()

	activeRenders.Inc()
	defer activeRenders.Dec()

	start := time.Now()
	res := Result{JobID: p.jobID, Output: cfg.Output}
	p.logger.Info("render started", slog.String("output", cfg.Output))

	var partial string
	err := p.run(ctx, tl.Clone(), cfg, &res, &partial)
	p.removeScratch()
	res.Elapsed = time.Since(start)

	if err != nil {
		if partial != "" {
			removeQuietly(partial)
		}
		stage := StageFailed
		if errors.Is(err, ErrCancelled) {
			stage = StageCancelled
			p.logger.Info("render cancelled", slog.Duration("elapsed", res.Elapsed))
		} else {
			p.logger.Error("render failed",
				slog.String("error", err.Error()),
				slog.Duration("elapsed", res.Elapsed),
			)
		}
		p.tracker.finish(stage, err)
		recordRun(stage)
		return res, err
	}

	p.tracker.finish(StageComplete, nil)
	recordRun(StageComplete)
	p.logger.Info("render complete",
		slog.Int("tracks", res.Tracks),
		slog.Int("cache_hits", res.CacheHits),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// trackJob is a media.TrackJob with its cache identity.
type trackJob struct {
	req  media.TrackJob
	key  cache.Key
	meta cache.Metadata
}

func (p *Pipeline) run(ctx context.Context, snap *timeline.Timeline, cfg Config, res *Result, partial *string) error {
	var (
		tracks   []timeline.Track
		jobs     []trackJob
		limit    = 1
		duration time.Duration
	)

	err := p.stage(ctx, StagePreparing, "validating timeline", func(ctx context.Context) error {
		if err := cfg.Params.Validate(); err != nil {
			return &RenderError{Kind: KindTimeline, Stage: StagePreparing, Err: err}
		}
		if cfg.Output == "" {
			return &RenderError{Kind: KindIO, Stage: StagePreparing, Err: errors.New("output path is required")}
		}
		audioOnly := cfg.Params.AudioOnly()
		for _, tr := range snap.Tracks() {
			if !tr.Renderable() || (audioOnly && tr.Kind != timeline.TrackAudio) {
				continue
			}
			tracks = append(tracks, tr)
		}
		if len(tracks) == 0 {
			return &RenderError{Kind: KindTimeline, Stage: StagePreparing, Err: ErrNothingToRender}
		}
		duration = snap.Duration()

		workDir := cfg.WorkDir
		if workDir == "" {
			workDir = filepath.Join(filepath.Dir(cfg.Output), ".montage-work")
		}
		if err := os.MkdirAll(workDir, 0o750); err != nil {
			return &RenderError{Kind: KindIO, Stage: StagePreparing, Err: err}
		}

		var err error
		if jobs, err = p.buildJobs(ctx, tracks, duration, cfg.Params, workDir); err != nil {
			return err
		}
		if cfg.OptimizeComplex {
			limit = ConcurrencyLimit(workloadFor(tracks, cfg.Params, cfg.MaxConcurrency))
		}
		p.tracker.setTracks(len(jobs))
		return nil
	})
	if err != nil {
		return err
	}
	res.Duration = duration
	res.Tracks = len(jobs)

	var videoJobs, audioJobs []trackJob
	for _, j := range jobs {
		if j.req.Track.Kind == timeline.TrackAudio {
			audioJobs = append(audioJobs, j)
		} else {
			videoJobs = append(videoJobs, j)
		}
	}

	prepared := newPreparedSet()
	p.logger.Debug("preparing tracks", slog.Int("tracks", len(jobs)), slog.Int("concurrency", limit))

	err = p.stage(ctx, StageRenderingVideo, "rendering video tracks", func(ctx context.Context) error {
		return p.prepare(ctx, StageRenderingVideo, videoJobs, cfg.Params, limit, prepared)
	})
	if err == nil {
		err = p.stage(ctx, StageProcessingAudio, "processing audio tracks", func(ctx context.Context) error {
			return p.prepare(ctx, StageProcessingAudio, audioJobs, cfg.Params, limit, prepared)
		})
	}
	res.CacheHits, res.Rendered = prepared.counts()
	if err != nil {
		return err
	}

	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = cfg.Params.FrameInterval()
	}
	plan := buildPlan(tracks, prepared.paths, duration, interval)

	err = p.stage(ctx, StageMuxing, "composing output", func(ctx context.Context) error {
		outDir := filepath.Dir(cfg.Output)
		if err := os.MkdirAll(outDir, 0o750); err != nil {
			return &RenderError{Kind: KindIO, Stage: StageMuxing, Err: err}
		}
		*partial = partialPath(cfg.Output, p.jobID)

		progress := p.progressFn(ctx, newStageProgress(1), "")
		if err := p.transcoder.Compose(context.WithoutCancel(ctx), plan, cfg.Params, *partial, progress); err != nil {
			return p.classify(ctx, StageMuxing, KindComposition, "", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.stage(ctx, StageFinalizing, "moving output into place", func(ctx context.Context) error {
		if err := os.Rename(*partial, cfg.Output); err != nil {
			return &RenderError{Kind: KindIO, Stage: StageFinalizing, Err: err}
		}
		*partial = ""
		return nil
	})
}

// stage runs fn as stage s after a cancellation checkpoint.
func (p *Pipeline) stage(ctx context.Context, s Stage, message string, fn func(ctx context.Context) error) error {
	if err := checkpoint(ctx, s); err != nil {
		return err
	}
	p.tracker.SetStage(s, message)

	sctx, span := startStageSpan(ctx, p.jobID, s)
	defer span.End()

	start := time.Now()
	err := fn(sctx)
	recordStage(s, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// checkpoint returns a cancelled RenderError once ctx is done.
func checkpoint(ctx context.Context, s Stage) error {
	if err := ctx.Err(); err != nil {
		return &RenderError{Kind: KindCancelled, Stage: s, Err: err}
	}
	return nil
}

// classify wraps err, preferring cancellation when ctx is done.
func (p *Pipeline) classify(ctx context.Context, s Stage, kind ErrorKind, track timeline.TrackID, err error) error {
	if ctx.Err() != nil {
		return &RenderError{Kind: KindCancelled, Stage: s, Track: track, Err: ctx.Err()}
	}
	return &RenderError{Kind: kind, Stage: s, Track: track, Diagnostic: diagnosticOf(err), Err: err}
}

func (p *Pipeline) buildJobs(ctx context.Context, tracks []timeline.Track, duration time.Duration, params media.Params, workDir string) ([]trackJob, error) {
	paramsHash, err := cache.ParamsHash(params)
	if err != nil {
		return nil, &RenderError{Kind: KindTimeline, Stage: StagePreparing, Err: err}
	}

	jobs := make([]trackJob, 0, len(tracks))
	for _, tr := range tracks {
		sources := make(map[string]string)
		var assetIDs []string
		for _, c := range tr.Clips {
			if _, ok := sources[c.AssetID]; ok {
				continue
			}
			path, err := p.assets.Resolve(c.AssetID)
			if err != nil {
				return nil, &RenderError{Kind: KindTimeline, Stage: StagePreparing, Track: tr.ID, Err: err}
			}
			sources[c.AssetID] = path
			assetIDs = append(assetIDs, c.AssetID)
		}

		var sourceDurations map[string]time.Duration
		if p.probe != nil {
			sourceDurations = make(map[string]time.Duration, len(sources))
			for id, path := range sources {
				if err := checkpoint(ctx, StagePreparing); err != nil {
					return nil, err
				}
				info, err := p.probe.Probe(ctx, path)
				if err != nil {
					return nil, p.classify(ctx, StagePreparing, KindIO, tr.ID, fmt.Errorf("probe %s: %w", id, err))
				}
				sourceDurations[id] = info.Duration
			}
		}

		key, err := cache.KeyFor(assetIDs[0], trackKey{
			Kind:            tr.Kind,
			Duration:        duration,
			Clips:           clipKeys(tr.Clips),
			Params:          keyParams(tr.Kind, params),
			Sources:         sourceKeys(sources),
			SourceDurations: sourceDurations,
		})
		if err != nil {
			return nil, &RenderError{Kind: KindTimeline, Stage: StagePreparing, Track: tr.ID, Err: err}
		}

		jobs = append(jobs, trackJob{
			req:  media.TrackJob{Track: tr, Sources: sources, Duration: duration, OutputDir: workDir},
			key:  key,
			meta: cache.Metadata{
				SourceAssetID: assetIDs[0],
				AssetIDs:      assetIDs,
				Duration:      duration,
				ParamsHash:    paramsHash,
			},
		})
	}
	return jobs, nil
}

// trackKey is what a per-track intermediate depends on. Track and clip IDs
// are left out so identical compositions share one entry.
type trackKey struct {
	Kind            timeline.TrackKind       `json:"kind"`
	Duration        time.Duration            `json:"duration"`
	Clips           []clipKey                `json:"clips"`
	Params          media.Params             `json:"params"`
	Sources         map[string]sourceKey     `json:"sources"`
	SourceDurations map[string]time.Duration `json:"source_durations,omitempty"`
}

// sourceKey identifies the file an asset ID resolved to. Size and ModTime
// are zero when the file cannot be stat'ed; the path still separates
// projects that reuse an asset ID for different media.
type sourceKey struct {
	Path    string `json:"path"`
	Size    int64  `json:"size,omitempty"`
	ModTime int64  `json:"mod_time,omitempty"`
}

func sourceKeys(sources map[string]string) map[string]sourceKey {
	out := make(map[string]sourceKey, len(sources))
	for id, path := range sources {
		k := sourceKey{Path: path}
		if fi, err := os.Stat(path); err == nil {
			k.Size, k.ModTime = fi.Size(), fi.ModTime().UnixNano()
		}
		out[id] = k
	}
	return out
}

type clipKey struct {
	AssetID     string        `json:"asset_id"`
	Position    time.Duration `json:"position"`
	Duration    time.Duration `json:"duration"`
	SourceStart time.Duration `json:"source_start"`
	SourceEnd   time.Duration `json:"source_end"`
}

func clipKeys(clips []timeline.Clip) []clipKey {
	out := make([]clipKey, len(clips))
	for i, c := range clips {
		out[i] = clipKey{c.AssetID, c.Position, c.Duration, c.SourceStart, c.SourceEnd}
	}
	return out
}

// keyParams drops settings that cannot affect an audio intermediate.
func keyParams(kind timeline.TrackKind, p media.Params) media.Params {
	if kind != timeline.TrackAudio {
		return p
	}
	p.Width, p.Height, p.FrameRate = 0, 0, 0
	p.VideoCodec, p.VideoBitrate = "", ""
	return p
}

// prepare renders or reuses the intermediates of jobs with at most limit
// in flight.
func (p *Pipeline) prepare(ctx context.Context, s Stage, jobs []trackJob, params media.Params, limit int, out *preparedSet) error {
	if len(jobs) == 0 {
		return nil
	}
	progress := newStageProgress(len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var done atomic.Int32
	for _, job := range jobs {
		if err := checkpoint(ctx, s); err != nil {
			_ = g.Wait()
			return err
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return p.classify(ctx, s, KindTranscoder, job.req.Track.ID, err)
			}
			id := job.req.Track.ID
			path, cached, err := p.prepareTrack(gctx, job, params, p.progressFn(ctx, progress, id))
			if err != nil {
				recordTrack("error")
				return p.classify(ctx, s, KindTranscoder, id, err)
			}
			out.set(id, path, cached)
			progress.complete(id)
			p.tracker.trackDone(id, cached, int(done.Add(1)), len(jobs))
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) prepareTrack(ctx context.Context, job trackJob, params media.Params, progress media.ProgressFunc) (string, bool, error) {
	if p.cache == nil {
		path, err := p.transcoder.RenderTrack(context.WithoutCancel(ctx), job.req, params, progress)
		if path != "" {
			p.addScratch(path)
		}
		if err != nil {
			return "", false, err
		}
		recordTrack("rendered")
		return path, false, nil
	}

	var rendered atomic.Bool
	path, err := p.cache.GetOrRender(ctx, job.key, job.meta, func(rctx context.Context) (string, error) {
		rendered.Store(true)
		return p.transcoder.RenderTrack(rctx, job.req, params, progress)
	})
	if err != nil {
		return "", false, err
	}
	cached := !rendered.Load()
	if cached {
		recordTrack("cache_hit")
		p.logger.Debug("track reused from cache",
			slog.String("track", string(job.req.Track.ID)),
			slog.String("key", job.key.Short()),
		)
	} else {
		recordTrack("rendered")
	}
	return path, cached, nil
}

// progressFn forwards transcoder progress for track until ctx is done.
func (p *Pipeline) progressFn(ctx context.Context, sp *stageProgress, track timeline.TrackID) media.ProgressFunc {
	return func(fraction float64) {
		if ctx.Err() != nil {
			return
		}
		p.tracker.Report(sp.update(track, fraction), track, "")
	}
}

func (p *Pipeline) addScratch(path string) {
	p.scratchMu.Lock()
	p.scratch = append(p.scratch, path)
	p.scratchMu.Unlock()
}

// removeScratch deletes intermediates rendered without a cache.
func (p *Pipeline) removeScratch() {
	p.scratchMu.Lock()
	paths := p.scratch
	p.scratch = nil
	p.scratchMu.Unlock()

	for _, path := range paths {
		removeQuietly(path)
	}
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove render file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// partialPath names the temporary output next to output, keeping its
// extension so the transcoder can infer the container.
func partialPath(output, jobID string) string {
	dir, base := filepath.Split(output)
	ext := filepath.Ext(base)
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.partial%s", strings.TrimSuffix(base, ext), short, ext))
}

// buildPlan lays out the prepared tracks bottom first and samples their
// animated properties every interval.
func buildPlan(tracks []timeline.Track, paths map[timeline.TrackID]string, duration, interval time.Duration) media.CompositionPlan {
	plan := media.CompositionPlan{Duration: duration, SampleInterval: interval}
	n := 1
	if interval > 0 {
		n = int(duration/interval) + 1
	}

	for _, tr := range tracks {
		layer := media.Layer{
			TrackID: tr.ID,
			Kind:    tr.Kind,
			Path:    paths[tr.ID],
			Blend:   tr.Blend,
			Muted:   tr.Muted,
			Hidden:  tr.Hidden,
			Locked:  tr.Locked,
		}
		if tr.Curves.Animated() {
			layer.Samples = make(map[animation.Property][]float64)
			for _, prop := range animation.Properties {
				if len(tr.Curves[prop]) == 0 {
					continue
				}
				vals := make([]float64, n)
				for i := range vals {
					vals[i] = tr.Curves.Sample(prop, time.Duration(i)*interval)
				}
				layer.Samples[prop] = vals
			}
		}
		plan.Layers = append(plan.Layers, layer)
	}
	return plan
}

// preparedSet collects intermediate paths from concurrent preparation.
type preparedSet struct {
	mu       sync.Mutex
	paths    map[timeline.TrackID]string
	hits     int
	rendered int
}

func newPreparedSet() *preparedSet {
	return &preparedSet{paths: make(map[timeline.TrackID]string)}
}

func (s *preparedSet) set(id timeline.TrackID, path string, cached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[id] = path
	if cached {
		s.hits++
	} else {
		s.rendered++
	}
}

func (s *preparedSet) counts() (hits, rendered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.rendered
}

// stageProgress averages per-track fractions into one stage fraction.
type stageProgress struct {
	mu        sync.Mutex
	total     int
	fractions map[timeline.TrackID]float64
}

func newStageProgress(total int) *stageProgress {
	return &stageProgress{total: max(total, 1), fractions: make(map[timeline.TrackID]float64)}
}

func (sp *stageProgress) update(track timeline.TrackID, fraction float64) float64 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.fractions[track] = clamp01(fraction)
	var sum float64
	for _, f := range sp.fractions {
		sum += f
	}
	return sum / float64(sp.total)
}

func (sp *stageProgress) complete(track timeline.TrackID) {
	sp.update(track, 1)
}
