// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/project"
	"github.com/AleutianAI/montage/services/editor/render"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("render job not found")

	// ErrShuttingDown is returned by Start after Shutdown began.
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// StartRequest asks for a render of a saved project.
type StartRequest struct {
	Project string `json:"project" binding:"required"`
	Output  string `json:"output" binding:"required"`

	// Preset overrides the project's saved output settings.
	Preset string `json:"preset,omitempty"`
}

// ParamsResolver turns a preset name into output params. An empty name
// selects the default preset.
type ParamsResolver func(preset string) (media.Params, error)

// AssetWatcher is told about every asset of a started project.
// *cache.AssetWatcher implements it.
type AssetWatcher interface {
	Watch(assetID, path string) error
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Transcoder media.Transcoder
	Probe      media.AssetProbe
	Cache      render.TrackCache
	Resolve    ParamsResolver
	Watcher    AssetWatcher

	// MaxJobs bounds concurrently running renders; queued jobs wait in
	// StagePending.
	MaxJobs int

	WorkDir         string
	OptimizeComplex bool
	MaxConcurrency  int
	ProgressRate    float64

	Logger *slog.Logger
}

// Job is one render started through the Manager.
type Job struct {
	ID        string
	Request   StartRequest
	CreatedAt time.Time

	pipeline *render.Pipeline
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	result   render.Result
	err      error
	finished time.Time
}

// JobStatus is the JSON view of a job.
type JobStatus struct {
	ID         string          `json:"id"`
	Project    string          `json:"project"`
	Output     string          `json:"output"`
	Preset     string          `json:"preset,omitempty"`
	Progress   render.Progress `json:"progress"`
	Result     *render.Result  `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Progress returns the job's tracker.
func (j *Job) Progress() *render.Tracker {
	return j.pipeline.Progress()
}

// Done is closed when the job reaches a terminal stage.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status snapshots the job.
func (j *Job) Status() JobStatus {
	s := JobStatus{
		ID:        j.ID,
		Project:   j.Request.Project,
		Output:    j.Request.Output,
		Preset:    j.Request.Preset,
		Progress:  j.pipeline.Progress().Current(),
		CreatedAt: j.CreatedAt,
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.finished.IsZero() {
		f := j.finished
		s.FinishedAt = &f
		if j.err != nil {
			s.Error = j.err.Error()
		} else {
			r := j.result
			s.Result = &r
		}
	}
	return s
}

// Manager runs render jobs in the background and keeps them queryable.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	slots  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transcoder == nil {
		return nil, errors.New("transcoder is required")
	}
	if cfg.Resolve == nil {
		return nil, errors.New("params resolver is required")
	}
	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "api.Manager")),
		slots:  semaphore.NewWeighted(int64(cfg.MaxJobs)),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}, nil
}

// Start loads the project and queues its render.
//
// # Outputs
//
//   - *Job: The queued job.
//   - error: project load errors, preset resolution errors, or
//     ErrShuttingDown. Nothing is queued on error.
func (m *Manager) Start(req StartRequest) (*Job, error) {
	if m.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}

	proj, err := project.LoadFile(req.Project)
	if err != nil {
		return nil, err
	}
	params, err := m.params(proj, req.Preset)
	if err != nil {
		return nil, err
	}

	if m.cfg.Watcher != nil {
		for assetID, path := range proj.Assets {
			if err := m.cfg.Watcher.Watch(assetID, path); err != nil {
				m.logger.Warn("cannot watch asset",
					slog.String("asset_id", assetID),
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	id := uuid.NewString()
	opts := []render.Option{
		render.WithJobID(id),
		render.WithLogger(m.logger),
	}
	if m.cfg.Cache != nil {
		opts = append(opts, render.WithCache(m.cfg.Cache))
	}
	if m.cfg.Probe != nil {
		opts = append(opts, render.WithProbe(m.cfg.Probe))
	}
	if m.cfg.ProgressRate > 0 {
		opts = append(opts, render.WithProgressRate(m.cfg.ProgressRate))
	}

	jctx, jcancel := context.WithCancel(m.ctx)
	job := &Job{
		ID:        id,
		Request:   req,
		CreatedAt: time.Now().UTC(),
		pipeline:  render.NewPipeline(m.cfg.Transcoder, proj.Assets, opts...),
		ctx:       jctx,
		cancel:    jcancel,
		done:      make(chan struct{}),
	}
	rcfg := render.Config{
		Params:          params,
		Output:          req.Output,
		WorkDir:         m.cfg.WorkDir,
		OptimizeComplex: m.cfg.OptimizeComplex,
		MaxConcurrency:  m.cfg.MaxConcurrency,
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		jcancel()
		return nil, ErrShuttingDown
	}
	m.jobs[id] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(job, proj, rcfg)

	m.logger.Info("render queued",
		slog.String("job_id", id),
		slog.String("project", req.Project),
		slog.String("output", req.Output),
	)
	return job, nil
}

func (m *Manager) params(proj *project.Project, preset string) (media.Params, error) {
	if preset == "" && proj.Output != nil {
		return *proj.Output, nil
	}
	if preset == "" {
		preset = proj.Preset
	}
	return m.cfg.Resolve(preset)
}

func (m *Manager) run(job *Job, proj *project.Project, cfg render.Config) {
	defer m.wg.Done()
	defer close(job.done)
	defer job.cancel()

	// A job cancelled while queued still runs: Run sees the cancelled
	// context at its first checkpoint and finishes the tracker.
	acquireErr := m.slots.Acquire(job.ctx, 1)
	res, err := job.pipeline.Run(job.ctx, proj.Timeline, cfg)
	if acquireErr == nil {
		m.slots.Release(1)
	}

	job.mu.Lock()
	job.result, job.err = res, err
	job.finished = time.Now().UTC()
	job.mu.Unlock()
}

// Get returns a job by ID.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// List returns every job, newest first.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Cancel requests cancellation of a job. Cancelling a finished job is a
// no-op.
func (m *Manager) Cancel(id string) error {
	j, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.cancel()
	j.pipeline.Cancel()
	m.logger.Info("render cancel requested", slog.String("job_id", id))
	return nil
}

// Shutdown cancels every job and waits for them to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
