// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/timeline"
	"github.com/google/uuid"
)

// Config configures the ffmpeg-backed engine.
type Config struct {
	// FFmpegPath and FFprobePath default to the names on PATH.
	FFmpegPath  string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`

	// Timeout bounds a single tool invocation. Zero means no limit.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Transcoder implements media.Transcoder by shelling out to ffmpeg.
type Transcoder struct {
	exec    *Executor
	timeout time.Duration
	logger  *slog.Logger
}

var _ media.Transcoder = (*Transcoder)(nil)

// NewTranscoder creates a transcoder from cfg.
func NewTranscoder(cfg Config, logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	bin := cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Transcoder{
		exec:    NewExecutor(bin, logger),
		timeout: cfg.Timeout,
		logger:  logger.With(slog.String("component", "ffmpeg.Transcoder")),
	}
}

// Available reports whether ffmpeg can be found.
func (t *Transcoder) Available() bool {
	return t.exec.Available()
}

// RenderTrack renders one track to an intermediate file in job.OutputDir.
// Picture tracks become ProRes 4444 .mov files with alpha; audio tracks
// become PCM .wav files.
func (t *Transcoder) RenderTrack(ctx context.Context, job media.TrackJob, params media.Params, progress media.ProgressFunc) (string, error) {
	ext := ".mov"
	if job.Track.Kind == timeline.TrackAudio {
		ext = ".wav"
	}
	if err := os.MkdirAll(job.OutputDir, 0o750); err != nil {
		return "", err
	}
	output := filepath.Join(job.OutputDir, "track-"+uuid.NewString()+ext)

	args, err := trackArgs(job, params, output)
	if err != nil {
		return "", err
	}

	t.logger.Debug("rendering track",
		slog.String("track_id", string(job.Track.ID)),
		slog.String("kind", job.Track.Kind.String()),
		slog.Int("clips", len(job.Track.Clips)),
	)
	if err := t.run(ctx, args, job.Duration, progress); err != nil {
		return output, err
	}
	return output, nil
}

// Compose mixes the plan's layers into output.
func (t *Transcoder) Compose(ctx context.Context, plan media.CompositionPlan, params media.Params, output string, progress media.ProgressFunc) error {
	commandsFile := strings.TrimSuffix(output, filepath.Ext(output)) + ".cmd"
	inv, err := composeArgs(plan, params, output, commandsFile)
	if err != nil {
		return err
	}
	if inv.commands != "" {
		if err := os.WriteFile(commandsFile, []byte(inv.commands), 0o640); err != nil {
			return fmt.Errorf("write filter commands: %w", err)
		}
		defer os.Remove(commandsFile)
	}

	t.logger.Debug("composing",
		slog.Int("layers", len(plan.Layers)),
		slog.Duration("duration", plan.Duration),
		slog.String("output", output),
	)
	return t.run(ctx, inv.args, plan.Duration, progress)
}

func (t *Transcoder) run(ctx context.Context, args []string, total time.Duration, progress media.ProgressFunc) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	err := t.exec.RunWithProgress(ctx, args, func(p Progress) {
		if progress == nil {
			return
		}
		progress(fraction(p, total))
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ffmpeg timed out after %s: %w", t.timeout, err)
	}
	return err
}

// fraction converts an ffmpeg progress block into [0,1] of total.
func fraction(p Progress, total time.Duration) float64 {
	if p.Done {
		return 1
	}
	if total <= 0 {
		return 0
	}
	return min(max(float64(p.OutTime)/float64(total), 0), 1)
}
