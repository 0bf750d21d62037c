// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/project"
	"github.com/AleutianAI/montage/services/editor/render"
	"github.com/spf13/cobra"
)

type renderOptions struct {
	output  string
	preset  string
	noCache bool
	verify  bool
	serial  bool
}

func (a *app) renderCmd() *cobra.Command {
	var opts renderOptions
	cmd := &cobra.Command{
		Use:   "render <project>",
		Short: "Render a project to a media file",
		Example: `  montage render trailer.montage.json -o trailer.mp4
  montage render podcast.montage.json -o episode.m4a --preset audio-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRender(cmd.Context(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "output file (required)")
	f.StringVar(&opts.preset, "preset", "", "output preset; default: the project's saved settings")
	f.BoolVar(&opts.noCache, "no-cache", false, "render every track without the render cache")
	f.BoolVar(&opts.verify, "verify", true, "probe every asset before rendering")
	f.BoolVar(&opts.serial, "serial", false, "prepare tracks one at a time")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func (a *app) runRender(ctx context.Context, path string, opts renderOptions) error {
	proj, err := project.LoadFile(path)
	if err != nil {
		return err
	}
	params, err := a.renderParams(proj, opts.preset)
	if err != nil {
		return err
	}
	tc, err := a.transcoder()
	if err != nil {
		return err
	}
	probe := a.prober()
	if opts.verify {
		if err := proj.VerifyAssets(ctx, probe); err != nil {
			return fmt.Errorf("verify assets: %w", err)
		}
	}

	pipeOpts := []render.Option{
		render.WithLogger(a.logger),
		render.WithProbe(probe),
		render.WithProgressRate(a.cfg.Render.ProgressRate),
	}
	cached := a.cfg.Cache.Enabled && !opts.noCache
	if cached {
		rc, err := a.openCache(ctx)
		if err != nil {
			return err
		}
		pipeOpts = append(pipeOpts, render.WithCache(rc))
	}

	output, err := filepath.Abs(opts.output)
	if err != nil {
		return err
	}
	pipeline := render.NewPipeline(tc, proj.Assets, pipeOpts...)
	cfg := render.Config{
		Params:          params,
		Output:          output,
		WorkDir:         a.workDir(cached),
		OptimizeComplex: a.cfg.Render.OptimizeComplex && !opts.serial,
		MaxConcurrency:  a.cfg.Render.MaxConcurrency,
	}

	run := func(ctx context.Context) (render.Result, error) {
		return pipeline.Run(ctx, proj.Timeline, cfg)
	}
	var res render.Result
	if a.interactive() {
		res, err = runWithView(ctx, pipeline, run, a.stderr)
	} else {
		res, err = runWithLog(ctx, pipeline, run, a.logger)
	}
	if err != nil {
		return err
	}

	a.ui.Successf("Rendered %s", res.Output)
	a.ui.Fields(
		"length", formatDuration(res.Duration),
		"tracks", fmt.Sprintf("%d (%d cached)", res.Tracks, res.CacheHits),
		"took", res.Elapsed.Round(10*time.Millisecond).String(),
	)
	return nil
}

// renderParams picks output settings: an explicit preset, the project's
// saved params, the project's preset, then the configured default.
func (a *app) renderParams(proj *project.Project, preset string) (media.Params, error) {
	if preset == "" && proj.Output != nil {
		return *proj.Output, nil
	}
	if preset == "" {
		preset = proj.Preset
	}
	return a.cfg.RenderParams(preset)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms)
	}
	return fmt.Sprintf("%02d:%02d.%03d", m, s, ms)
}
