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
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/montage/pkg/logging"
	"github.com/AleutianAI/montage/pkg/ux"
	"github.com/AleutianAI/montage/services/editor/cache"
	"github.com/AleutianAI/montage/services/editor/config"
	"github.com/AleutianAI/montage/services/editor/media/ffmpeg"
	"github.com/AleutianAI/montage/services/editor/telemetry"
	"github.com/spf13/cobra"
)

// app carries state shared by every command. It is filled in by setup,
// which runs before any subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer
	ui     *ux.Printer

	configPath string
	logLevel   string

	cfg      *config.Config
	log      *logging.Logger
	logger   *slog.Logger
	shutdown telemetry.ShutdownFunc
	closers  []io.Closer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, ui: ux.NewPrinter(stdout, ux.DetectMode(stdout))}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "montage",
		Short: "A non-linear video editing engine",
		Long: `montage edits multi-track timelines, renders them through ffmpeg with a
persistent per-track render cache, and serves render jobs over HTTP.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"config file (default: config.yaml in "+config.DefaultConfigDir()+" or the working directory)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		a.renderCmd(),
		a.projectCmd(),
		a.cacheCmd(),
		a.presetsCmd(),
		a.serveCmd(),
	)
	return root
}

// setup loads configuration and installs logging and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	levelName := cfg.Logging.Level
	if a.logLevel != "" {
		levelName = a.logLevel
	} else if cmd.Name() == "render" && a.interactive() {
		// Info lines would tear the progress view.
		levelName = "warn"
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	a.log, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "montage",
		JSON:    cfg.Logging.JSON,
		Output:  a.stderr,
	})
	if err != nil {
		return err
	}
	a.logger = a.log.Slog()
	slog.SetDefault(a.logger)

	metrics := cfg.Telemetry.Metrics
	if metrics == "prometheus" && cmd.Name() != "serve" {
		metrics = "none"
	}
	a.shutdown, err = telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.Traces,
		MetricExporter: metrics,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		OTLPInsecure:   cfg.Telemetry.Insecure,
		Writer:         a.stderr,
	})
	return err
}

// close releases everything setup and the commands opened, newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
	if a.shutdown != nil {
		if err := a.shutdown(context.Background()); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
		a.shutdown = nil
	}
	if a.log != nil {
		_ = a.log.Close()
		a.log = nil
	}
}

// interactive reports whether stderr is a terminal.
func (a *app) interactive() bool {
	return ux.IsTerminal(a.stderr) && a.ui.Mode() != ux.ModeMachine
}

func (a *app) transcoder() (*ffmpeg.Transcoder, error) {
	t := ffmpeg.NewTranscoder(a.cfg.FFmpeg, a.logger)
	if !t.Available() {
		return nil, fmt.Errorf("%w: %s", ffmpeg.ErrNotInstalled, a.cfg.FFmpeg.FFmpegPath)
	}
	return t, nil
}

func (a *app) prober() *ffmpeg.Prober {
	return ffmpeg.NewProber(a.cfg.FFmpeg.FFprobePath, a.logger)
}

// openCache opens the persistent render cache configured in cache.*. The
// cache is closed by app.close.
func (a *app) openCache(ctx context.Context) (*cache.RenderCache, error) {
	cc := a.cfg.Cache
	if err := os.MkdirAll(cc.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	var (
		idx cache.Index
		err error
	)
	switch cc.Index {
	case "bolt":
		idx, err = cache.OpenBoltIndex(filepath.Join(cc.Dir, "index.db"))
	default:
		idx, err = cache.OpenBadgerIndex(filepath.Join(cc.Dir, "index"))
	}
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	rc, err := cache.Open(ctx,
		cache.WithMaxSize(cc.MaxSize),
		cache.WithIndex(idx),
		cache.WithLogger(a.logger),
	)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	a.closers = append(a.closers, rc)
	return rc, nil
}

// workDir is where track intermediates are written. With the cache on
// they live under the cache directory so entries outlive the render.
func (a *app) workDir(cached bool) string {
	if a.cfg.Render.WorkDir != "" {
		return a.cfg.Render.WorkDir
	}
	if cached {
		return filepath.Join(a.cfg.Cache.Dir, "tracks")
	}
	return ""
}
