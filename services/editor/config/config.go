// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads montage settings from a YAML file with MONTAGE_*
// environment overrides, and resolves render presets.
//
// Thread Safety:
//
//	Config values are plain data. Preset loading is safe for concurrent use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/media/ffmpeg"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: MONTAGE_CACHE_MAX_SIZE sets
// cache.max_size.
const EnvPrefix = "MONTAGE"

// Config holds all montage settings.
type Config struct {
	Render    RenderConfig    `mapstructure:"render"`
	Cache     CacheConfig     `mapstructure:"cache"`
	FFmpeg    ffmpeg.Config   `mapstructure:"ffmpeg"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// RenderConfig holds render defaults.
type RenderConfig struct {
	Preset          string  `mapstructure:"preset"`
	PresetsFile     string  `mapstructure:"presets_file"`
	WorkDir         string  `mapstructure:"work_dir"`
	OptimizeComplex bool    `mapstructure:"optimize_complex"`
	MaxConcurrency  int     `mapstructure:"max_concurrency"`
	ProgressRate    float64 `mapstructure:"progress_rate"`
}

// CacheConfig holds render cache settings.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	MaxSize int64  `mapstructure:"max_size"` // bytes, 0 = unbounded
	Index   string `mapstructure:"index"`    // "badger" or "bolt"
	Watch   bool   `mapstructure:"watch"`    // invalidate on asset file changes
}

// ServerConfig holds the HTTP service settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxJobs         int           `mapstructure:"max_jobs"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	Dir   string `mapstructure:"dir"`
}

// TelemetryConfig selects the OpenTelemetry exporters.
type TelemetryConfig struct {
	Traces      string `mapstructure:"traces"`  // none, stdout, otlp
	Metrics     string `mapstructure:"metrics"` // none, stdout, prometheus
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Render: RenderConfig{
			Preset:          "1080p",
			OptimizeComplex: true,
			ProgressRate:    10,
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     defaultCacheDir(),
			MaxSize: 20 << 30,
			Index:   "badger",
		},
		FFmpeg: ffmpeg.Config{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8088",
			ShutdownTimeout: 10 * time.Second,
			MaxJobs:         2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Traces:      "none",
			Metrics:     "prometheus",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "montage",
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "montage")
	}
	return filepath.Join(os.TempDir(), "montage-cache")
}

// DefaultConfigDir is where Load looks for config.yaml when no path is
// given.
func DefaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "montage")
	}
	return "."
}

// Load reads configuration. With an empty path, config.yaml is searched
// in DefaultConfigDir and the working directory and may be absent. A
// given path must exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("render.preset", d.Render.Preset)
	v.SetDefault("render.presets_file", d.Render.PresetsFile)
	v.SetDefault("render.work_dir", d.Render.WorkDir)
	v.SetDefault("render.optimize_complex", d.Render.OptimizeComplex)
	v.SetDefault("render.max_concurrency", d.Render.MaxConcurrency)
	v.SetDefault("render.progress_rate", d.Render.ProgressRate)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("cache.index", d.Cache.Index)
	v.SetDefault("cache.watch", d.Cache.Watch)

	v.SetDefault("ffmpeg.ffmpeg_path", d.FFmpeg.FFmpegPath)
	v.SetDefault("ffmpeg.ffprobe_path", d.FFmpeg.FFprobePath)
	v.SetDefault("ffmpeg.timeout", d.FFmpeg.Timeout)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.max_jobs", d.Server.MaxJobs)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.json", d.Logging.JSON)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("telemetry.traces", d.Telemetry.Traces)
	v.SetDefault("telemetry.metrics", d.Telemetry.Metrics)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.Index {
	case "badger", "bolt":
	default:
		errs = append(errs, fmt.Errorf("cache.index: %q is not badger or bolt", c.Cache.Index))
	}
	if c.Cache.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("cache.max_size: must not be negative"))
	}
	if c.Render.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("render.max_concurrency: must not be negative"))
	}
	switch c.Telemetry.Traces {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("telemetry.traces: unknown exporter %q", c.Telemetry.Traces))
	}
	switch c.Telemetry.Metrics {
	case "", "none", "stdout", "prometheus":
	default:
		errs = append(errs, fmt.Errorf("telemetry.metrics: unknown exporter %q", c.Telemetry.Metrics))
	}
	if c.Server.MaxJobs < 1 {
		errs = append(errs, fmt.Errorf("server.max_jobs: must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RenderParams resolves a preset name, falling back to Render.Preset
// when name is empty.
func (c *Config) RenderParams(name string) (media.Params, error) {
	if name == "" {
		name = c.Render.Preset
	}
	presets, err := LoadPresets(c.Render.PresetsFile)
	if err != nil {
		return media.Params{}, err
	}
	p, ok := presets[name]
	if !ok {
		return media.Params{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownPreset, name,
			strings.Join(PresetNames(presets), ", "))
	}
	return p, nil
}
