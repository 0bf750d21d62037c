// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package media defines the boundary to the external media engine: the
// Transcoder that produces files and the AssetProbe that inspects them.
//
// The editor never reads or writes media bytes itself. Everything here is
// plain data plus two interfaces so the engine can be swapped for a fake
// in tests.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/AleutianAI/montage/services/editor/timeline"
	"github.com/go-playground/validator/v10"
)

// ErrAssetNotFound is returned by an AssetResolver for unknown asset IDs.
var ErrAssetNotFound = errors.New("asset not found")

// Params are the effective output settings of a render.
type Params struct {
	Width        int     `json:"width" yaml:"width" validate:"gte=0,lte=16384"`
	Height       int     `json:"height" yaml:"height" validate:"gte=0,lte=16384"`
	FrameRate    float64 `json:"frame_rate" yaml:"frame_rate" validate:"gt=0,lte=240"`
	VideoCodec   string  `json:"video_codec" yaml:"video_codec"`
	AudioCodec   string  `json:"audio_codec" yaml:"audio_codec" validate:"required"`
	VideoBitrate string  `json:"video_bitrate,omitempty" yaml:"video_bitrate"`
	AudioBitrate string  `json:"audio_bitrate,omitempty" yaml:"audio_bitrate"`
	SampleRate   int     `json:"sample_rate" yaml:"sample_rate" validate:"gt=0"`
	Container    string  `json:"container" yaml:"container" validate:"required,alphanum"`
}

// AudioOnly reports whether the output carries no video stream.
func (p Params) AudioOnly() bool {
	return p.Width == 0 || p.Height == 0 || p.VideoCodec == ""
}

// FrameInterval returns the duration of one output frame.
func (p Params) FrameInterval() time.Duration {
	if p.FrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / p.FrameRate)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid render params: %w", err)
	}
	if (p.Width == 0) != (p.Height == 0) {
		return fmt.Errorf("invalid render params: width and height must both be set or both be zero")
	}
	if !p.AudioOnly() && (p.Width%2 != 0 || p.Height%2 != 0) {
		return fmt.Errorf("invalid render params: %dx%d is not divisible by 2", p.Width, p.Height)
	}
	return nil
}

// ProgressFunc receives the fraction [0,1] of the current call completed.
type ProgressFunc func(fraction float64)

// TrackJob describes one per-track intermediate to produce.
type TrackJob struct {
	Track timeline.Track

	// Sources maps every asset the track references to its file path.
	Sources map[string]string

	// Duration is the length of the intermediate. Gaps are filled with
	// black or silence up to it.
	Duration time.Duration

	// OutputDir is where the intermediate file should be written.
	OutputDir string
}

// Layer is one prepared track inside a composition.
type Layer struct {
	TrackID timeline.TrackID    `json:"track_id"`
	Kind    timeline.TrackKind  `json:"kind"`
	Path    string              `json:"path"`
	Blend   animation.BlendMode `json:"blend"`
	Muted   bool                `json:"muted"`
	Hidden  bool                `json:"hidden"`
	Locked  bool                `json:"locked"`

	// Samples holds each animated property sampled every
	// CompositionPlan.SampleInterval from time zero. Properties without
	// keyframes are absent and take their default.
	Samples map[animation.Property][]float64 `json:"samples,omitempty"`
}

// Value returns property p at sample index i, or its default.
func (l Layer) Value(p animation.Property, i int) float64 {
	vals := l.Samples[p]
	if len(vals) == 0 {
		return p.Default()
	}
	if i >= len(vals) {
		i = len(vals) - 1
	}
	if i < 0 {
		i = 0
	}
	return vals[i]
}

// CompositionPlan is everything a Transcoder needs to mix the prepared
// layers into the final output. Layers are in compositing order, bottom
// first.
type CompositionPlan struct {
	Duration       time.Duration `json:"duration"`
	SampleInterval time.Duration `json:"sample_interval"`
	Layers         []Layer       `json:"layers"`
}

// Transcoder produces media files. Implementations may be slow and may
// fail; calls are not pre-empted once started.
type Transcoder interface {
	// RenderTrack renders job into a new file under job.OutputDir and
	// returns its path. On error, a non-empty returned path names a
	// partial file the caller removes.
	RenderTrack(ctx context.Context, job TrackJob, params Params, progress ProgressFunc) (string, error)

	// Compose mixes plan into output.
	Compose(ctx context.Context, plan CompositionPlan, params Params, output string, progress ProgressFunc) error
}

// AssetInfo is what a probe reports about a media file.
type AssetInfo struct {
	Duration   time.Duration `json:"duration"`
	Width      int           `json:"width,omitempty"`
	Height     int           `json:"height,omitempty"`
	VideoCodec string        `json:"video_codec,omitempty"`
	AudioCodec string        `json:"audio_codec,omitempty"`
	BitRate    int64         `json:"bit_rate,omitempty"`
}

// HasVideo reports whether the asset carries a video stream.
func (a AssetInfo) HasVideo() bool {
	return a.VideoCodec != ""
}

// AssetProbe inspects media files.
type AssetProbe interface {
	Probe(ctx context.Context, path string) (AssetInfo, error)
}

// AssetResolver maps asset IDs to file paths.
type AssetResolver interface {
	Resolve(assetID string) (string, error)
}

// AssetMap is an AssetResolver backed by a map.
type AssetMap map[string]string

// Resolve returns the path registered for assetID.
func (m AssetMap) Resolve(assetID string) (string, error) {
	if p, ok := m[assetID]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
}
