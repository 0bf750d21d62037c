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
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/AleutianAI/montage/services/editor/media"
)

// Prober implements media.AssetProbe with ffprobe.
type Prober struct {
	exec *Executor
}

// NewProber creates a prober using the ffprobe binary at path.
func NewProber(path string, logger *slog.Logger) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	return &Prober{exec: NewExecutor(path, logger)}
}

// Probe reports duration, dimensions, codecs and bit rate of the file.
func (p *Prober) Probe(ctx context.Context, path string) (media.AssetInfo, error) {
	out, err := p.exec.Output(ctx,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return media.AssetInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}
	info, err := parseProbe(out)
	if err != nil {
		return media.AssetInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}
	return info, nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// parseProbe decodes ffprobe's JSON. Images and streams without a
// container duration fall back to the longest stream duration.
func parseProbe(raw []byte) (media.AssetInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return media.AssetInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var info media.AssetInfo
	info.Duration = parseSeconds(out.Format.Duration)
	if br, err := strconv.ParseInt(out.Format.BitRate, 10, 64); err == nil {
		info.BitRate = br
	}

	var longest time.Duration
	for _, s := range out.Streams {
		longest = max(longest, parseSeconds(s.Duration))
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width, info.Height = s.Width, s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	if info.Duration == 0 {
		info.Duration = longest
	}

	if info.VideoCodec == "" && info.AudioCodec == "" {
		return media.AssetInfo{}, fmt.Errorf("no audio or video streams")
	}
	return info, nil
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
