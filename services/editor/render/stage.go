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

import "fmt"

// Stage is a step of a render. Stages advance strictly in declaration
// order up to StageComplete; StageFailed and StageCancelled can follow any
// non-terminal stage.
type Stage int

const (
	StagePending Stage = iota
	StagePreparing
	StageRenderingVideo
	StageProcessingAudio
	StageMuxing
	StageFinalizing
	StageComplete
	StageFailed
	StageCancelled
)

var stageNames = [...]string{
	StagePending:         "pending",
	StagePreparing:       "preparing",
	StageRenderingVideo:  "rendering_video",
	StageProcessingAudio: "processing_audio",
	StageMuxing:          "muxing",
	StageFinalizing:      "finalizing",
	StageComplete:        "complete",
	StageFailed:          "failed",
	StageCancelled:       "cancelled",
}

// String returns the snake_case stage name.
func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// IsTerminal reports whether no further transitions follow s.
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageFailed || s == StageCancelled
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stageNames) {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(stageNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	for i, name := range stageNames {
		if name == string(text) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", string(text))
}

// stageWeights is each working stage's share of overall progress.
var stageWeights = map[Stage]float64{
	StagePreparing:       0.05,
	StageRenderingVideo:  0.45,
	StageProcessingAudio: 0.20,
	StageMuxing:          0.25,
	StageFinalizing:      0.05,
}

// overall maps a position inside stage s to overall completion [0,1].
func overall(s Stage, fraction float64) float64 {
	switch s {
	case StagePending:
		return 0
	case StageComplete:
		return 1
	}
	var done float64
	for st := StagePreparing; st < s && st < StageComplete; st++ {
		done += stageWeights[st]
	}
	return done + stageWeights[s]*clamp01(fraction)
}

func clamp01(f float64) float64 {
	return min(max(f, 0), 1)
}
