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
	"runtime"

	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/timeline"
)

const (
	pixels720p = 1280 * 720
	pixels4K   = 3840 * 2160
)

// Workload summarizes what drives the cost of preparing tracks in parallel.
type Workload struct {
	Cores  int
	Tracks int
	Width  int
	Height int

	// EffectDensity is the mean number of keyframes per prepared track.
	EffectDensity float64

	// Max caps the result when positive.
	Max int
}

// ConcurrencyLimit returns how many tracks to prepare at once.
//
// # Description
//
// Starts from half the cores, halves again at 4K and above, adds one at
// 720p and below, and subtracts one for effect-heavy timelines. The result
// is clamped to [1, Tracks] and to Max when set.
func ConcurrencyLimit(w Workload) int {
	n := max(w.Cores/2, 1)

	pixels := w.Width * w.Height
	switch {
	case pixels >= pixels4K:
		n /= 2
	case pixels > 0 && pixels <= pixels720p:
		n++
	}
	if w.EffectDensity > 8 {
		n--
	}

	if w.Max > 0 {
		n = min(n, w.Max)
	}
	if w.Tracks > 0 {
		n = min(n, w.Tracks)
	}
	return max(n, 1)
}

// workloadFor builds the Workload of preparing tracks under params.
func workloadFor(tracks []timeline.Track, params media.Params, maxConcurrency int) Workload {
	keyframes := 0
	for _, t := range tracks {
		for _, c := range t.Curves {
			keyframes += len(c)
		}
	}
	w := Workload{
		Cores:  runtime.NumCPU(),
		Tracks: len(tracks),
		Width:  params.Width,
		Height: params.Height,
		Max:    maxConcurrency,
	}
	if len(tracks) > 0 {
		w.EffectDensity = float64(keyframes) / float64(len(tracks))
	}
	return w
}
