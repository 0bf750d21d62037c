// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package timeline holds the editable multi-track timeline and the
// dependency graph between its tracks.
//
// # Description
//
// A Timeline owns an ordered list of tracks (first track is the bottom
// compositing layer) and a Graph of relationships between them. Every
// mutation is a guarded operation: it either succeeds and leaves all
// invariants intact, or returns a typed error and changes nothing.
//
// Invariants:
//   - No two clips on a track have intersecting [Position, End) intervals.
//   - Clips on a track are sorted by Position.
//   - Clip IDs are unique across the timeline.
//   - Every TrackID referenced by the graph exists.
//   - The graph is acyclic.
//
// # Thread Safety
//
// Timeline is single-writer and not safe for concurrent use. The editor
// package wraps it in a Session with a coarse read/write lock.
package timeline

import (
	"fmt"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/google/uuid"
)

// TrackID identifies a track.
type TrackID string

// ClipID identifies a clip.
type ClipID string

// NewTrackID returns a random track ID.
func NewTrackID() TrackID { return TrackID(uuid.NewString()) }

// NewClipID returns a random clip ID.
func NewClipID() ClipID { return ClipID(uuid.NewString()) }

// TrackKind is the media kind carried by a track.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
	TrackSubtitle
)

var trackKindNames = [...]string{
	TrackVideo:    "video",
	TrackAudio:    "audio",
	TrackSubtitle: "subtitle",
}

func (k TrackKind) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return trackKindNames[k]
}

// Valid reports whether k is a defined kind.
func (k TrackKind) Valid() bool {
	return k >= 0 && int(k) < len(trackKindNames)
}

// ParseTrackKind parses "video", "audio" or "subtitle".
func ParseTrackKind(s string) (TrackKind, error) {
	for i, name := range trackKindNames {
		if name == s {
			return TrackKind(i), nil
		}
	}
	return TrackVideo, fmt.Errorf("unknown track kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k TrackKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid track kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TrackKind) UnmarshalText(text []byte) error {
	parsed, err := ParseTrackKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// displayName is the prefix used for default track names.
func (k TrackKind) displayName() string {
	switch k {
	case TrackAudio:
		return "Audio"
	case TrackSubtitle:
		return "Subtitle"
	default:
		return "Video"
	}
}

// Clip is a bounded reference into a source asset placed on a track.
//
// Position and Duration are in timeline time. SourceStart and SourceEnd
// bound the window read from the asset. Duration equals
// SourceEnd-SourceStart unless the clip has been retimed.
type Clip struct {
	ID          ClipID        `json:"id"`
	AssetID     string        `json:"asset_id"`
	Position    time.Duration `json:"position"`
	Duration    time.Duration `json:"duration"`
	SourceStart time.Duration `json:"source_start"`
	SourceEnd   time.Duration `json:"source_end"`
}

// NewClip creates a clip with a fresh ID and a duration matching its
// source window.
func NewClip(assetID string, position, sourceStart, sourceEnd time.Duration) Clip {
	return Clip{
		ID:          NewClipID(),
		AssetID:     assetID,
		Position:    position,
		Duration:    sourceEnd - sourceStart,
		SourceStart: sourceStart,
		SourceEnd:   sourceEnd,
	}
}

// End returns the exclusive end of the clip in timeline time.
func (c Clip) End() time.Duration { return c.Position + c.Duration }

// SourceDuration returns the length of the source window.
func (c Clip) SourceDuration() time.Duration { return c.SourceEnd - c.SourceStart }

// Retimed reports whether the clip plays its source at a non-unit rate.
func (c Clip) Retimed() bool { return c.Duration != c.SourceDuration() }

// Overlaps reports whether the clip intersects [position, position+duration).
func (c Clip) Overlaps(position, duration time.Duration) bool {
	return position < c.End() && c.Position < position+duration
}

// Contains reports whether t falls strictly inside the clip.
func (c Clip) Contains(t time.Duration) bool {
	return c.Position < t && t < c.End()
}

func (c Clip) validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("clip has no ID")
	case c.Duration <= 0:
		return fmt.Errorf("clip %s: duration %s must be positive", c.ID, c.Duration)
	case c.Position < 0:
		return fmt.Errorf("clip %s: negative position %s", c.ID, c.Position)
	case c.SourceStart < 0:
		return fmt.Errorf("clip %s: negative source start %s", c.ID, c.SourceStart)
	case c.SourceStart >= c.SourceEnd:
		return fmt.Errorf("clip %s: source start %s not before source end %s", c.ID, c.SourceStart, c.SourceEnd)
	}
	return nil
}

// Track is an ordered, non-overlapping sequence of clips of one kind.
//
// Values returned by Timeline accessors are copies; mutating them does not
// affect the timeline.
type Track struct {
	ID     TrackID             `json:"id"`
	Kind   TrackKind           `json:"kind"`
	Name   string              `json:"name"`
	Clips  []Clip              `json:"clips"`
	Muted  bool                `json:"muted"`
	Locked bool                `json:"locked"`
	Hidden bool                `json:"hidden"`
	Blend  animation.BlendMode `json:"blend"`
	Curves animation.Curves    `json:"curves,omitempty"`
	Anchor time.Duration       `json:"anchor"`
}

// End returns the end of the last clip, or zero for an empty track.
func (t Track) End() time.Duration {
	if len(t.Clips) == 0 {
		return 0
	}
	return t.Clips[len(t.Clips)-1].End()
}

// Renderable reports whether the track contributes to a render.
//
// Empty tracks, hidden video or subtitle tracks, and muted audio tracks do
// not.
func (t Track) Renderable() bool {
	if len(t.Clips) == 0 {
		return false
	}
	if t.Kind == TrackAudio {
		return !t.Muted
	}
	return !t.Hidden
}

// Clone returns a deep copy of the track.
func (t Track) Clone() Track {
	out := t
	out.Clips = append([]Clip(nil), t.Clips...)
	out.Curves = t.Curves.Clone()
	return out
}

// clipIndex returns the index of id, or -1.
func (t *Track) clipIndex(id ClipID) int {
	for i := range t.Clips {
		if t.Clips[i].ID == id {
			return i
		}
	}
	return -1
}

// conflict returns the first clip intersecting [position, position+duration)
// other than ignore.
func (t *Track) conflict(position, duration time.Duration, ignore ClipID) (Clip, bool) {
	for _, c := range t.Clips {
		if c.ID == ignore {
			continue
		}
		if c.Overlaps(position, duration) {
			return c, true
		}
		if c.Position >= position+duration {
			break
		}
	}
	return Clip{}, false
}

// insertSorted inserts c keeping Clips ordered by Position.
func (t *Track) insertSorted(c Clip) {
	i := len(t.Clips)
	for j := range t.Clips {
		if t.Clips[j].Position > c.Position {
			i = j
			break
		}
	}
	t.Clips = append(t.Clips, Clip{})
	copy(t.Clips[i+1:], t.Clips[i:])
	t.Clips[i] = c
}

func (t *Track) removeAt(i int) Clip {
	c := t.Clips[i]
	t.Clips = append(t.Clips[:i], t.Clips[i+1:]...)
	return c
}

// validateClips checks every clip and the no-overlap invariant for a track
// whose clips may be unsorted.
func validateClips(clips []Clip) error {
	for i, c := range clips {
		if err := c.validate(); err != nil {
			return err
		}
		if i > 0 && clips[i-1].End() > c.Position {
			return fmt.Errorf("clip %s overlaps clip %s", c.ID, clips[i-1].ID)
		}
	}
	return nil
}
