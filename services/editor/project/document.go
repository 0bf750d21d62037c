// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/timeline"
)

// FormatVersion is the document version written by Save.
const FormatVersion = 1

// Document is the on-disk JSON form of a project. Times are integer
// nanoseconds. History and cache state are never persisted.
type Document struct {
	Version       int               `json:"version" validate:"required"`
	Project       Info              `json:"project" validate:"required"`
	Assets        []AssetDoc        `json:"assets" validate:"unique=ID,dive"`
	Tracks        []TrackDoc        `json:"tracks" validate:"unique=ID,dive"`
	Relationships []RelationshipDoc `json:"relationships,omitempty" validate:"dive"`
}

// Info is project-level metadata.
type Info struct {
	ID         string    `json:"id" validate:"required,uuid"`
	Name       string    `json:"name" validate:"required,max=256"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	// Preset names the render preset used when none is given.
	Preset string `json:"preset,omitempty"`

	// Output holds explicit render settings overriding Preset.
	Output *media.Params `json:"output,omitempty"`
}

// AssetDoc maps an asset ID to its media file. Relative paths are
// resolved against the project file's directory.
type AssetDoc struct {
	ID   string `json:"id" validate:"required,assetid"`
	Path string `json:"path" validate:"required"`

	// DurationNS is the probed length, zero if never probed.
	DurationNS int64 `json:"duration_ns,omitempty" validate:"gte=0"`
}

// TrackDoc is one track in compositing order.
type TrackDoc struct {
	ID       string              `json:"id" validate:"required"`
	Kind     timeline.TrackKind  `json:"kind"`
	Name     string              `json:"name"`
	Muted    bool                `json:"muted,omitempty"`
	Locked   bool                `json:"locked,omitempty"`
	Hidden   bool                `json:"hidden,omitempty"`
	Blend    animation.BlendMode `json:"blend"`
	AnchorNS int64               `json:"anchor_ns,omitempty"` // may be negative
	Curves   animation.Curves    `json:"curves,omitempty"`
	Clips    []ClipDoc           `json:"clips" validate:"dive"`
}

// ClipDoc is one clip placement.
type ClipDoc struct {
	ID            string `json:"id" validate:"required"`
	AssetID       string `json:"asset_id" validate:"required,assetid"`
	PositionNS    int64  `json:"position_ns" validate:"gte=0"`
	DurationNS    int64  `json:"duration_ns" validate:"gt=0"`
	SourceStartNS int64  `json:"source_start_ns" validate:"gte=0"`
	SourceEndNS   int64  `json:"source_end_ns" validate:"gtfield=SourceStartNS"`
}

// RelationshipDoc is one dependency edge: Source depends on Target.
type RelationshipDoc struct {
	Source   string                `json:"source" validate:"required"`
	Target   string                `json:"target" validate:"required,nefield=Source"`
	Relation timeline.Relationship `json:"relation"`
}

func trackDoc(t timeline.Track) TrackDoc {
	d := TrackDoc{
		ID:       string(t.ID),
		Kind:     t.Kind,
		Name:     t.Name,
		Muted:    t.Muted,
		Locked:   t.Locked,
		Hidden:   t.Hidden,
		Blend:    t.Blend,
		AnchorNS: int64(t.Anchor),
		Curves:   t.Curves.Clone(),
		Clips:    make([]ClipDoc, 0, len(t.Clips)),
	}
	for _, c := range t.Clips {
		d.Clips = append(d.Clips, ClipDoc{
			ID:            string(c.ID),
			AssetID:       c.AssetID,
			PositionNS:    int64(c.Position),
			DurationNS:    int64(c.Duration),
			SourceStartNS: int64(c.SourceStart),
			SourceEndNS:   int64(c.SourceEnd),
		})
	}
	return d
}

func (d TrackDoc) track() timeline.Track {
	t := timeline.Track{
		ID:     timeline.TrackID(d.ID),
		Kind:   d.Kind,
		Name:   d.Name,
		Muted:  d.Muted,
		Locked: d.Locked,
		Hidden: d.Hidden,
		Blend:  d.Blend,
		Anchor: time.Duration(d.AnchorNS),
		Curves: d.Curves,
		Clips:  make([]timeline.Clip, 0, len(d.Clips)),
	}
	for _, c := range d.Clips {
		t.Clips = append(t.Clips, timeline.Clip{
			ID:          timeline.ClipID(c.ID),
			AssetID:     c.AssetID,
			Position:    time.Duration(c.PositionNS),
			Duration:    time.Duration(c.DurationNS),
			SourceStart: time.Duration(c.SourceStartNS),
			SourceEnd:   time.Duration(c.SourceEndNS),
		})
	}
	return t
}
