// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
)

// Timeline is the editable multi-track store.
type Timeline struct {
	tracks map[TrackID]*Track
	order  []TrackID
	graph  *Graph

	// named counts tracks added per kind, for default names.
	named map[TrackKind]int
}

// RemovedTrack is everything needed to restore a removed track.
type RemovedTrack struct {
	Track Track
	Index int
	Edges []Edge
}

// New creates an empty timeline.
func New() *Timeline {
	t := &Timeline{
		tracks: make(map[TrackID]*Track),
		named:  make(map[TrackKind]int),
	}
	t.graph = NewGraph(t.hasTrack)
	return t
}

func (t *Timeline) hasTrack(id TrackID) bool {
	_, ok := t.tracks[id]
	return ok
}

func (t *Timeline) track(id TrackID) (*Track, error) {
	tr, ok := t.tracks[id]
	if !ok {
		return nil, trackNotFound(id)
	}
	return tr, nil
}

// Graph returns the timeline's relationship graph.
//
// The graph validates track existence against this timeline, so mutating
// it directly keeps the timeline's invariants.
func (t *Timeline) Graph() *Graph { return t.graph }

// AddTrack appends an empty track of the given kind and returns its ID.
//
// The track is named "<Kind> <n>" where n counts tracks of that kind added
// to this timeline so far.
func (t *Timeline) AddTrack(kind TrackKind) TrackID {
	t.named[kind]++
	tr := &Track{
		ID:   NewTrackID(),
		Kind: kind,
		Name: fmt.Sprintf("%s %d", kind.displayName(), t.named[kind]),
	}
	t.tracks[tr.ID] = tr
	t.order = append(t.order, tr.ID)
	return tr.ID
}

// InsertTrack inserts a fully formed track at index.
//
// # Description
//
// Used to restore removed tracks and to build a timeline from a saved
// project. The index is clamped to [0, len]. The track's clips are sorted
// and validated against the same rules AddClip enforces.
//
// # Outputs
//
//   - error: ErrInvalidOperation if the ID is empty or taken, the kind is
//     unknown, or a clip is invalid or overlapping.
func (t *Timeline) InsertTrack(track Track, index int) error {
	const op = "insert track"
	if track.ID == "" {
		return invalid(op, "track has no ID")
	}
	if t.hasTrack(track.ID) {
		return invalid(op, fmt.Sprintf("track %s already exists", track.ID))
	}
	if !track.Kind.Valid() {
		return invalid(op, fmt.Sprintf("unknown kind %d", int(track.Kind)))
	}
	if !track.Blend.Valid() {
		return invalid(op, fmt.Sprintf("unknown blend mode %d", int(track.Blend)))
	}
	if err := track.Curves.Validate(); err != nil {
		return invalidErr(op, err)
	}

	tr := track.Clone()
	sortClips(tr.Clips)
	if err := validateClips(tr.Clips); err != nil {
		return invalidErr(op, err)
	}
	for _, c := range tr.Clips {
		if _, _, ok := t.FindClip(c.ID); ok {
			return invalid(op, fmt.Sprintf("clip %s already exists", c.ID))
		}
	}
	seen := make(map[ClipID]struct{}, len(tr.Clips))
	for _, c := range tr.Clips {
		if _, dup := seen[c.ID]; dup {
			return invalid(op, fmt.Sprintf("duplicate clip %s", c.ID))
		}
		seen[c.ID] = struct{}{}
	}

	if index < 0 {
		index = 0
	}
	if index > len(t.order) {
		index = len(t.order)
	}
	t.tracks[tr.ID] = &tr
	t.order = append(t.order, "")
	copy(t.order[index+1:], t.order[index:])
	t.order[index] = tr.ID
	return nil
}

// RemoveTrack deletes a track and every relationship touching it.
func (t *Timeline) RemoveTrack(id TrackID) (RemovedTrack, error) {
	tr, err := t.track(id)
	if err != nil {
		return RemovedTrack{}, err
	}
	index := t.indexOf(id)
	edges := t.graph.RemoveTrack(id)
	delete(t.tracks, id)
	t.order = append(t.order[:index], t.order[index+1:]...)
	return RemovedTrack{Track: *tr, Index: index, Edges: edges}, nil
}

func (t *Timeline) indexOf(id TrackID) int {
	for i, o := range t.order {
		if o == id {
			return i
		}
	}
	return -1
}

// AddClip places clip on a track.
//
// # Outputs
//
//   - error: TrackNotFoundError; ClipOverlapError carrying the clip's
//     position when the interval intersects an existing clip;
//     InvalidOperationError for a non-positive duration, an empty source
//     window, a negative position, or a clip ID already in the timeline.
func (t *Timeline) AddClip(trackID TrackID, clip Clip) error {
	tr, err := t.track(trackID)
	if err != nil {
		return err
	}
	if err := clip.validate(); err != nil {
		return invalidErr("add clip", err)
	}
	if _, _, ok := t.FindClip(clip.ID); ok {
		return invalid("add clip", fmt.Sprintf("clip %s already exists", clip.ID))
	}
	if other, ok := tr.conflict(clip.Position, clip.Duration, ""); ok {
		return &ClipOverlapError{Track: trackID, Position: clip.Position, Conflicting: other.ID}
	}
	tr.insertSorted(clip)
	return nil
}

// RemoveClip deletes a clip and returns it.
func (t *Timeline) RemoveClip(trackID TrackID, clipID ClipID) (Clip, error) {
	tr, err := t.track(trackID)
	if err != nil {
		return Clip{}, err
	}
	i := tr.clipIndex(clipID)
	if i < 0 {
		return Clip{}, &ClipNotFoundError{Track: trackID, Clip: clipID}
	}
	return tr.removeAt(i), nil
}

// Clip returns a copy of a clip.
func (t *Timeline) Clip(trackID TrackID, clipID ClipID) (Clip, error) {
	tr, err := t.track(trackID)
	if err != nil {
		return Clip{}, err
	}
	i := tr.clipIndex(clipID)
	if i < 0 {
		return Clip{}, &ClipNotFoundError{Track: trackID, Clip: clipID}
	}
	return tr.Clips[i], nil
}

// FindClip locates a clip anywhere in the timeline.
func (t *Timeline) FindClip(clipID ClipID) (TrackID, Clip, bool) {
	for _, id := range t.order {
		tr := t.tracks[id]
		if i := tr.clipIndex(clipID); i >= 0 {
			return id, tr.Clips[i], true
		}
	}
	return "", Clip{}, false
}

// SplitClip splits a clip at timeline time at. The right half gets a new ID.
func (t *Timeline) SplitClip(trackID TrackID, clipID ClipID, at time.Duration) (Clip, Clip, error) {
	return t.SplitClipAs(trackID, clipID, at, NewClipID())
}

// SplitClipAs splits a clip at timeline time at, naming the right half
// rightID.
//
// # Description
//
// Requires Position < at < End. The left half keeps the clip's ID and
// ends at at. The right half starts at at and its SourceStart advances by
// at-Position, scaled by SourceDuration/Duration for retimed clips.
//
// # Outputs
//
//   - Clip: The left half.
//   - Clip: The right half.
//   - error: Not-found errors, or ErrInvalidOperation if at is outside the
//     clip or rightID is empty or taken.
func (t *Timeline) SplitClipAs(trackID TrackID, clipID ClipID, at time.Duration, rightID ClipID) (Clip, Clip, error) {
	const op = "split clip"
	tr, err := t.track(trackID)
	if err != nil {
		return Clip{}, Clip{}, err
	}
	i := tr.clipIndex(clipID)
	if i < 0 {
		return Clip{}, Clip{}, &ClipNotFoundError{Track: trackID, Clip: clipID}
	}
	orig := tr.Clips[i]
	if !orig.Contains(at) {
		return Clip{}, Clip{}, invalid(op, fmt.Sprintf("split point %s outside clip [%s, %s)", at, orig.Position, orig.End()))
	}
	if rightID == "" {
		return Clip{}, Clip{}, invalid(op, "right half has no ID")
	}
	if _, _, ok := t.FindClip(rightID); ok {
		return Clip{}, Clip{}, invalid(op, fmt.Sprintf("clip %s already exists", rightID))
	}

	offset := at - orig.Position
	sourceAt := orig.SourceStart + offset
	if orig.Retimed() {
		ratio := float64(orig.SourceDuration()) / float64(orig.Duration)
		sourceAt = orig.SourceStart + time.Duration(float64(offset)*ratio)
	}
	if sourceAt <= orig.SourceStart || sourceAt >= orig.SourceEnd {
		return Clip{}, Clip{}, invalid(op, "split point leaves an empty source window")
	}

	left := orig
	left.Duration = offset
	left.SourceEnd = sourceAt

	right := orig
	right.ID = rightID
	right.Position = at
	right.Duration = orig.End() - at
	right.SourceStart = sourceAt

	tr.Clips[i] = left
	tr.insertSorted(right)
	return left, right, nil
}

// MergeClips joins two adjacent clips of the same asset into one.
//
// # Description
//
// The clips are ordered by position. The earlier one must end exactly
// where the later one starts, and its SourceEnd must equal the later
// one's SourceStart. The merged clip keeps the earlier clip's ID.
//
// # Outputs
//
//   - Clip: The merged clip.
//   - error: Not-found errors, or ErrInvalidOperation if the clips are not
//     mergeable.
func (t *Timeline) MergeClips(trackID TrackID, a, b ClipID) (Clip, error) {
	const op = "merge clips"
	tr, err := t.track(trackID)
	if err != nil {
		return Clip{}, err
	}
	if a == b {
		return Clip{}, invalid(op, "cannot merge a clip with itself")
	}
	ia, ib := tr.clipIndex(a), tr.clipIndex(b)
	if ia < 0 {
		return Clip{}, &ClipNotFoundError{Track: trackID, Clip: a}
	}
	if ib < 0 {
		return Clip{}, &ClipNotFoundError{Track: trackID, Clip: b}
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	first, second := tr.Clips[ia], tr.Clips[ib]
	switch {
	case first.AssetID != second.AssetID:
		return Clip{}, invalid(op, "clips reference different assets")
	case first.End() != second.Position:
		return Clip{}, invalid(op, "clips are not contiguous in time")
	case first.SourceEnd != second.SourceStart:
		return Clip{}, invalid(op, "source ranges are not continuous")
	}

	merged := first
	merged.Duration = first.Duration + second.Duration
	merged.SourceEnd = second.SourceEnd
	tr.Clips[ia] = merged
	tr.removeAt(ib)
	return merged, nil
}

// MoveClipToTrack moves a clip to newPosition on dst.
//
// Moving within one track ignores the clip's own current interval. Both
// tracks must be of the same kind. On error nothing changes.
func (t *Timeline) MoveClipToTrack(src, dst TrackID, clipID ClipID, newPosition time.Duration) error {
	from, err := t.track(src)
	if err != nil {
		return err
	}
	to, err := t.track(dst)
	if err != nil {
		return err
	}
	i := from.clipIndex(clipID)
	if i < 0 {
		return &ClipNotFoundError{Track: src, Clip: clipID}
	}
	if from.Kind != to.Kind {
		return invalid("move clip", fmt.Sprintf("cannot move a %s clip onto a %s track", from.Kind, to.Kind))
	}
	if newPosition < 0 {
		return invalid("move clip", fmt.Sprintf("negative position %s", newPosition))
	}
	moved := from.Clips[i]
	moved.Position = newPosition
	if other, ok := to.conflict(newPosition, moved.Duration, clipID); ok {
		return &ClipOverlapError{Track: dst, Position: newPosition, Conflicting: other.ID}
	}
	from.removeAt(i)
	to.insertSorted(moved)
	return nil
}

// SetClipDuration retimes a clip and returns its previous duration.
func (t *Timeline) SetClipDuration(trackID TrackID, clipID ClipID, d time.Duration) (time.Duration, error) {
	tr, err := t.track(trackID)
	if err != nil {
		return 0, err
	}
	i := tr.clipIndex(clipID)
	if i < 0 {
		return 0, &ClipNotFoundError{Track: trackID, Clip: clipID}
	}
	if d <= 0 {
		return 0, invalid("set clip duration", fmt.Sprintf("duration %s must be positive", d))
	}
	c := tr.Clips[i]
	if other, ok := tr.conflict(c.Position, d, clipID); ok {
		return 0, &ClipOverlapError{Track: trackID, Position: c.Position, Conflicting: other.ID}
	}
	old := c.Duration
	tr.Clips[i].Duration = d
	return old, nil
}

// SetMuted sets a track's muted flag and returns the previous value.
func (t *Timeline) SetMuted(id TrackID, muted bool) (bool, error) {
	tr, err := t.track(id)
	if err != nil {
		return false, err
	}
	old := tr.Muted
	tr.Muted = muted
	return old, nil
}

// SetHidden sets a track's hidden flag and returns the previous value.
func (t *Timeline) SetHidden(id TrackID, hidden bool) (bool, error) {
	tr, err := t.track(id)
	if err != nil {
		return false, err
	}
	old := tr.Hidden
	tr.Hidden = hidden
	return old, nil
}

// SetLocked sets a track's locked flag and returns the previous value.
func (t *Timeline) SetLocked(id TrackID, locked bool) (bool, error) {
	tr, err := t.track(id)
	if err != nil {
		return false, err
	}
	old := tr.Locked
	tr.Locked = locked
	return old, nil
}

// SetBlend sets a track's blend mode and returns the previous value.
func (t *Timeline) SetBlend(id TrackID, mode animation.BlendMode) (animation.BlendMode, error) {
	tr, err := t.track(id)
	if err != nil {
		return animation.BlendNormal, err
	}
	if !mode.Valid() {
		return animation.BlendNormal, invalid("set blend", fmt.Sprintf("unknown blend mode %d", int(mode)))
	}
	old := tr.Blend
	tr.Blend = mode
	return old, nil
}

// SetCurves replaces a track's keyframe curves and returns the previous set.
func (t *Timeline) SetCurves(id TrackID, curves animation.Curves) (animation.Curves, error) {
	tr, err := t.track(id)
	if err != nil {
		return nil, err
	}
	if err := curves.Validate(); err != nil {
		return nil, invalidErr("set curves", err)
	}
	old := tr.Curves
	tr.Curves = curves.Clone()
	return old, nil
}

// SetAnchor sets a track's timing anchor and returns the previous value.
func (t *Timeline) SetAnchor(id TrackID, anchor time.Duration) (time.Duration, error) {
	tr, err := t.track(id)
	if err != nil {
		return 0, err
	}
	old := tr.Anchor
	tr.Anchor = anchor
	return old, nil
}

// SetName renames a track and returns the previous name.
func (t *Timeline) SetName(id TrackID, name string) (string, error) {
	tr, err := t.track(id)
	if err != nil {
		return "", err
	}
	old := tr.Name
	tr.Name = name
	return old, nil
}

// AddRelationship makes source depend on target. See Graph.AddRelationship.
func (t *Timeline) AddRelationship(source, target TrackID, rel Relationship) error {
	return t.graph.AddRelationship(source, target, rel)
}

// Track returns a copy of a track.
func (t *Timeline) Track(id TrackID) (Track, bool) {
	tr, ok := t.tracks[id]
	if !ok {
		return Track{}, false
	}
	return tr.Clone(), true
}

// Tracks returns copies of all tracks in compositing order.
func (t *Timeline) Tracks() []Track {
	out := make([]Track, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.tracks[id].Clone())
	}
	return out
}

// TrackIDs returns track IDs in compositing order.
func (t *Timeline) TrackIDs() []TrackID {
	return append([]TrackID(nil), t.order...)
}

// Len returns the number of tracks.
func (t *Timeline) Len() int { return len(t.order) }

// Duration returns the end of the last clip across all tracks.
func (t *Timeline) Duration() time.Duration {
	var d time.Duration
	for _, tr := range t.tracks {
		if e := tr.End(); e > d {
			d = e
		}
	}
	return d
}

// Clone returns a deep copy with its own graph.
func (t *Timeline) Clone() *Timeline {
	out := &Timeline{
		tracks: make(map[TrackID]*Track, len(t.tracks)),
		order:  append([]TrackID(nil), t.order...),
		named:  make(map[TrackKind]int, len(t.named)),
	}
	for id, tr := range t.tracks {
		c := tr.Clone()
		out.tracks[id] = &c
	}
	for k, n := range t.named {
		out.named[k] = n
	}
	out.graph = t.graph.clone(out.hasTrack)
	return out
}

func sortClips(clips []Clip) {
	sort.SliceStable(clips, func(i, j int) bool { return clips[i].Position < clips[j].Position })
}
