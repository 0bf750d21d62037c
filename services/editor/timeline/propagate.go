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
)

// EditKind classifies an edit for propagation.
type EditKind int

const (
	EditInsert EditKind = iota
	EditRemove
	EditShift
	EditSplit
	EditVisibility
)

func (k EditKind) String() string {
	switch k {
	case EditInsert:
		return "insert"
	case EditRemove:
		return "remove"
	case EditShift:
		return "shift"
	case EditSplit:
		return "split"
	case EditVisibility:
		return "visibility"
	default:
		return "unknown"
	}
}

// Edit describes a change made to one track, in that track's time.
//
// Fields are interpreted per Kind:
//   - EditInsert: Clip.
//   - EditRemove: clips fully inside [Start, End).
//   - EditShift: clips positioned in [Start, End) move by Delta.
//   - EditSplit: the clip spanning At is split there.
//   - EditVisibility: Muted and Hidden.
type Edit struct {
	Kind   EditKind
	Clip   Clip
	Start  time.Duration
	End    time.Duration
	Delta  time.Duration
	At     time.Duration
	Muted  bool
	Hidden bool
}

func InsertEdit(c Clip) Edit { return Edit{Kind: EditInsert, Clip: c} }

func RemoveEdit(start, end time.Duration) Edit {
	return Edit{Kind: EditRemove, Start: start, End: end}
}

func ShiftEdit(start, end, delta time.Duration) Edit {
	return Edit{Kind: EditShift, Start: start, End: end, Delta: delta}
}

func SplitEdit(at time.Duration) Edit { return Edit{Kind: EditSplit, At: at} }

func VisibilityEdit(muted, hidden bool) Edit {
	return Edit{Kind: EditVisibility, Muted: muted, Hidden: hidden}
}

// remap translates the edit's times by offset.
func (e Edit) remap(offset time.Duration) Edit {
	e.Start += offset
	e.End += offset
	e.At += offset
	e.Clip.Position += offset
	return e
}

// accepts reports whether a dependent with relationship r follows e.
func (r Relationship) accepts(e Edit) bool {
	switch r {
	case Locked:
		return true
	case TimingDependent:
		return e.Kind == EditShift
	case VisibilityDependent:
		return e.Kind == EditVisibility
	default:
		return false
	}
}

// AppliedChange is one mutation made by propagation. The concrete types are
// ClipAdded, ClipRemoved, ClipMoved, ClipSplit and VisibilityChanged.
type AppliedChange interface {
	ChangedTrack() TrackID
	appliedChange()
}

// ClipAdded records a clip copied onto a dependent.
type ClipAdded struct {
	Track TrackID
	Clip  Clip
}

// ClipRemoved records a clip removed from a dependent.
type ClipRemoved struct {
	Track TrackID
	Clip  Clip
}

// ClipMoved records a clip shifted within a dependent.
type ClipMoved struct {
	Track TrackID
	Clip  ClipID
	From  time.Duration
	To    time.Duration
}

// ClipSplit records a clip split on a dependent.
type ClipSplit struct {
	Track    TrackID
	Original Clip
	Left     Clip
	Right    Clip
}

// VisibilityChanged records a dependent's muted/hidden flags changing.
type VisibilityChanged struct {
	Track     TrackID
	OldMuted  bool
	OldHidden bool
	Muted     bool
	Hidden    bool
}

func (c ClipAdded) ChangedTrack() TrackID         { return c.Track }
func (c ClipRemoved) ChangedTrack() TrackID       { return c.Track }
func (c ClipMoved) ChangedTrack() TrackID         { return c.Track }
func (c ClipSplit) ChangedTrack() TrackID         { return c.Track }
func (c VisibilityChanged) ChangedTrack() TrackID { return c.Track }

func (ClipAdded) appliedChange()         {}
func (ClipRemoved) appliedChange()       {}
func (ClipMoved) appliedChange()         {}
func (ClipSplit) appliedChange()         {}
func (VisibilityChanged) appliedChange() {}

// Conflict is an edit a dependent could not take without breaking an
// invariant. The dependent is left unchanged for that edit.
type Conflict struct {
	Track TrackID
	Edit  Edit
	Err   error
}

// PropagationResult summarizes one PropagateChanges call.
type PropagationResult struct {
	Changes   []AppliedChange
	Conflicts []Conflict

	// Visited lists dependents reached, in visit order.
	Visited []TrackID
}

// PropagateChanges pushes an edit made on origin to every track that
// depends on it, directly or transitively.
//
// # Description
//
// Breadth-first over reverse edges with a visited set, so each track is
// reached at most once even if the graph were cyclic. Each dependent
// receives the edit as seen by the track it depends on:
//   - Locked: the edit is mirrored verbatim.
//   - TimingDependent: only shifts, re-mapped by
//     t - from.Anchor + dependent.Anchor.
//   - VisibilityDependent: only visibility changes.
//
// A dependent that does not accept the edit kind does not forward it. An
// edit that would violate a dependent's invariants is skipped, reported as
// a Conflict, and not forwarded from that dependent.
//
// # Inputs
//
//   - origin: The track the edit was made on. Must exist.
//   - edit: The edit, in origin's time.
//
// # Outputs
//
//   - PropagationResult: Applied changes in application order, conflicts,
//     and visited tracks.
func (t *Timeline) PropagateChanges(origin TrackID, edit Edit) PropagationResult {
	var res PropagationResult
	if !t.hasTrack(origin) {
		res.Conflicts = append(res.Conflicts, Conflict{Track: origin, Edit: edit, Err: trackNotFound(origin)})
		return res
	}

	type item struct {
		track TrackID
		edit  Edit
	}
	visited := map[TrackID]struct{}{origin: {}}
	queue := []item{{track: origin, edit: edit}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		from := t.tracks[cur.track]

		for _, dep := range t.graph.Dependents(cur.track) {
			if _, seen := visited[dep]; seen {
				continue
			}
			rel := t.graph.Relationship(dep, cur.track)
			if !rel.accepts(cur.edit) {
				continue
			}
			visited[dep] = struct{}{}
			res.Visited = append(res.Visited, dep)

			e := cur.edit
			if rel == TimingDependent {
				e = e.remap(t.tracks[dep].Anchor - from.Anchor)
			}
			changes, err := t.applyEdit(dep, e)
			if err != nil {
				res.Conflicts = append(res.Conflicts, Conflict{Track: dep, Edit: e, Err: err})
				continue
			}
			res.Changes = append(res.Changes, changes...)
			queue = append(queue, item{track: dep, edit: e})
		}
	}
	return res
}

// applyEdit applies e to one track, all or nothing.
func (t *Timeline) applyEdit(id TrackID, e Edit) ([]AppliedChange, error) {
	tr := t.tracks[id]
	switch e.Kind {
	case EditInsert:
		c := e.Clip
		c.ID = NewClipID()
		if err := t.AddClip(id, c); err != nil {
			return nil, err
		}
		return []AppliedChange{ClipAdded{Track: id, Clip: c}}, nil

	case EditRemove:
		var doomed []ClipID
		for _, c := range tr.Clips {
			if c.Position >= e.Start && c.End() <= e.End {
				doomed = append(doomed, c.ID)
			}
		}
		changes := make([]AppliedChange, 0, len(doomed))
		for _, cid := range doomed {
			c, err := t.RemoveClip(id, cid)
			if err != nil {
				return nil, err
			}
			changes = append(changes, ClipRemoved{Track: id, Clip: c})
		}
		return changes, nil

	case EditShift:
		return t.applyShift(id, e)

	case EditSplit:
		for _, c := range tr.Clips {
			if !c.Contains(e.At) {
				continue
			}
			left, right, err := t.SplitClip(id, c.ID, e.At)
			if err != nil {
				return nil, err
			}
			return []AppliedChange{ClipSplit{Track: id, Original: c, Left: left, Right: right}}, nil
		}
		return nil, nil

	case EditVisibility:
		if tr.Muted == e.Muted && tr.Hidden == e.Hidden {
			return nil, nil
		}
		ch := VisibilityChanged{
			Track:     id,
			OldMuted:  tr.Muted,
			OldHidden: tr.Hidden,
			Muted:     e.Muted,
			Hidden:    e.Hidden,
		}
		tr.Muted, tr.Hidden = e.Muted, e.Hidden
		return []AppliedChange{ch}, nil
	}
	return nil, invalid("propagate", fmt.Sprintf("unknown edit kind %d", int(e.Kind)))
}

// applyShift moves every clip positioned in [Start, End) by Delta after
// checking the resulting layout is valid.
func (t *Timeline) applyShift(id TrackID, e Edit) ([]AppliedChange, error) {
	if e.Delta == 0 {
		return nil, nil
	}
	tr := t.tracks[id]

	var moving []Clip
	layout := make([]Clip, 0, len(tr.Clips))
	for _, c := range tr.Clips {
		if c.Position >= e.Start && c.Position < e.End {
			c.Position += e.Delta
			if c.Position < 0 {
				return nil, invalid("shift", fmt.Sprintf("clip %s would start at %s", c.ID, c.Position))
			}
			moving = append(moving, c)
		}
		layout = append(layout, c)
	}
	if len(moving) == 0 {
		return nil, nil
	}
	sortClips(layout)
	for i := 1; i < len(layout); i++ {
		if layout[i-1].End() > layout[i].Position {
			return nil, &ClipOverlapError{Track: id, Position: layout[i].Position, Conflicting: layout[i-1].ID}
		}
	}

	// Moving the leading edge first keeps each single move overlap free.
	if e.Delta > 0 {
		sort.Slice(moving, func(i, j int) bool { return moving[i].Position > moving[j].Position })
	} else {
		sort.Slice(moving, func(i, j int) bool { return moving[i].Position < moving[j].Position })
	}
	changes := make([]AppliedChange, 0, len(moving))
	for _, c := range moving {
		from := c.Position - e.Delta
		if err := t.MoveClipToTrack(id, id, c.ID, c.Position); err != nil {
			return nil, err
		}
		changes = append(changes, ClipMoved{Track: id, Clip: c.ID, From: from, To: c.Position})
	}
	return changes, nil
}
