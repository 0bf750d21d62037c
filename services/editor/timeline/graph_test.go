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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRelationship_RejectsCycle(t *testing.T) {
	tl := New()
	a := tl.AddTrack(TrackVideo)
	b := tl.AddTrack(TrackVideo)

	require.NoError(t, tl.AddRelationship(a, b, Locked))
	err := tl.AddRelationship(b, a, Locked)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircularDependency)

	var cyc *CircularDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, b, cyc.Source)
	assert.Equal(t, a, cyc.Target)
	assert.Equal(t, Independent, tl.Graph().Relationship(b, a), "rejected edge is not stored")
}

func TestAddRelationship_TransitiveCycleAndSelf(t *testing.T) {
	tl := New()
	a := tl.AddTrack(TrackVideo)
	b := tl.AddTrack(TrackVideo)
	c := tl.AddTrack(TrackVideo)
	g := tl.Graph()

	require.NoError(t, g.AddRelationship(a, b, TimingDependent))
	require.NoError(t, g.AddRelationship(b, c, VisibilityDependent))

	assert.True(t, g.WouldCreateCircularDependency(c, a))
	assert.False(t, g.WouldCreateCircularDependency(a, c))
	assert.ErrorIs(t, g.AddRelationship(c, a, Locked), ErrCircularDependency)
	assert.ErrorIs(t, g.AddRelationship(a, a, Locked), ErrCircularDependency)
}

func TestAddRelationship_MissingTrack(t *testing.T) {
	tl := New()
	a := tl.AddTrack(TrackVideo)
	assert.ErrorIs(t, tl.AddRelationship(a, "ghost", Locked), ErrTrackNotFound)
	assert.ErrorIs(t, tl.AddRelationship("ghost", a, Locked), ErrTrackNotFound)
}

func TestSetRelationship_ReplaceAndIndependent(t *testing.T) {
	tl := New()
	a := tl.AddTrack(TrackVideo)
	b := tl.AddTrack(TrackAudio)
	g := tl.Graph()

	prev, err := g.SetRelationship(a, b, Locked)
	require.NoError(t, err)
	assert.Equal(t, Independent, prev)

	prev, err = g.SetRelationship(a, b, TimingDependent)
	require.NoError(t, err)
	assert.Equal(t, Locked, prev)

	prev, err = g.SetRelationship(a, b, Independent)
	require.NoError(t, err)
	assert.Equal(t, TimingDependent, prev)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.Dependents(b))
}

func TestRemoveRelationship(t *testing.T) {
	tl := New()
	a := tl.AddTrack(TrackVideo)
	b := tl.AddTrack(TrackVideo)
	g := tl.Graph()

	_, ok := g.RemoveRelationship(a, b)
	assert.False(t, ok, "absent edge is a no-op")

	require.NoError(t, g.AddRelationship(a, b, Locked))
	assert.Equal(t, []TrackID{a}, g.Dependents(b))
	assert.Equal(t, []TrackID{b}, g.Dependencies(a))

	rel, ok := g.RemoveRelationship(a, b)
	assert.True(t, ok)
	assert.Equal(t, Locked, rel)
	assert.Empty(t, g.Dependents(b))
	assert.Empty(t, g.Edges())
}

func TestRelationship_Text(t *testing.T) {
	for r := Independent; r <= VisibilityDependent; r++ {
		text, err := r.MarshalText()
		require.NoError(t, err)
		var back Relationship
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, r, back)
	}
	_, err := ParseRelationship("sideways")
	assert.Error(t, err)
}

func TestPropagate_LockedMirrorsEdits(t *testing.T) {
	tl := New()
	origin := tl.AddTrack(TrackVideo)
	mirror := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddRelationship(mirror, origin, Locked))

	clip := clipAt("c", sec, 2*sec)
	require.NoError(t, tl.AddClip(origin, clip))
	res := tl.PropagateChanges(origin, InsertEdit(clip))
	require.Empty(t, res.Conflicts)
	require.Len(t, res.Changes, 1)

	added, ok := res.Changes[0].(ClipAdded)
	require.True(t, ok)
	assert.Equal(t, mirror, added.Track)
	assert.NotEqual(t, clip.ID, added.Clip.ID, "mirrored clip gets its own id")
	assert.Equal(t, clip.Position, added.Clip.Position)

	res = tl.PropagateChanges(origin, SplitEdit(2*sec))
	require.Len(t, res.Changes, 1)
	split := res.Changes[0].(ClipSplit)
	assert.Equal(t, 2*sec, split.Right.Position)

	res = tl.PropagateChanges(origin, RemoveEdit(0, 10*sec))
	assert.Len(t, res.Changes, 2)
	got, _ := tl.Track(mirror)
	assert.Empty(t, got.Clips)
}

func TestPropagate_TimingDependentRemapsAnchors(t *testing.T) {
	tl := New()
	origin := tl.AddTrack(TrackVideo)
	music := tl.AddTrack(TrackAudio)
	_, err := tl.SetAnchor(origin, 10*sec)
	require.NoError(t, err)
	_, err = tl.SetAnchor(music, 4*sec)
	require.NoError(t, err)
	require.NoError(t, tl.AddRelationship(music, origin, TimingDependent))

	// Origin time [12s, 20s) is music time [6s, 14s).
	require.NoError(t, tl.AddClip(music, clipAt("early", 0, 2*sec)))
	require.NoError(t, tl.AddClip(music, clipAt("inside", 6*sec, 2*sec)))

	res := tl.PropagateChanges(origin, ShiftEdit(12*sec, 20*sec, 3*sec))
	require.Empty(t, res.Conflicts)
	require.Len(t, res.Changes, 1)
	moved := res.Changes[0].(ClipMoved)
	assert.Equal(t, ClipID("inside"), moved.Clip)
	assert.Equal(t, 6*sec, moved.From)
	assert.Equal(t, 9*sec, moved.To)

	res = tl.PropagateChanges(origin, InsertEdit(clipAt("x", 0, sec)))
	assert.Empty(t, res.Changes, "timing dependents ignore inserts")
	assert.Empty(t, res.Visited)
}

func TestPropagate_VisibilityDependent(t *testing.T) {
	tl := New()
	origin := tl.AddTrack(TrackVideo)
	dep := tl.AddTrack(TrackAudio)
	require.NoError(t, tl.AddRelationship(dep, origin, VisibilityDependent))

	res := tl.PropagateChanges(origin, VisibilityEdit(true, true))
	require.Len(t, res.Changes, 1)
	vc := res.Changes[0].(VisibilityChanged)
	assert.False(t, vc.OldMuted)
	got, _ := tl.Track(dep)
	assert.True(t, got.Muted)
	assert.True(t, got.Hidden)

	res = tl.PropagateChanges(origin, ShiftEdit(0, sec, sec))
	assert.Empty(t, res.Visited)
}

func TestPropagate_TransitiveChain(t *testing.T) {
	tl := New()
	ids := make([]TrackID, 50)
	for i := range ids {
		ids[i] = tl.AddTrack(TrackVideo)
		if i > 0 {
			require.NoError(t, tl.AddRelationship(ids[i], ids[i-1], Locked))
		}
	}
	c := clipAt("root", 0, sec)
	require.NoError(t, tl.AddClip(ids[0], c))

	res := tl.PropagateChanges(ids[0], InsertEdit(c))
	assert.Len(t, res.Visited, 49)
	assert.Len(t, res.Changes, 49)
	for _, id := range ids[1:] {
		tr, _ := tl.Track(id)
		assert.Len(t, tr.Clips, 1)
	}
}

func TestPropagate_ConflictIsSkipped(t *testing.T) {
	tl := New()
	origin := tl.AddTrack(TrackVideo)
	dep := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddRelationship(dep, origin, Locked))
	require.NoError(t, tl.AddClip(dep, clipAt("blocker", 0, 5*sec)))

	c := clipAt("c", sec, sec)
	require.NoError(t, tl.AddClip(origin, c))
	res := tl.PropagateChanges(origin, InsertEdit(c))
	assert.Empty(t, res.Changes)
	require.Len(t, res.Conflicts, 1)
	assert.ErrorIs(t, res.Conflicts[0].Err, ErrClipOverlap)

	// A shift that would collide moves nothing on the dependent.
	require.NoError(t, tl.AddClip(dep, clipAt("tail", 6*sec, sec)))
	res = tl.PropagateChanges(origin, ShiftEdit(6*sec, 10*sec, -3*sec))
	require.Len(t, res.Conflicts, 1)
	tail, err := tl.Clip(dep, "tail")
	require.NoError(t, err)
	assert.Equal(t, 6*sec, tail.Position)
}

func TestPropagate_ShiftMovesAdjacentClips(t *testing.T) {
	tl := New()
	origin := tl.AddTrack(TrackVideo)
	dep := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddRelationship(dep, origin, Locked))
	require.NoError(t, tl.AddClip(dep, clipAt("a", 0, 2*sec)))
	require.NoError(t, tl.AddClip(dep, clipAt("b", 2*sec, 2*sec)))
	require.NoError(t, tl.AddClip(dep, clipAt("c", 4*sec, 2*sec)))

	res := tl.PropagateChanges(origin, ShiftEdit(0, time.Hour, sec))
	require.Empty(t, res.Conflicts)
	assert.Len(t, res.Changes, 3)

	got, _ := tl.Track(dep)
	assert.Equal(t, []time.Duration{sec, 3 * sec, 5 * sec},
		[]time.Duration{got.Clips[0].Position, got.Clips[1].Position, got.Clips[2].Position})
	assertNoOverlap(t, tl)
}
