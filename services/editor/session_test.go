// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package editor

import (
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/montage/services/editor/history"
	"github.com/AleutianAI/montage/services/editor/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sec = time.Second

func clip(id timeline.ClipID, pos, dur time.Duration) timeline.Clip {
	return timeline.Clip{ID: id, AssetID: "asset", Position: pos, Duration: dur, SourceEnd: dur}
}

func tracks(s *Session) []timeline.Track {
	var out []timeline.Track
	s.View(func(tl *timeline.Timeline) { out = tl.Tracks() })
	return out
}

func TestSession_EditAndPropagationUndoTogether(t *testing.T) {
	s := NewSession(nil)
	origin, err := s.AddTrack(timeline.TrackVideo)
	require.NoError(t, err)
	mirror, err := s.AddTrack(timeline.TrackVideo)
	require.NoError(t, err)
	require.NoError(t, s.AddRelationship(mirror, origin, timeline.Locked))
	before := tracks(s)

	require.NoError(t, s.AddClip(origin, clip("c", 0, 2*sec)))
	after := tracks(s)
	require.Len(t, after[1].Clips, 1, "clip mirrored onto locked dependent")

	require.NoError(t, s.Undo())
	assert.Equal(t, before, tracks(s), "one undo reverts edit and propagation")

	require.NoError(t, s.Redo())
	assert.Equal(t, after, tracks(s))
}

func TestSession_MoveShiftsDependents(t *testing.T) {
	s := NewSession(nil)
	origin, _ := s.AddTrack(timeline.TrackVideo)
	music, _ := s.AddTrack(timeline.TrackAudio)
	require.NoError(t, s.AddRelationship(music, origin, timeline.TimingDependent))

	require.NoError(t, s.AddClip(origin, clip("v", 0, 2*sec)))
	require.NoError(t, s.AddClip(music, clip("m", 0, sec)))

	require.NoError(t, s.MoveClip(origin, origin, "v", 5*sec))
	var m timeline.Clip
	s.View(func(tl *timeline.Timeline) {
		var err error
		m, err = tl.Clip(music, "m")
		require.NoError(t, err)
	})
	assert.Equal(t, 5*sec, m.Position)

	require.NoError(t, s.Undo())
	s.View(func(tl *timeline.Timeline) {
		m, _ = tl.Clip(music, "m")
	})
	assert.Equal(t, time.Duration(0), m.Position)
}

func TestSession_CrossTrackMoveMirrorsBothSides(t *testing.T) {
	s := NewSession(nil)
	a, _ := s.AddTrack(timeline.TrackVideo)
	b, _ := s.AddTrack(timeline.TrackVideo)
	mirrorA, _ := s.AddTrack(timeline.TrackVideo)
	mirrorB, _ := s.AddTrack(timeline.TrackVideo)
	require.NoError(t, s.AddRelationship(mirrorA, a, timeline.Locked))
	require.NoError(t, s.AddRelationship(mirrorB, b, timeline.Locked))

	require.NoError(t, s.AddClip(a, clip("c", 0, 2*sec)))
	before := tracks(s)
	require.Len(t, before[2].Clips, 1)

	require.NoError(t, s.MoveClip(a, b, "c", 3*sec))
	after := tracks(s)
	assert.Empty(t, after[2].Clips, "source mirror loses the clip")
	require.Len(t, after[3].Clips, 1, "destination mirror gains the clip")
	assert.Equal(t, 3*sec, after[3].Clips[0].Position)
	assert.Equal(t, 2*sec, after[3].Clips[0].Duration)

	require.NoError(t, s.Undo())
	assert.Equal(t, before, tracks(s), "one undo reverts the move on every side")
}

func TestSession_LockedTrackRejectsClipEdits(t *testing.T) {
	s := NewSession(nil)
	tr, _ := s.AddTrack(timeline.TrackVideo)
	require.NoError(t, s.AddClip(tr, clip("c", 0, 2*sec)))
	require.NoError(t, s.SetLocked(tr, true))
	undoDepth := s.UndoLen()

	assert.ErrorIs(t, s.AddClip(tr, clip("d", 3*sec, sec)), timeline.ErrInvalidOperation)
	_, err := s.RemoveClip(tr, "c")
	assert.ErrorIs(t, err, timeline.ErrInvalidOperation)
	_, _, err = s.SplitClip(tr, "c", sec)
	assert.ErrorIs(t, err, timeline.ErrInvalidOperation)
	assert.Equal(t, undoDepth, s.UndoLen(), "rejected edits record nothing")

	require.NoError(t, s.SetLocked(tr, false))
	_, _, err = s.SplitClip(tr, "c", sec)
	assert.NoError(t, err)
}

func TestSession_FailedEditRecordsNothing(t *testing.T) {
	s := NewSession(nil)
	tr, _ := s.AddTrack(timeline.TrackVideo)
	require.NoError(t, s.AddClip(tr, clip("c", 0, 2*sec)))
	depth := s.UndoLen()

	err := s.AddClip(tr, clip("d", sec, 2*sec))
	assert.ErrorIs(t, err, timeline.ErrClipOverlap)
	assert.Equal(t, depth, s.UndoLen())
}

func TestSession_ExplicitTransaction(t *testing.T) {
	s := NewSession(nil)
	tr, _ := s.AddTrack(timeline.TrackVideo)
	before := tracks(s)

	require.NoError(t, s.BeginTransaction("rough cut"))
	require.NoError(t, s.AddClip(tr, clip("a", 0, sec)))
	require.NoError(t, s.AddClip(tr, timeline.Clip{ID: "b", AssetID: "asset", Position: sec, Duration: sec, SourceStart: sec, SourceEnd: 2 * sec}))
	merged, err := s.MergeClips(tr, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, timeline.ClipID("a"), merged.ID)
	pushed, err := s.CommitTransaction()
	require.NoError(t, err)
	assert.True(t, pushed)

	assert.Equal(t, []string{"add track", "rough cut"}, s.HistoryDescriptions())
	require.NoError(t, s.Undo())
	assert.Equal(t, before, tracks(s))
}

func TestSession_ExplicitRollback(t *testing.T) {
	s := NewSession(nil)
	tr, _ := s.AddTrack(timeline.TrackVideo)
	require.NoError(t, s.AddClip(tr, clip("a", 0, 4*sec)))
	before := tracks(s)

	require.NoError(t, s.BeginTransaction(""))
	_, _, err := s.SplitClip(tr, "a", sec)
	require.NoError(t, err)
	require.NoError(t, s.SetHidden(tr, true))
	require.NoError(t, s.RollbackTransaction())

	assert.Equal(t, before, tracks(s))
}

func TestSession_VisibilityPropagates(t *testing.T) {
	s := NewSession(nil)
	v, _ := s.AddTrack(timeline.TrackVideo)
	a, _ := s.AddTrack(timeline.TrackAudio)
	require.NoError(t, s.AddRelationship(a, v, timeline.VisibilityDependent))

	require.NoError(t, s.SetMuted(v, true))
	got := tracks(s)
	assert.True(t, got[1].Muted)

	require.NoError(t, s.Undo())
	got = tracks(s)
	assert.False(t, got[0].Muted)
	assert.False(t, got[1].Muted)
}

func TestSession_CycleRejected(t *testing.T) {
	s := NewSession(nil)
	a, _ := s.AddTrack(timeline.TrackVideo)
	b, _ := s.AddTrack(timeline.TrackVideo)
	require.NoError(t, s.AddRelationship(a, b, timeline.Locked))
	assert.ErrorIs(t, s.AddRelationship(b, a, timeline.Locked), timeline.ErrCircularDependency)

	require.NoError(t, s.RemoveRelationship(a, b))
	require.NoError(t, s.Undo())
	s.View(func(tl *timeline.Timeline) {
		assert.Equal(t, timeline.Locked, tl.Graph().Relationship(a, b))
	})
}

func TestSession_RemoveTrackUndoRestoresEdges(t *testing.T) {
	s := NewSession(nil)
	a, _ := s.AddTrack(timeline.TrackVideo)
	b, _ := s.AddTrack(timeline.TrackVideo)
	require.NoError(t, s.AddRelationship(b, a, timeline.Locked))

	require.NoError(t, s.RemoveTrack(a))
	require.NoError(t, s.Undo())
	s.View(func(tl *timeline.Timeline) {
		assert.Equal(t, []timeline.TrackID{a, b}, tl.TrackIDs())
		assert.Equal(t, timeline.Locked, tl.Graph().Relationship(b, a))
	})
}

func TestSession_Capacity(t *testing.T) {
	s := NewSession(nil, WithHistoryCapacity(2))
	for i := 0; i < 4; i++ {
		_, err := s.AddTrack(timeline.TrackAudio)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.UndoLen())
	require.NoError(t, s.Undo())
	require.NoError(t, s.Undo())
	assert.ErrorIs(t, s.Undo(), history.ErrNothingToUndo)
	assert.Len(t, tracks(s), 2)
}

func TestSession_ConcurrentReaders(t *testing.T) {
	s := NewSession(nil)
	tr, _ := s.AddTrack(timeline.TrackVideo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				snap := s.Snapshot()
				_ = snap.Duration()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		pos := time.Duration(i) * sec
		require.NoError(t, s.AddClip(tr, clip(timeline.NewClipID(), pos, sec)))
	}
	wg.Wait()
	assert.Equal(t, 50*sec, s.Snapshot().Duration())
}
