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
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sec = time.Second

func clipAt(id ClipID, pos, dur time.Duration) Clip {
	return Clip{ID: id, AssetID: "asset", Position: pos, Duration: dur, SourceStart: 0, SourceEnd: dur}
}

func assertNoOverlap(t *testing.T, tl *Timeline) {
	t.Helper()
	for _, tr := range tl.Tracks() {
		for i := 1; i < len(tr.Clips); i++ {
			require.LessOrEqual(t, tr.Clips[i-1].End(), tr.Clips[i].Position,
				"track %s clips %s and %s overlap", tr.Name, tr.Clips[i-1].ID, tr.Clips[i].ID)
		}
	}
}

func TestAddTrack_DefaultNames(t *testing.T) {
	tl := New()
	v1 := tl.AddTrack(TrackVideo)
	a1 := tl.AddTrack(TrackAudio)
	v2 := tl.AddTrack(TrackVideo)

	names := map[TrackID]string{}
	for _, tr := range tl.Tracks() {
		names[tr.ID] = tr.Name
	}
	assert.Equal(t, "Video 1", names[v1])
	assert.Equal(t, "Audio 1", names[a1])
	assert.Equal(t, "Video 2", names[v2])
	assert.Equal(t, []TrackID{v1, a1, v2}, tl.TrackIDs())
}

func TestAddClip_OverlapScenario(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)

	require.NoError(t, tl.AddClip(tr, clipAt("c1", 0, 5*sec)))
	require.NoError(t, tl.AddClip(tr, clipAt("c2", 5*sec, 5*sec)), "touching clips do not overlap")

	err := tl.AddClip(tr, clipAt("c3", 3*sec, 4*sec))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClipOverlap)

	var overlap *ClipOverlapError
	require.True(t, errors.As(err, &overlap))
	assert.Equal(t, 3*sec, overlap.Position)
	assert.Equal(t, ClipID("c1"), overlap.Conflicting)

	got, _ := tl.Track(tr)
	assert.Len(t, got.Clips, 2, "failed add leaves track unchanged")
}

func TestAddClip_Validation(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddClip(tr, clipAt("c1", 0, sec)))

	tests := []struct {
		name string
		clip Clip
	}{
		{"zero duration", Clip{ID: "x", Position: 2 * sec, SourceStart: 0, SourceEnd: sec}},
		{"empty source window", Clip{ID: "x", Position: 2 * sec, Duration: sec, SourceStart: sec, SourceEnd: sec}},
		{"negative position", Clip{ID: "x", Position: -sec, Duration: sec, SourceEnd: sec}},
		{"no id", Clip{Position: 2 * sec, Duration: sec, SourceEnd: sec}},
		{"duplicate id", clipAt("c1", 5*sec, sec)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tl.AddClip(tr, tt.clip)
			assert.ErrorIs(t, err, ErrInvalidOperation)
		})
	}

	assert.ErrorIs(t, tl.AddClip("missing", clipAt("y", 0, sec)), ErrTrackNotFound)
}

func TestAddClip_KeepsSorted(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackAudio)
	require.NoError(t, tl.AddClip(tr, clipAt("b", 10*sec, sec)))
	require.NoError(t, tl.AddClip(tr, clipAt("a", 0, sec)))
	require.NoError(t, tl.AddClip(tr, clipAt("c", 5*sec, sec)))

	got, _ := tl.Track(tr)
	ids := []ClipID{got.Clips[0].ID, got.Clips[1].ID, got.Clips[2].ID}
	assert.Equal(t, []ClipID{"a", "c", "b"}, ids)
	assert.Equal(t, 11*sec, tl.Duration())
}

func TestRemoveClip(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddClip(tr, clipAt("c1", 0, sec)))

	c, err := tl.RemoveClip(tr, "c1")
	require.NoError(t, err)
	assert.Equal(t, ClipID("c1"), c.ID)

	_, err = tl.RemoveClip(tr, "c1")
	var nf *ClipNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, tr, nf.Track)
	assert.ErrorIs(t, err, ErrClipNotFound)
}

func TestSplitClip_Scenario(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)
	c1 := Clip{ID: "c1", AssetID: "a", Position: 0, Duration: 5 * sec, SourceStart: 10 * sec, SourceEnd: 15 * sec}
	require.NoError(t, tl.AddClip(tr, c1))

	at := 2500 * time.Millisecond
	left, right, err := tl.SplitClip(tr, "c1", at)
	require.NoError(t, err)

	assert.Equal(t, ClipID("c1"), left.ID)
	assert.Equal(t, time.Duration(0), left.Position)
	assert.Equal(t, at, left.Duration)
	assert.Equal(t, c1.SourceStart+at, left.SourceEnd)

	assert.NotEqual(t, ClipID("c1"), right.ID)
	assert.Equal(t, at, right.Position)
	assert.Equal(t, 5*sec-at, right.Duration)
	assert.Equal(t, c1.SourceStart+at, right.SourceStart)
	assert.Equal(t, c1.SourceEnd, right.SourceEnd)
	assertNoOverlap(t, tl)
}

func TestSplitClip_Retimed(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)
	// 10s of source played over 5s.
	require.NoError(t, tl.AddClip(tr, Clip{ID: "c", AssetID: "a", Duration: 5 * sec, SourceEnd: 10 * sec}))

	left, right, err := tl.SplitClip(tr, "c", 2*sec)
	require.NoError(t, err)
	assert.Equal(t, 4*sec, left.SourceEnd)
	assert.Equal(t, 4*sec, right.SourceStart)
}

func TestSplitClip_OutsideClip(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddClip(tr, clipAt("c", sec, 2*sec)))

	for _, at := range []time.Duration{0, sec, 3 * sec, 4 * sec} {
		_, _, err := tl.SplitClip(tr, "c", at)
		assert.ErrorIs(t, err, ErrInvalidOperation, "at %s", at)
	}
}

func TestMergeClips(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddClip(tr, Clip{ID: "a", AssetID: "x", Duration: 5 * sec, SourceEnd: 5 * sec}))
	_, right, err := tl.SplitClip(tr, "a", 2*sec)
	require.NoError(t, err)

	merged, err := tl.MergeClips(tr, right.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, ClipID("a"), merged.ID, "earlier clip's id is kept")
	assert.Equal(t, 5*sec, merged.Duration)
	assert.Equal(t, 5*sec, merged.SourceEnd)

	got, _ := tl.Track(tr)
	assert.Len(t, got.Clips, 1)
}

func TestMergeClips_Rejections(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddClip(tr, Clip{ID: "a", AssetID: "x", Duration: sec, SourceEnd: sec}))
	require.NoError(t, tl.AddClip(tr, Clip{ID: "gap", AssetID: "x", Position: 2 * sec, Duration: sec, SourceStart: sec, SourceEnd: 2 * sec}))
	require.NoError(t, tl.AddClip(tr, Clip{ID: "other", AssetID: "y", Position: 3 * sec, Duration: sec, SourceStart: 2 * sec, SourceEnd: 3 * sec}))
	require.NoError(t, tl.AddClip(tr, Clip{ID: "jump", AssetID: "y", Position: 4 * sec, Duration: sec, SourceStart: 9 * sec, SourceEnd: 10 * sec}))

	_, err := tl.MergeClips(tr, "a", "gap")
	assert.ErrorIs(t, err, ErrInvalidOperation, "not contiguous")
	_, err = tl.MergeClips(tr, "gap", "other")
	assert.ErrorIs(t, err, ErrInvalidOperation, "different assets")
	_, err = tl.MergeClips(tr, "other", "jump")
	assert.ErrorIs(t, err, ErrInvalidOperation, "source discontinuity")
	_, err = tl.MergeClips(tr, "a", "a")
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestMoveClipToTrack(t *testing.T) {
	tl := New()
	v1 := tl.AddTrack(TrackVideo)
	v2 := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddClip(v1, clipAt("a", 0, 2*sec)))
	require.NoError(t, tl.AddClip(v2, clipAt("b", 5*sec, 2*sec)))

	t.Run("same track ignores itself", func(t *testing.T) {
		require.NoError(t, tl.MoveClipToTrack(v1, v1, "a", sec))
		c, err := tl.Clip(v1, "a")
		require.NoError(t, err)
		assert.Equal(t, sec, c.Position)
	})

	t.Run("collision is atomic", func(t *testing.T) {
		err := tl.MoveClipToTrack(v1, v2, "a", 6*sec)
		assert.ErrorIs(t, err, ErrClipOverlap)
		_, err = tl.Clip(v1, "a")
		assert.NoError(t, err, "clip still on source track")
	})

	t.Run("cross track", func(t *testing.T) {
		require.NoError(t, tl.MoveClipToTrack(v1, v2, "a", 0))
		_, err := tl.Clip(v1, "a")
		assert.ErrorIs(t, err, ErrClipNotFound)
		c, err := tl.Clip(v2, "a")
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), c.Position)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		a1 := tl.AddTrack(TrackAudio)
		err := tl.MoveClipToTrack(v2, a1, "a", 10*sec)
		assert.ErrorIs(t, err, ErrInvalidOperation)
		c, err := tl.Clip(v2, "a")
		require.NoError(t, err, "clip still on source track")
		assert.Equal(t, time.Duration(0), c.Position)
		tracks := tl.Tracks()
		assert.Empty(t, tracks[len(tracks)-1].Clips)
	})
}

func TestSetClipDuration(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddClip(tr, clipAt("a", 0, 2*sec)))
	require.NoError(t, tl.AddClip(tr, clipAt("b", 3*sec, sec)))

	old, err := tl.SetClipDuration(tr, "a", 3*sec)
	require.NoError(t, err)
	assert.Equal(t, 2*sec, old)

	_, err = tl.SetClipDuration(tr, "a", 4*sec)
	assert.ErrorIs(t, err, ErrClipOverlap)
	_, err = tl.SetClipDuration(tr, "a", 0)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestTrackSetters(t *testing.T) {
	tl := New()
	tr := tl.AddTrack(TrackVideo)

	old, err := tl.SetMuted(tr, true)
	require.NoError(t, err)
	assert.False(t, old)

	_, err = tl.SetBlend(tr, animation.BlendScreen)
	require.NoError(t, err)
	_, err = tl.SetBlend(tr, animation.BlendMode(99))
	assert.ErrorIs(t, err, ErrInvalidOperation)

	curves := animation.Curves{animation.PropertyOpacity: {{Time: 0, Value: 0}, {Time: sec, Value: 1}}}
	_, err = tl.SetCurves(tr, curves)
	require.NoError(t, err)
	curves[animation.PropertyOpacity][0].Value = 0.5

	got, _ := tl.Track(tr)
	assert.True(t, got.Muted)
	assert.Equal(t, animation.BlendScreen, got.Blend)
	assert.Equal(t, 0.0, got.Curves[animation.PropertyOpacity][0].Value, "curves are copied in")

	_, err = tl.SetHidden("missing", true)
	assert.ErrorIs(t, err, ErrTrackNotFound)
}

func TestRemoveAndInsertTrack_RoundTrip(t *testing.T) {
	tl := New()
	a := tl.AddTrack(TrackVideo)
	b := tl.AddTrack(TrackVideo)
	c := tl.AddTrack(TrackAudio)
	require.NoError(t, tl.AddClip(b, clipAt("x", 0, sec)))
	require.NoError(t, tl.AddRelationship(b, a, Locked))
	require.NoError(t, tl.AddRelationship(c, b, TimingDependent))

	removed, err := tl.RemoveTrack(b)
	require.NoError(t, err)
	assert.Equal(t, 1, removed.Index)
	assert.Len(t, removed.Edges, 2)
	assert.Equal(t, 0, tl.Graph().Len(), "edges touching the track are purged")

	require.NoError(t, tl.InsertTrack(removed.Track, removed.Index))
	for _, e := range removed.Edges {
		require.NoError(t, tl.AddRelationship(e.Source, e.Target, e.Relation))
	}
	assert.Equal(t, []TrackID{a, b, c}, tl.TrackIDs())
	assert.Equal(t, Locked, tl.Graph().Relationship(b, a))

	assert.ErrorIs(t, tl.InsertTrack(removed.Track, 0), ErrInvalidOperation, "duplicate track id")
}

func TestInsertTrack_RejectsOverlappingClips(t *testing.T) {
	tl := New()
	err := tl.InsertTrack(Track{
		ID:    "t",
		Kind:  TrackVideo,
		Clips: []Clip{clipAt("a", sec, 2*sec), clipAt("b", 0, 2*sec)},
	}, 0)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Equal(t, 0, tl.Len())
}

func TestClone_IsIndependent(t *testing.T) {
	tl := New()
	a := tl.AddTrack(TrackVideo)
	b := tl.AddTrack(TrackVideo)
	require.NoError(t, tl.AddClip(a, clipAt("x", 0, sec)))
	require.NoError(t, tl.AddRelationship(b, a, Locked))

	cp := tl.Clone()
	_, err := cp.RemoveClip(a, "x")
	require.NoError(t, err)
	_, err = cp.RemoveTrack(b)
	require.NoError(t, err)

	_, err = tl.Clip(a, "x")
	assert.NoError(t, err)
	assert.Equal(t, Locked, tl.Graph().Relationship(b, a))
	assert.Equal(t, 2, tl.Len())

	c := cp.AddTrack(TrackVideo)
	assert.ErrorIs(t, tl.AddRelationship(c, a, Locked), ErrTrackNotFound, "track added to the clone is unknown to the original")
}

// Random add/remove/split/merge sequences never produce overlapping clips.
func TestNoOverlapUnderRandomEdits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tl := New()
	tr := tl.AddTrack(TrackVideo)

	for step := 0; step < 2000; step++ {
		cur, _ := tl.Track(tr)
		switch op := rng.Intn(4); {
		case op == 0 || len(cur.Clips) == 0:
			pos := time.Duration(rng.Intn(60)) * 100 * time.Millisecond
			dur := time.Duration(1+rng.Intn(20)) * 100 * time.Millisecond
			src := time.Duration(rng.Intn(10)) * sec
			_ = tl.AddClip(tr, Clip{ID: NewClipID(), AssetID: "a", Position: pos, Duration: dur, SourceStart: src, SourceEnd: src + dur})
		case op == 1:
			c := cur.Clips[rng.Intn(len(cur.Clips))]
			_, err := tl.RemoveClip(tr, c.ID)
			require.NoError(t, err)
		case op == 2:
			c := cur.Clips[rng.Intn(len(cur.Clips))]
			at := c.Position + time.Duration(rng.Int63n(int64(c.Duration)+1))
			_, _, _ = tl.SplitClip(tr, c.ID, at)
		default:
			if len(cur.Clips) < 2 {
				continue
			}
			i := rng.Intn(len(cur.Clips) - 1)
			_, _ = tl.MergeClips(tr, cur.Clips[i].ID, cur.Clips[i+1].ID)
		}
		assertNoOverlap(t, tl)
	}
}
