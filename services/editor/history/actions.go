// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"fmt"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/AleutianAI/montage/services/editor/timeline"
)

// Action is one reversible timeline edit.
//
// The set of actions is closed: every concrete type is listed in Apply and
// Revert, and an unknown type is an error rather than a silent no-op.
type Action interface {
	// Describe returns a short human-readable summary.
	Describe() string
	action()
}

// AddTrack inserts Track at Index.
type AddTrack struct {
	Track timeline.Track
	Index int
}

// RemoveTrack removes a track. Removed holds what is needed to restore it.
type RemoveTrack struct {
	Removed timeline.RemovedTrack
}

// AddClip places Clip on Track.
type AddClip struct {
	Track timeline.TrackID
	Clip  timeline.Clip
}

// RemoveClip removes Clip from Track.
type RemoveClip struct {
	Track timeline.TrackID
	Clip  timeline.Clip
}

// MoveClip moves a clip from Src at From to Dst at To.
type MoveClip struct {
	Src  timeline.TrackID
	Dst  timeline.TrackID
	Clip timeline.ClipID
	From time.Duration
	To   time.Duration
}

// SplitClip splits Original at At, naming the right half RightID.
type SplitClip struct {
	Track    timeline.TrackID
	Original timeline.Clip
	At       time.Duration
	RightID  timeline.ClipID
}

// MergeClips joins First and Second, ordered by position.
type MergeClips struct {
	Track  timeline.TrackID
	First  timeline.Clip
	Second timeline.Clip
}

// SetClipDuration retimes a clip.
type SetClipDuration struct {
	Track timeline.TrackID
	Clip  timeline.ClipID
	Old   time.Duration
	New   time.Duration
}

// TrackFlag names a boolean track property.
type TrackFlag int

const (
	FlagMuted TrackFlag = iota
	FlagHidden
	FlagLocked
)

func (f TrackFlag) String() string {
	switch f {
	case FlagMuted:
		return "muted"
	case FlagHidden:
		return "hidden"
	case FlagLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// SetTrackFlag changes a boolean track property.
type SetTrackFlag struct {
	Track timeline.TrackID
	Flag  TrackFlag
	Old   bool
	New   bool
}

// SetBlend changes a track's blend mode.
type SetBlend struct {
	Track timeline.TrackID
	Old   animation.BlendMode
	New   animation.BlendMode
}

// SetCurves replaces a track's keyframe curves.
type SetCurves struct {
	Track timeline.TrackID
	Old   animation.Curves
	New   animation.Curves
}

// SetAnchor changes a track's timing anchor.
type SetAnchor struct {
	Track timeline.TrackID
	Old   time.Duration
	New   time.Duration
}

// RenameTrack changes a track's name.
type RenameTrack struct {
	Track timeline.TrackID
	Old   string
	New   string
}

// SetRelationship changes the relationship by which Source depends on
// Target. Independent on either side means no edge.
type SetRelationship struct {
	Source timeline.TrackID
	Target timeline.TrackID
	Old    timeline.Relationship
	New    timeline.Relationship
}

func (AddTrack) action()        {}
func (RemoveTrack) action()     {}
func (AddClip) action()         {}
func (RemoveClip) action()      {}
func (MoveClip) action()        {}
func (SplitClip) action()       {}
func (MergeClips) action()      {}
func (SetClipDuration) action() {}
func (SetTrackFlag) action()    {}
func (SetBlend) action()        {}
func (SetCurves) action()       {}
func (SetAnchor) action()       {}
func (RenameTrack) action()     {}
func (SetRelationship) action() {}

func (a AddTrack) Describe() string { return fmt.Sprintf("add %s track %q", a.Track.Kind, a.Track.Name) }
func (a RemoveTrack) Describe() string {
	return fmt.Sprintf("remove track %q", a.Removed.Track.Name)
}
func (a AddClip) Describe() string { return fmt.Sprintf("add clip at %s", a.Clip.Position) }
func (a RemoveClip) Describe() string {
	return fmt.Sprintf("remove clip at %s", a.Clip.Position)
}
func (a MoveClip) Describe() string { return fmt.Sprintf("move clip %s -> %s", a.From, a.To) }
func (a SplitClip) Describe() string {
	return fmt.Sprintf("split clip at %s", a.At)
}
func (a MergeClips) Describe() string { return "merge clips" }
func (a SetClipDuration) Describe() string {
	return fmt.Sprintf("set clip duration %s -> %s", a.Old, a.New)
}
func (a SetTrackFlag) Describe() string { return fmt.Sprintf("set %s %t", a.Flag, a.New) }
func (a SetBlend) Describe() string     { return fmt.Sprintf("set blend %s", a.New) }
func (a SetCurves) Describe() string    { return "set keyframes" }
func (a SetAnchor) Describe() string    { return fmt.Sprintf("set anchor %s", a.New) }
func (a RenameTrack) Describe() string  { return fmt.Sprintf("rename track %q", a.New) }
func (a SetRelationship) Describe() string {
	return fmt.Sprintf("set relationship %s", a.New)
}

// Apply performs a against tl.
func Apply(tl *timeline.Timeline, a Action) error {
	switch a := a.(type) {
	case AddTrack:
		return tl.InsertTrack(a.Track, a.Index)
	case RemoveTrack:
		_, err := tl.RemoveTrack(a.Removed.Track.ID)
		return err
	case AddClip:
		return tl.AddClip(a.Track, a.Clip)
	case RemoveClip:
		_, err := tl.RemoveClip(a.Track, a.Clip.ID)
		return err
	case MoveClip:
		return tl.MoveClipToTrack(a.Src, a.Dst, a.Clip, a.To)
	case SplitClip:
		_, _, err := tl.SplitClipAs(a.Track, a.Original.ID, a.At, a.RightID)
		return err
	case MergeClips:
		_, err := tl.MergeClips(a.Track, a.First.ID, a.Second.ID)
		return err
	case SetClipDuration:
		_, err := tl.SetClipDuration(a.Track, a.Clip, a.New)
		return err
	case SetTrackFlag:
		return setFlag(tl, a.Track, a.Flag, a.New)
	case SetBlend:
		_, err := tl.SetBlend(a.Track, a.New)
		return err
	case SetCurves:
		_, err := tl.SetCurves(a.Track, a.New)
		return err
	case SetAnchor:
		_, err := tl.SetAnchor(a.Track, a.New)
		return err
	case RenameTrack:
		_, err := tl.SetName(a.Track, a.New)
		return err
	case SetRelationship:
		_, err := tl.Graph().SetRelationship(a.Source, a.Target, a.New)
		return err
	default:
		return fmt.Errorf("%w: unknown action %T", timeline.ErrInvalidOperation, a)
	}
}

// Revert undoes a against tl. It assumes tl is in the state Apply left it.
func Revert(tl *timeline.Timeline, a Action) error {
	switch a := a.(type) {
	case AddTrack:
		_, err := tl.RemoveTrack(a.Track.ID)
		return err
	case RemoveTrack:
		if err := tl.InsertTrack(a.Removed.Track, a.Removed.Index); err != nil {
			return err
		}
		for _, e := range a.Removed.Edges {
			if err := tl.AddRelationship(e.Source, e.Target, e.Relation); err != nil {
				return err
			}
		}
		return nil
	case AddClip:
		_, err := tl.RemoveClip(a.Track, a.Clip.ID)
		return err
	case RemoveClip:
		return tl.AddClip(a.Track, a.Clip)
	case MoveClip:
		return tl.MoveClipToTrack(a.Dst, a.Src, a.Clip, a.From)
	case SplitClip:
		return replaceClips(tl, a.Track, []timeline.ClipID{a.RightID, a.Original.ID}, a.Original)
	case MergeClips:
		return replaceClips(tl, a.Track, []timeline.ClipID{a.First.ID}, a.First, a.Second)
	case SetClipDuration:
		_, err := tl.SetClipDuration(a.Track, a.Clip, a.Old)
		return err
	case SetTrackFlag:
		return setFlag(tl, a.Track, a.Flag, a.Old)
	case SetBlend:
		_, err := tl.SetBlend(a.Track, a.Old)
		return err
	case SetCurves:
		_, err := tl.SetCurves(a.Track, a.Old)
		return err
	case SetAnchor:
		_, err := tl.SetAnchor(a.Track, a.Old)
		return err
	case RenameTrack:
		_, err := tl.SetName(a.Track, a.Old)
		return err
	case SetRelationship:
		_, err := tl.Graph().SetRelationship(a.Source, a.Target, a.Old)
		return err
	default:
		return fmt.Errorf("%w: unknown action %T", timeline.ErrInvalidOperation, a)
	}
}

func setFlag(tl *timeline.Timeline, id timeline.TrackID, f TrackFlag, v bool) error {
	var err error
	switch f {
	case FlagMuted:
		_, err = tl.SetMuted(id, v)
	case FlagHidden:
		_, err = tl.SetHidden(id, v)
	case FlagLocked:
		_, err = tl.SetLocked(id, v)
	default:
		err = fmt.Errorf("%w: unknown track flag %d", timeline.ErrInvalidOperation, int(f))
	}
	return err
}

// replaceClips removes the clips named by remove and adds add in their
// place. On failure the track is restored.
func replaceClips(tl *timeline.Timeline, track timeline.TrackID, remove []timeline.ClipID, add ...timeline.Clip) error {
	removed := make([]timeline.Clip, 0, len(remove))
	restore := func(added []timeline.Clip) {
		for _, c := range added {
			_, _ = tl.RemoveClip(track, c.ID)
		}
		for _, c := range removed {
			_ = tl.AddClip(track, c)
		}
	}
	for _, id := range remove {
		c, err := tl.RemoveClip(track, id)
		if err != nil {
			restore(nil)
			return err
		}
		removed = append(removed, c)
	}
	for i, c := range add {
		if err := tl.AddClip(track, c); err != nil {
			restore(add[:i])
			return err
		}
	}
	return nil
}

// FromChange converts a change made by graph propagation into the actions
// that reproduce it.
func FromChange(ch timeline.AppliedChange) []Action {
	switch c := ch.(type) {
	case timeline.ClipAdded:
		return []Action{AddClip{Track: c.Track, Clip: c.Clip}}
	case timeline.ClipRemoved:
		return []Action{RemoveClip{Track: c.Track, Clip: c.Clip}}
	case timeline.ClipMoved:
		return []Action{MoveClip{Src: c.Track, Dst: c.Track, Clip: c.Clip, From: c.From, To: c.To}}
	case timeline.ClipSplit:
		return []Action{SplitClip{Track: c.Track, Original: c.Original, At: c.Right.Position, RightID: c.Right.ID}}
	case timeline.VisibilityChanged:
		var out []Action
		if c.OldMuted != c.Muted {
			out = append(out, SetTrackFlag{Track: c.Track, Flag: FlagMuted, Old: c.OldMuted, New: c.Muted})
		}
		if c.OldHidden != c.Hidden {
			out = append(out, SetTrackFlag{Track: c.Track, Flag: FlagHidden, Old: c.OldHidden, New: c.Hidden})
		}
		return out
	default:
		return nil
	}
}
