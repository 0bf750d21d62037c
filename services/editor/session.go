// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package editor is the editing entry point: a Session owns one timeline
// and its undo history and runs every edit as a tracked operation.
//
// # Description
//
// Each Session edit applies the change to the timeline, propagates it to
// dependent tracks through the relationship graph, and records the edit
// plus every propagated change in one transaction, so a single Undo
// reverts the edit and everything it caused. An edit made while the caller
// holds an explicit transaction joins that transaction instead.
//
// Clip edits on locked tracks are rejected with
// timeline.ErrInvalidOperation. Propagation into locked tracks is not.
//
// # Thread Safety
//
// Session is safe for concurrent use. Edits take a write lock; View and
// Snapshot take a read lock. Renders should work from a Snapshot.
package editor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/AleutianAI/montage/services/editor/history"
	"github.com/AleutianAI/montage/services/editor/timeline"
)

// Session guards a timeline and its history.
type Session struct {
	mu     sync.RWMutex
	tl     *timeline.Timeline
	hist   *history.History
	logger *slog.Logger

	histOpts []history.Option
}

// Option configures a Session.
type Option func(*Session)

// WithHistoryCapacity bounds the undo stack. Zero means unbounded.
func WithHistoryCapacity(n int) Option {
	return func(s *Session) { s.histOpts = append(s.histOpts, history.WithCapacity(n)) }
}

// WithLogger sets the logger for the session and its history.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
		s.histOpts = append(s.histOpts, history.WithLogger(l))
	}
}

// NewSession creates a session over tl, or over an empty timeline if tl
// is nil.
func NewSession(tl *timeline.Timeline, opts ...Option) *Session {
	s := &Session{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "editor.Session")
	if tl == nil {
		tl = timeline.New()
	}
	s.tl = tl
	s.hist = history.New(tl, s.histOpts...)
	return s
}

// Replace swaps in a new timeline and starts a fresh history.
func (s *Session) Replace(tl *timeline.Timeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tl = tl
	s.hist = history.New(tl, s.histOpts...)
}

// View runs fn with read access to the timeline. fn must not retain tl or
// mutate it.
func (s *Session) View(fn func(tl *timeline.Timeline)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.tl)
}

// Snapshot returns a deep copy of the timeline.
func (s *Session) Snapshot() *timeline.Timeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tl.Clone()
}

// tracked runs fn inside the caller's transaction, or an implicit one
// named desc. Must be called with the write lock held.
func (s *Session) tracked(desc string, fn func() error) error {
	implicit := !s.hist.InTransaction()
	if implicit {
		if err := s.hist.BeginTransaction(desc); err != nil {
			return err
		}
	}
	if err := fn(); err != nil {
		if implicit {
			if rerr := s.hist.RollbackTransaction(); rerr != nil {
				s.logger.Error("rollback after failed edit",
					slog.String("edit", desc),
					slog.String("error", rerr.Error()))
			}
		}
		return err
	}
	if implicit {
		if _, err := s.hist.CommitTransaction(); err != nil {
			return err
		}
	}
	return nil
}

// propagate pushes an edit to dependents and records what changed.
func (s *Session) propagate(origin timeline.TrackID, edit timeline.Edit) error {
	res := s.tl.PropagateChanges(origin, edit)
	for _, ch := range res.Changes {
		for _, a := range history.FromChange(ch) {
			if err := s.hist.RecordAction(a); err != nil {
				return err
			}
		}
	}
	if len(res.Conflicts) > 0 {
		s.logger.Debug("propagation skipped conflicting edits",
			slog.String("origin", string(origin)),
			slog.String("edit", edit.Kind.String()),
			slog.Int("conflicts", len(res.Conflicts)))
	}
	return nil
}

func (s *Session) checkUnlocked(op string, ids ...timeline.TrackID) error {
	for _, id := range ids {
		tr, ok := s.tl.Track(id)
		if !ok {
			return &timeline.TrackNotFoundError{Track: id}
		}
		if tr.Locked {
			return &timeline.InvalidOperationError{Op: op, Reason: fmt.Sprintf("track %q is locked", tr.Name)}
		}
	}
	return nil
}

// AddTrack appends an empty track.
func (s *Session) AddTrack(kind timeline.TrackKind) (timeline.TrackID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id timeline.TrackID
	err := s.tracked("add track", func() error {
		id = s.tl.AddTrack(kind)
		tr, _ := s.tl.Track(id)
		return s.hist.RecordAction(history.AddTrack{Track: tr, Index: s.tl.Len() - 1})
	})
	return id, err
}

// RemoveTrack deletes a track and its relationships.
func (s *Session) RemoveTrack(id timeline.TrackID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("remove track", func() error {
		removed, err := s.tl.RemoveTrack(id)
		if err != nil {
			return err
		}
		return s.hist.RecordAction(history.RemoveTrack{Removed: removed})
	})
}

// AddClip places a clip and mirrors it to Locked dependents.
func (s *Session) AddClip(track timeline.TrackID, c timeline.Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnlocked("add clip", track); err != nil {
		return err
	}
	return s.tracked("add clip", func() error {
		if err := s.hist.Execute(history.AddClip{Track: track, Clip: c}); err != nil {
			return err
		}
		return s.propagate(track, timeline.InsertEdit(c))
	})
}

// RemoveClip deletes a clip and clears the same span on Locked dependents.
func (s *Session) RemoveClip(track timeline.TrackID, clipID timeline.ClipID) (timeline.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnlocked("remove clip", track); err != nil {
		return timeline.Clip{}, err
	}
	var removed timeline.Clip
	err := s.tracked("remove clip", func() error {
		c, err := s.tl.RemoveClip(track, clipID)
		if err != nil {
			return err
		}
		removed = c
		if err := s.hist.RecordAction(history.RemoveClip{Track: track, Clip: c}); err != nil {
			return err
		}
		return s.propagate(track, timeline.RemoveEdit(c.Position, c.End()))
	})
	return removed, err
}

// MoveClip moves a clip to position on dst.
//
// A move within one track propagates as a shift of the clip's span; a move
// to another track propagates as a removal from the source track and an
// insertion on the destination.
func (s *Session) MoveClip(src, dst timeline.TrackID, clipID timeline.ClipID, position time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnlocked("move clip", src, dst); err != nil {
		return err
	}
	return s.tracked("move clip", func() error {
		c, err := s.tl.Clip(src, clipID)
		if err != nil {
			return err
		}
		act := history.MoveClip{Src: src, Dst: dst, Clip: clipID, From: c.Position, To: position}
		if err := s.hist.Execute(act); err != nil {
			return err
		}
		if src == dst {
			return s.propagate(src, timeline.ShiftEdit(c.Position, c.End(), position-c.Position))
		}
		if err := s.propagate(src, timeline.RemoveEdit(c.Position, c.End())); err != nil {
			return err
		}
		moved := c
		moved.Position = position
		return s.propagate(dst, timeline.InsertEdit(moved))
	})
}

// SplitClip splits a clip at timeline time at.
func (s *Session) SplitClip(track timeline.TrackID, clipID timeline.ClipID, at time.Duration) (timeline.Clip, timeline.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnlocked("split clip", track); err != nil {
		return timeline.Clip{}, timeline.Clip{}, err
	}
	var left, right timeline.Clip
	err := s.tracked("split clip", func() error {
		orig, err := s.tl.Clip(track, clipID)
		if err != nil {
			return err
		}
		l, r, err := s.tl.SplitClip(track, clipID, at)
		if err != nil {
			return err
		}
		left, right = l, r
		act := history.SplitClip{Track: track, Original: orig, At: at, RightID: r.ID}
		if err := s.hist.RecordAction(act); err != nil {
			return err
		}
		return s.propagate(track, timeline.SplitEdit(at))
	})
	return left, right, err
}

// MergeClips joins two adjacent clips of the same asset.
func (s *Session) MergeClips(track timeline.TrackID, a, b timeline.ClipID) (timeline.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnlocked("merge clips", track); err != nil {
		return timeline.Clip{}, err
	}
	var merged timeline.Clip
	err := s.tracked("merge clips", func() error {
		ca, err := s.tl.Clip(track, a)
		if err != nil {
			return err
		}
		cb, err := s.tl.Clip(track, b)
		if err != nil {
			return err
		}
		if cb.Position < ca.Position {
			ca, cb = cb, ca
		}
		m, err := s.tl.MergeClips(track, a, b)
		if err != nil {
			return err
		}
		merged = m
		return s.hist.RecordAction(history.MergeClips{Track: track, First: ca, Second: cb})
	})
	return merged, err
}

// SetClipDuration retimes a clip.
func (s *Session) SetClipDuration(track timeline.TrackID, clipID timeline.ClipID, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnlocked("set clip duration", track); err != nil {
		return err
	}
	return s.tracked("set clip duration", func() error {
		old, err := s.tl.SetClipDuration(track, clipID, d)
		if err != nil {
			return err
		}
		return s.hist.RecordAction(history.SetClipDuration{Track: track, Clip: clipID, Old: old, New: d})
	})
}

// SetMuted mutes or unmutes a track and its visibility dependents.
func (s *Session) SetMuted(track timeline.TrackID, muted bool) error {
	return s.setVisibility(track, history.FlagMuted, muted)
}

// SetHidden hides or shows a track and its visibility dependents.
func (s *Session) SetHidden(track timeline.TrackID, hidden bool) error {
	return s.setVisibility(track, history.FlagHidden, hidden)
}

func (s *Session) setVisibility(track timeline.TrackID, flag history.TrackFlag, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("set "+flag.String(), func() error {
		tr, ok := s.tl.Track(track)
		if !ok {
			return &timeline.TrackNotFoundError{Track: track}
		}
		old := tr.Muted
		if flag == history.FlagHidden {
			old = tr.Hidden
		}
		if err := s.hist.Execute(history.SetTrackFlag{Track: track, Flag: flag, Old: old, New: v}); err != nil {
			return err
		}
		tr, _ = s.tl.Track(track)
		return s.propagate(track, timeline.VisibilityEdit(tr.Muted, tr.Hidden))
	})
}

// SetLocked locks or unlocks a track against clip edits.
func (s *Session) SetLocked(track timeline.TrackID, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("set locked", func() error {
		old, err := s.tl.SetLocked(track, locked)
		if err != nil {
			return err
		}
		return s.hist.RecordAction(history.SetTrackFlag{Track: track, Flag: history.FlagLocked, Old: old, New: locked})
	})
}

// SetBlend sets a track's blend mode.
func (s *Session) SetBlend(track timeline.TrackID, mode animation.BlendMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("set blend", func() error {
		old, err := s.tl.SetBlend(track, mode)
		if err != nil {
			return err
		}
		return s.hist.RecordAction(history.SetBlend{Track: track, Old: old, New: mode})
	})
}

// SetCurves replaces a track's keyframe curves.
func (s *Session) SetCurves(track timeline.TrackID, curves animation.Curves) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("set keyframes", func() error {
		old, err := s.tl.SetCurves(track, curves)
		if err != nil {
			return err
		}
		return s.hist.RecordAction(history.SetCurves{Track: track, Old: old, New: curves.Clone()})
	})
}

// SetAnchor sets a track's timing anchor.
func (s *Session) SetAnchor(track timeline.TrackID, anchor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("set anchor", func() error {
		old, err := s.tl.SetAnchor(track, anchor)
		if err != nil {
			return err
		}
		return s.hist.RecordAction(history.SetAnchor{Track: track, Old: old, New: anchor})
	})
}

// RenameTrack changes a track's name.
func (s *Session) RenameTrack(track timeline.TrackID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("rename track", func() error {
		old, err := s.tl.SetName(track, name)
		if err != nil {
			return err
		}
		return s.hist.RecordAction(history.RenameTrack{Track: track, Old: old, New: name})
	})
}

// AddRelationship makes source depend on target.
func (s *Session) AddRelationship(source, target timeline.TrackID, rel timeline.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("add relationship", func() error {
		old, err := s.tl.Graph().SetRelationship(source, target, rel)
		if err != nil {
			return err
		}
		return s.hist.RecordAction(history.SetRelationship{Source: source, Target: target, Old: old, New: rel})
	})
}

// RemoveRelationship deletes the edge source -> target. Absent edges are a
// no-op and record nothing.
func (s *Session) RemoveRelationship(source, target timeline.TrackID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracked("remove relationship", func() error {
		old, ok := s.tl.Graph().RemoveRelationship(source, target)
		if !ok {
			return nil
		}
		return s.hist.RecordAction(history.SetRelationship{Source: source, Target: target, Old: old, New: timeline.Independent})
	})
}

// BeginTransaction opens an explicit transaction. Edits until Commit or
// Rollback join it.
func (s *Session) BeginTransaction(description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.BeginTransaction(description)
}

// CommitTransaction closes the explicit transaction.
func (s *Session) CommitTransaction() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.CommitTransaction()
}

// RollbackTransaction reverts and discards the explicit transaction.
func (s *Session) RollbackTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.RollbackTransaction()
}

// Undo reverts the most recent edit.
func (s *Session) Undo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Undo()
}

// Redo re-applies the most recently undone edit.
func (s *Session) Redo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Redo()
}

// CanUndo reports whether there is an edit to undo.
func (s *Session) CanUndo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hist.CanUndo()
}

// CanRedo reports whether there is an edit to redo.
func (s *Session) CanRedo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hist.CanRedo()
}

// UndoLen returns the number of undoable entries.
func (s *Session) UndoLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hist.UndoLen()
}

// HistoryDescriptions lists undoable entries from oldest to newest.
func (s *Session) HistoryDescriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.hist.UndoEntries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Describe()
	}
	return out
}
