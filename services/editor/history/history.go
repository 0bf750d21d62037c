// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history provides transactional undo/redo over timeline edits.
//
// # Description
//
// History keeps an undo stack and a redo stack of entries. An entry is a
// single Action or a TransactionGroup of actions that undo and redo as one
// unit. Recording a new entry clears the redo stack. With a capacity set,
// the oldest undo entry is dropped when the stack is full.
//
// # Thread Safety
//
// History is single-writer, like the Timeline it drives.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/montage/services/editor/timeline"
	"github.com/google/uuid"
)

var (
	// ErrNothingToUndo is returned by Undo and ShiftToRedo on an empty undo stack.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNothingToRedo is returned by Redo and ShiftToUndo on an empty redo stack.
	ErrNothingToRedo = errors.New("nothing to redo")

	// ErrTransactionActive is returned when a transaction is already open.
	ErrTransactionActive = fmt.Errorf("%w: transaction already active", timeline.ErrInvalidOperation)

	// ErrNoTransaction is returned by Commit and Rollback with no open transaction.
	ErrNoTransaction = fmt.Errorf("%w: no active transaction", timeline.ErrInvalidOperation)

	// ErrApplying is returned when an entry is recorded while another is
	// being applied.
	ErrApplying = fmt.Errorf("%w: history is applying an entry", timeline.ErrInvalidOperation)
)

// ActionError wraps a failure to apply or revert one action.
type ActionError struct {
	Op     string // "apply" or "revert"
	Action Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Action.Describe(), e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Mode is the history's current state.
type Mode int

const (
	ModeIdle Mode = iota
	ModeRecording
	ModeApplying
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeRecording:
		return "recording"
	case ModeApplying:
		return "applying"
	default:
		return "unknown"
	}
}

// TransactionGroup is a set of actions undone and redone as one unit.
type TransactionGroup struct {
	ID          string
	Description string
	Actions     []Action
	OpenedAt    time.Time
}

// Entry is one undo/redo stack element: exactly one of Single or Group is
// set.
type Entry struct {
	Single Action
	Group  *TransactionGroup
}

// Actions returns the entry's actions in recorded order.
func (e Entry) Actions() []Action {
	if e.Group != nil {
		return e.Group.Actions
	}
	if e.Single != nil {
		return []Action{e.Single}
	}
	return nil
}

// Describe summarizes the entry for display.
func (e Entry) Describe() string {
	switch {
	case e.Group != nil && e.Group.Description != "":
		return e.Group.Description
	case e.Group != nil:
		return fmt.Sprintf("%d changes", len(e.Group.Actions))
	case e.Single != nil:
		return e.Single.Describe()
	default:
		return ""
	}
}

// Option configures a History.
type Option func(*options)

type options struct {
	capacity int
	logger   *slog.Logger
	now      func() time.Time
}

// WithCapacity bounds the undo stack. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// History records timeline actions for undo and redo.
type History struct {
	tl       *timeline.Timeline
	undo     *entryStack[Entry]
	redo     *entryStack[Entry]
	current  *TransactionGroup
	applying bool
	capacity int
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a History driving tl.
//
// # Inputs
//
//   - tl: The timeline actions are applied to and reverted against.
//   - opts: WithCapacity, WithLogger.
//
// # Outputs
//
//   - *History: Empty history in ModeIdle.
func New(tl *timeline.Timeline, opts ...Option) *History {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &History{
		tl:       tl,
		undo:     newEntryStack[Entry](o.capacity),
		redo:     newEntryStack[Entry](o.capacity),
		capacity: o.capacity,
		logger:   o.logger.With("component", "history.History"),
		now:      o.now,
	}
}

// Mode reports the current mode.
func (h *History) Mode() Mode {
	switch {
	case h.applying:
		return ModeApplying
	case h.current != nil:
		return ModeRecording
	default:
		return ModeIdle
	}
}

// InTransaction reports whether a transaction is open.
func (h *History) InTransaction() bool { return h.current != nil }

// Capacity returns the undo stack bound, 0 if unbounded.
func (h *History) Capacity() int { return h.capacity }

// RecordAction records an action that has already been applied.
//
// # Description
//
// Inside a transaction the action joins the open group. Otherwise it is
// pushed as a single entry, the redo stack is cleared, and with a capacity
// set the oldest entry is dropped if the stack is full.
//
// # Outputs
//
//   - error: ErrApplying while an entry is being applied.
func (h *History) RecordAction(a Action) error {
	if h.applying {
		return ErrApplying
	}
	if h.current != nil {
		h.current.Actions = append(h.current.Actions, a)
		return nil
	}
	h.pushUndo(Entry{Single: a})
	h.redo.clear()
	recordAction(context.Background(), "single")
	return nil
}

// Execute applies a to the timeline and records it.
func (h *History) Execute(a Action) error {
	if h.applying {
		return ErrApplying
	}
	h.applying = true
	err := Apply(h.tl, a)
	h.applying = false
	if err != nil {
		return err
	}
	return h.RecordAction(a)
}

func (h *History) pushUndo(e Entry) {
	if dropped, ok := h.undo.push(e); ok {
		h.logger.Debug("history capacity reached, dropping oldest entry",
			slog.String("entry", dropped.Describe()),
			slog.Int("capacity", h.capacity))
		recordEviction(context.Background())
	}
}

// BeginTransaction opens a transaction group.
//
// # Outputs
//
//   - error: ErrTransactionActive if a transaction is already open.
func (h *History) BeginTransaction(description string) error {
	if h.current != nil {
		return ErrTransactionActive
	}
	h.current = &TransactionGroup{
		ID:          uuid.NewString(),
		Description: description,
		OpenedAt:    h.now(),
	}
	return nil
}

// CommitTransaction closes the open transaction.
//
// # Outputs
//
//   - bool: True if a group was pushed; false if the transaction was
//     empty and silently discarded.
//   - error: ErrNoTransaction if none is open.
func (h *History) CommitTransaction() (bool, error) {
	if h.current == nil {
		return false, ErrNoTransaction
	}
	g := h.current
	h.current = nil
	if len(g.Actions) == 0 {
		recordTransaction(context.Background(), "empty", 0)
		return false, nil
	}
	h.pushUndo(Entry{Group: g})
	h.redo.clear()
	recordTransaction(context.Background(), "commit", len(g.Actions))
	return true, nil
}

// RollbackTransaction reverts the open transaction's actions in reverse
// order and discards the group.
//
// # Outputs
//
//   - error: ErrNoTransaction if none is open; otherwise the joined revert
//     failures, if any. The group is discarded either way.
func (h *History) RollbackTransaction() error {
	if h.current == nil {
		return ErrNoTransaction
	}
	g := h.current
	h.current = nil

	h.applying = true
	defer func() { h.applying = false }()

	var errs []error
	for i := len(g.Actions) - 1; i >= 0; i-- {
		if err := Revert(h.tl, g.Actions[i]); err != nil {
			errs = append(errs, &ActionError{Op: "revert", Action: g.Actions[i], Err: err})
		}
	}
	recordTransaction(context.Background(), "rollback", len(g.Actions))
	if len(errs) > 0 {
		h.logger.Warn("rollback incomplete",
			slog.String("transaction_id", g.ID),
			slog.Int("failures", len(errs)))
	}
	return errors.Join(errs...)
}

// Undo reverts the newest undo entry and moves it to the redo stack.
//
// # Description
//
// A group is reverted in reverse order. If one action fails, the actions
// already reverted are re-applied and the entry stays on the undo stack.
//
// # Outputs
//
//   - error: ErrNothingToUndo, ErrTransactionActive, or an *ActionError.
func (h *History) Undo() error {
	if h.current != nil {
		return ErrTransactionActive
	}
	e, ok := h.undo.peek()
	if !ok {
		return ErrNothingToUndo
	}
	if err := h.revertEntry(e); err != nil {
		recordUndoRedo(context.Background(), "undo", false)
		h.logger.Warn("undo failed", slog.String("entry", e.Describe()), slog.String("error", err.Error()))
		return err
	}
	h.undo.pop()
	h.redo.push(e)
	recordUndoRedo(context.Background(), "undo", true)
	return nil
}

// Redo re-applies the newest redo entry and moves it to the undo stack.
//
// A group is re-applied in original order, with the same failure handling
// as Undo.
func (h *History) Redo() error {
	if h.current != nil {
		return ErrTransactionActive
	}
	e, ok := h.redo.peek()
	if !ok {
		return ErrNothingToRedo
	}
	if err := h.applyEntry(e); err != nil {
		recordUndoRedo(context.Background(), "redo", false)
		h.logger.Warn("redo failed", slog.String("entry", e.Describe()), slog.String("error", err.Error()))
		return err
	}
	h.redo.pop()
	h.pushUndo(e)
	recordUndoRedo(context.Background(), "redo", true)
	return nil
}

func (h *History) revertEntry(e Entry) error {
	h.applying = true
	defer func() { h.applying = false }()

	actions := e.Actions()
	for i := len(actions) - 1; i >= 0; i-- {
		if err := Revert(h.tl, actions[i]); err != nil {
			for j := i + 1; j < len(actions); j++ {
				if rerr := Apply(h.tl, actions[j]); rerr != nil {
					h.logger.Error("failed to restore after undo failure",
						slog.String("action", actions[j].Describe()),
						slog.String("error", rerr.Error()))
				}
			}
			return &ActionError{Op: "revert", Action: actions[i], Err: err}
		}
	}
	return nil
}

func (h *History) applyEntry(e Entry) error {
	h.applying = true
	defer func() { h.applying = false }()

	actions := e.Actions()
	for i, a := range actions {
		if err := Apply(h.tl, a); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := Revert(h.tl, actions[j]); rerr != nil {
					h.logger.Error("failed to restore after redo failure",
						slog.String("action", actions[j].Describe()),
						slog.String("error", rerr.Error()))
				}
			}
			return &ActionError{Op: "apply", Action: a, Err: err}
		}
	}
	return nil
}

// PeekUndo returns the newest undo entry without changing anything.
func (h *History) PeekUndo() (Entry, bool) { return h.undo.peek() }

// PeekRedo returns the newest redo entry without changing anything.
func (h *History) PeekRedo() (Entry, bool) { return h.redo.peek() }

// ShiftToRedo moves the newest undo entry to the redo stack without
// reverting it.
//
// The caller is responsible for the timeline matching the stack it chose;
// this is meant for previews that already applied the effect elsewhere.
func (h *History) ShiftToRedo() error {
	e, ok := h.undo.pop()
	if !ok {
		return ErrNothingToUndo
	}
	h.redo.push(e)
	return nil
}

// ShiftToUndo moves the newest redo entry to the undo stack without
// applying it.
func (h *History) ShiftToUndo() error {
	e, ok := h.redo.pop()
	if !ok {
		return ErrNothingToRedo
	}
	h.pushUndo(e)
	return nil
}

// Clear empties both stacks. An open transaction is left open.
func (h *History) Clear() {
	h.undo.clear()
	h.redo.clear()
}

// CanUndo reports whether Undo has an entry to revert.
func (h *History) CanUndo() bool { return h.undo.len() > 0 }

// CanRedo reports whether Redo has an entry to re-apply.
func (h *History) CanRedo() bool { return h.redo.len() > 0 }

// UndoLen returns the undo stack depth.
func (h *History) UndoLen() int { return h.undo.len() }

// RedoLen returns the redo stack depth.
func (h *History) RedoLen() int { return h.redo.len() }

// UndoEntries returns the undo stack from oldest to newest.
func (h *History) UndoEntries() []Entry { return h.undo.slice() }
