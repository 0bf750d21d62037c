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
	"fmt"
	"time"
)

// Sentinel errors. Struct errors below match them via errors.Is.
var (
	// ErrTrackNotFound indicates a track ID that is not in the timeline.
	ErrTrackNotFound = errors.New("track not found")

	// ErrClipNotFound indicates a clip ID that is not on the given track.
	ErrClipNotFound = errors.New("clip not found")

	// ErrClipOverlap indicates a clip interval that would intersect another
	// clip on the same track.
	ErrClipOverlap = errors.New("clip overlap")

	// ErrInvalidOperation indicates an operation whose arguments violate a
	// precondition.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrCircularDependency indicates a relationship that would close a cycle.
	ErrCircularDependency = errors.New("circular dependency")
)

// TrackNotFoundError carries the missing track ID.
type TrackNotFoundError struct {
	Track TrackID
}

func (e *TrackNotFoundError) Error() string {
	return fmt.Sprintf("track %s: %v", e.Track, ErrTrackNotFound)
}

func (e *TrackNotFoundError) Is(target error) bool { return target == ErrTrackNotFound }

// ClipNotFoundError carries the track searched and the missing clip ID.
type ClipNotFoundError struct {
	Track TrackID
	Clip  ClipID
}

func (e *ClipNotFoundError) Error() string {
	return fmt.Sprintf("clip %s on track %s: %v", e.Clip, e.Track, ErrClipNotFound)
}

func (e *ClipNotFoundError) Is(target error) bool { return target == ErrClipNotFound }

// ClipOverlapError reports the position of the rejected clip and the clip
// it collided with.
type ClipOverlapError struct {
	Track       TrackID
	Position    time.Duration
	Conflicting ClipID
}

func (e *ClipOverlapError) Error() string {
	return fmt.Sprintf("track %s: clip at %s overlaps clip %s: %v",
		e.Track, e.Position, e.Conflicting, ErrClipOverlap)
}

func (e *ClipOverlapError) Is(target error) bool { return target == ErrClipOverlap }

// InvalidOperationError names the rejected operation and why.
type InvalidOperationError struct {
	Op     string
	Reason string
	Err    error
}

func (e *InvalidOperationError) Error() string {
	msg := fmt.Sprintf("%s: %v: %s", e.Op, ErrInvalidOperation, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidOperationError) Is(target error) bool { return target == ErrInvalidOperation }

func (e *InvalidOperationError) Unwrap() error { return e.Err }

// CircularDependencyError reports the edge that was rejected.
type CircularDependencyError struct {
	Source TrackID
	Target TrackID
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("relationship %s -> %s: %v", e.Source, e.Target, ErrCircularDependency)
}

func (e *CircularDependencyError) Is(target error) bool { return target == ErrCircularDependency }

func invalid(op, reason string) error {
	return &InvalidOperationError{Op: op, Reason: reason}
}

func invalidErr(op string, err error) error {
	return &InvalidOperationError{Op: op, Reason: "invalid clip", Err: err}
}

func trackNotFound(id TrackID) error { return &TrackNotFoundError{Track: id} }
