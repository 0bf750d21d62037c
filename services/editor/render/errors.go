// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/montage/services/editor/timeline"
)

var (
	// ErrCancelled matches any RenderError of KindCancelled.
	ErrCancelled = errors.New("render cancelled")

	// ErrAlreadyStarted is returned when Run is called twice on a Pipeline.
	ErrAlreadyStarted = errors.New("render pipeline already started")

	// ErrNothingToRender is returned for a timeline with no renderable track.
	ErrNothingToRender = errors.New("timeline has nothing to render")
)

// ErrorKind classifies a RenderError.
type ErrorKind int

const (
	KindTranscoder ErrorKind = iota
	KindComposition
	KindIO
	KindTimeline
	KindCancelled
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindTranscoder:
		return "transcoder"
	case KindComposition:
		return "composition"
	case KindIO:
		return "io"
	case KindTimeline:
		return "timeline"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RenderError reports why a render did not complete.
type RenderError struct {
	Kind  ErrorKind
	Stage Stage

	// Track is set when the failure belongs to one track's preparation.
	Track timeline.TrackID

	// Diagnostic is the tail of the external tool's output, if any.
	Diagnostic string

	Err error
}

func (e *RenderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "render %s error during %s", e.Kind, e.Stage)
	if e.Track != "" {
		fmt.Fprintf(&b, " (track %s)", e.Track)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Diagnostic != "" {
		fmt.Fprintf(&b, "\n%s", e.Diagnostic)
	}
	return b.String()
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Is matches ErrCancelled for cancelled renders.
func (e *RenderError) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

// diagnoser is implemented by transcoder errors that carry tool output.
type diagnoser interface {
	Diagnostic() string
}

func diagnosticOf(err error) string {
	var d diagnoser
	if errors.As(err, &d) {
		return d.Diagnostic()
	}
	return ""
}
