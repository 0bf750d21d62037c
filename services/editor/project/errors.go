// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIncompatibleFormat matches any document that is malformed or
	// describes an invalid timeline.
	ErrIncompatibleFormat = errors.New("incompatible project format")

	// ErrUnsupportedVersion matches documents written by an unknown format
	// version.
	ErrUnsupportedVersion = errors.New("unsupported project format version")
)

// SerializationErrorKind classifies load failures.
type SerializationErrorKind int

const (
	IncompatibleFormat SerializationErrorKind = iota
	UnsupportedVersion
)

func (k SerializationErrorKind) String() string {
	if k == UnsupportedVersion {
		return "unsupported_version"
	}
	return "incompatible_format"
}

// SerializationError is returned by Load. Version is set for
// UnsupportedVersion.
type SerializationError struct {
	Kind    SerializationErrorKind
	Version int
	Err     error
}

func (e *SerializationError) Error() string {
	if e.Kind == UnsupportedVersion {
		return fmt.Sprintf("project format version %d (supported: %d): %v", e.Version, FormatVersion, ErrUnsupportedVersion)
	}
	return fmt.Sprintf("%v: %v", ErrIncompatibleFormat, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool {
	switch target {
	case ErrIncompatibleFormat:
		return e.Kind == IncompatibleFormat
	case ErrUnsupportedVersion:
		return e.Kind == UnsupportedVersion
	}
	return false
}

func incompatible(err error) error {
	return &SerializationError{Kind: IncompatibleFormat, Err: err}
}

// AssetError is one problem found by VerifyAssets.
type AssetError struct {
	AssetID string
	Path    string
	Clip    string

	// SourceEnd and AssetDuration are set when a clip reads past the end
	// of its asset.
	SourceEnd     time.Duration
	AssetDuration time.Duration

	Err error
}

func (e *AssetError) Error() string {
	if e.Clip != "" {
		return fmt.Sprintf("asset %s: clip %s reads to %s but asset is %s long",
			e.AssetID, e.Clip, e.SourceEnd, e.AssetDuration)
	}
	return fmt.Sprintf("asset %s (%s): %v", e.AssetID, e.Path, e.Err)
}

func (e *AssetError) Unwrap() error { return e.Err }
