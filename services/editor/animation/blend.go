// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package animation provides the compositing vocabulary shared by the
// timeline and the render pipeline: blend modes, easing functions, and
// keyframed property curves.
//
// # Thread Safety
//
// All types are plain values. Curves are not safe for concurrent mutation;
// callers clone before handing them to another goroutine.
package animation

import "fmt"

// BlendMode is the pixel-combination rule used when compositing a video
// layer over the layers beneath it.
type BlendMode int

const (
	// BlendNormal draws the layer over the background (alpha over).
	BlendNormal BlendMode = iota
	BlendAdd
	BlendMultiply
	BlendScreen
	BlendOverlay
	BlendSoftLight
	BlendHardLight
	BlendColorDodge
	BlendColorBurn
	BlendDifference
	BlendExclusion
)

var blendNames = [...]string{
	BlendNormal:     "normal",
	BlendAdd:        "add",
	BlendMultiply:   "multiply",
	BlendScreen:     "screen",
	BlendOverlay:    "overlay",
	BlendSoftLight:  "softlight",
	BlendHardLight:  "hardlight",
	BlendColorDodge: "colordodge",
	BlendColorBurn:  "colorburn",
	BlendDifference: "difference",
	BlendExclusion:  "exclusion",
}

// String returns the lowercase name of the blend mode.
func (m BlendMode) String() string {
	if m < 0 || int(m) >= len(blendNames) {
		return "unknown"
	}
	return blendNames[m]
}

// Valid reports whether m is one of the defined blend modes.
func (m BlendMode) Valid() bool {
	return m >= 0 && int(m) < len(blendNames)
}

// ParseBlendMode parses a blend mode name as produced by String.
//
// The empty string parses as BlendNormal.
func ParseBlendMode(s string) (BlendMode, error) {
	if s == "" {
		return BlendNormal, nil
	}
	for i, name := range blendNames {
		if name == s {
			return BlendMode(i), nil
		}
	}
	return BlendNormal, fmt.Errorf("unknown blend mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m BlendMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid blend mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *BlendMode) UnmarshalText(text []byte) error {
	parsed, err := ParseBlendMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
