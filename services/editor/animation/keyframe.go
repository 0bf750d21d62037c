// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package animation

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Property identifies an animatable track property.
type Property string

const (
	PropertyOpacity   Property = "opacity"
	PropertyScale     Property = "scale"
	PropertyPositionX Property = "position_x"
	PropertyPositionY Property = "position_y"
	PropertyRotation  Property = "rotation"
	PropertyVolume    Property = "volume"
)

// Properties lists every animatable property in a stable order.
var Properties = []Property{
	PropertyOpacity,
	PropertyScale,
	PropertyPositionX,
	PropertyPositionY,
	PropertyRotation,
	PropertyVolume,
}

// ErrUnknownProperty is returned for property names outside Properties.
var ErrUnknownProperty = errors.New("unknown animatable property")

// Valid reports whether p is a known property.
func (p Property) Valid() bool {
	for _, known := range Properties {
		if p == known {
			return true
		}
	}
	return false
}

// Default returns the value a property has when it carries no keyframes.
func (p Property) Default() float64 {
	switch p {
	case PropertyOpacity, PropertyScale, PropertyVolume:
		return 1
	default:
		return 0
	}
}

// Keyframe is a timestamped property value.
//
// Time is relative to the start of the track. Easing shapes the segment
// from this keyframe to the next one.
type Keyframe struct {
	Time   time.Duration `json:"time_ns"`
	Value  float64       `json:"value"`
	Easing Easing        `json:"easing"`
}

// Curve is a keyframe sequence sorted by Time with unique times.
type Curve []Keyframe

// NewCurve sorts the keyframes by time and validates them.
//
// # Outputs
//
//   - Curve: Sorted copy of the input.
//   - error: Non-nil if two keyframes share a time, a time is negative,
//     or an easing is invalid.
func NewCurve(keyframes ...Keyframe) (Curve, error) {
	c := make(Curve, len(keyframes))
	copy(c, keyframes)
	sort.SliceStable(c, func(i, j int) bool { return c[i].Time < c[j].Time })
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ordering, uniqueness, and easing values.
func (c Curve) Validate() error {
	for i, kf := range c {
		if kf.Time < 0 {
			return fmt.Errorf("keyframe %d: negative time %s", i, kf.Time)
		}
		if !kf.Easing.Valid() {
			return fmt.Errorf("keyframe %d: invalid easing %d", i, int(kf.Easing))
		}
		if i > 0 && c[i-1].Time >= kf.Time {
			return fmt.Errorf("keyframe %d: time %s not after %s", i, kf.Time, c[i-1].Time)
		}
	}
	return nil
}

// Sample returns the curve value at t.
//
// # Description
//
// Before the first keyframe the first value holds; after the last keyframe
// the last value holds. Between keyframes k0 and k1 the value is
// k0.Value + (k1.Value-k0.Value) * k0.Easing.Apply(u), where u is the
// normalized position of t within the segment.
//
// # Outputs
//
//   - float64: The sampled value.
//   - bool: False if the curve is empty.
func (c Curve) Sample(t time.Duration) (float64, bool) {
	if len(c) == 0 {
		return 0, false
	}
	if t <= c[0].Time {
		return c[0].Value, true
	}
	last := c[len(c)-1]
	if t >= last.Time {
		return last.Value, true
	}

	// First keyframe strictly after t; always in [1, len-1] here.
	i := sort.Search(len(c), func(i int) bool { return c[i].Time > t })
	k0, k1 := c[i-1], c[i]
	u := float64(t-k0.Time) / float64(k1.Time-k0.Time)
	return k0.Value + (k1.Value-k0.Value)*k0.Easing.Apply(u), true
}

// Curves maps properties to their keyframe curves.
type Curves map[Property]Curve

// Sample returns the value of p at t, falling back to p.Default().
func (cs Curves) Sample(p Property, t time.Duration) float64 {
	if v, ok := cs[p].Sample(t); ok {
		return v
	}
	return p.Default()
}

// Animated reports whether any property carries keyframes.
func (cs Curves) Animated() bool {
	for _, c := range cs {
		if len(c) > 0 {
			return true
		}
	}
	return false
}

// Validate checks every curve and rejects unknown properties.
func (cs Curves) Validate() error {
	var errs []error
	for p, c := range cs {
		if !p.Valid() {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownProperty, string(p)))
			continue
		}
		if err := c.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("curve %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (cs Curves) Clone() Curves {
	if cs == nil {
		return nil
	}
	out := make(Curves, len(cs))
	for p, c := range cs {
		cc := make(Curve, len(c))
		copy(cc, c)
		out[p] = cc
	}
	return out
}
