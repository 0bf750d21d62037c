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
	"fmt"
	"math"
)

// Easing selects the interpolation curve between two keyframes.
type Easing int

const (
	// EaseLinear interpolates at constant speed.
	EaseLinear Easing = iota
	EaseIn
	EaseOut
	EaseInOut

	// EaseStep holds the start value until the next keyframe.
	EaseStep
	EaseInCubic
	EaseOutCubic
	EaseInOutCubic
	EaseOutBack
	EaseOutBounce
	EaseOutElastic
)

var easingNames = [...]string{
	EaseLinear:     "linear",
	EaseIn:         "ease_in",
	EaseOut:        "ease_out",
	EaseInOut:      "ease_in_out",
	EaseStep:       "step",
	EaseInCubic:    "ease_in_cubic",
	EaseOutCubic:   "ease_out_cubic",
	EaseInOutCubic: "ease_in_out_cubic",
	EaseOutBack:    "ease_out_back",
	EaseOutBounce:  "ease_out_bounce",
	EaseOutElastic: "ease_out_elastic",
}

// String returns the snake_case name of the easing.
func (e Easing) String() string {
	if e < 0 || int(e) >= len(easingNames) {
		return "unknown"
	}
	return easingNames[e]
}

// Valid reports whether e is one of the defined easings.
func (e Easing) Valid() bool {
	return e >= 0 && int(e) < len(easingNames)
}

// ParseEasing parses an easing name. The empty string parses as EaseLinear.
func ParseEasing(s string) (Easing, error) {
	if s == "" {
		return EaseLinear, nil
	}
	for i, name := range easingNames {
		if name == s {
			return Easing(i), nil
		}
	}
	return EaseLinear, fmt.Errorf("unknown easing %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (e Easing) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("invalid easing %d", int(e))
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Easing) UnmarshalText(text []byte) error {
	parsed, err := ParseEasing(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Apply maps normalized progress u in [0,1] to eased progress.
//
// # Description
//
// Inputs outside [0,1] are clamped. Every easing maps 0 to 0 and 1 to 1;
// EaseOutBack and EaseOutElastic overshoot 1 in between.
func (e Easing) Apply(u float64) float64 {
	switch {
	case u <= 0:
		return 0
	case u >= 1:
		return 1
	}

	switch e {
	case EaseIn:
		return u * u
	case EaseOut:
		return u * (2 - u)
	case EaseInOut:
		if u < 0.5 {
			return 2 * u * u
		}
		return -1 + (4-2*u)*u
	case EaseStep:
		return 0
	case EaseInCubic:
		return u * u * u
	case EaseOutCubic:
		v := u - 1
		return v*v*v + 1
	case EaseInOutCubic:
		if u < 0.5 {
			return 4 * u * u * u
		}
		v := 2*u - 2
		return 0.5*v*v*v + 1
	case EaseOutBack:
		const c1 = 1.70158
		const c3 = c1 + 1
		v := u - 1
		return 1 + c3*v*v*v + c1*v*v
	case EaseOutBounce:
		return bounceOut(u)
	case EaseOutElastic:
		const c4 = (2 * math.Pi) / 3
		return math.Pow(2, -10*u)*math.Sin((u*10-0.75)*c4) + 1
	default:
		return u
	}
}

func bounceOut(u float64) float64 {
	const n1 = 7.5625
	const d1 = 2.75
	switch {
	case u < 1/d1:
		return n1 * u * u
	case u < 2/d1:
		u -= 1.5 / d1
		return n1*u*u + 0.75
	case u < 2.5/d1:
		u -= 2.25 / d1
		return n1*u*u + 0.9375
	default:
		u -= 2.625 / d1
		return n1*u*u + 0.984375
	}
}
