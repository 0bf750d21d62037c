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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEasing_Endpoints(t *testing.T) {
	for e := EaseLinear; e <= EaseOutElastic; e++ {
		t.Run(e.String(), func(t *testing.T) {
			assert.Equal(t, 0.0, e.Apply(0))
			assert.Equal(t, 1.0, e.Apply(1))
			assert.Equal(t, 0.0, e.Apply(-3), "clamped below")
			assert.Equal(t, 1.0, e.Apply(7), "clamped above")
		})
	}
}

func TestEasing_Shapes(t *testing.T) {
	assert.InDelta(t, 0.5, EaseLinear.Apply(0.5), 1e-9)
	assert.InDelta(t, 0.25, EaseIn.Apply(0.5), 1e-9)
	assert.InDelta(t, 0.75, EaseOut.Apply(0.5), 1e-9)
	assert.InDelta(t, 0.5, EaseInOut.Apply(0.5), 1e-9)
	assert.InDelta(t, 0.125, EaseInCubic.Apply(0.5), 1e-9)
	assert.Equal(t, 0.0, EaseStep.Apply(0.99))
	assert.Greater(t, EaseOutBack.Apply(0.8), 1.0, "back easing overshoots")
}

func TestParseEasing(t *testing.T) {
	e, err := ParseEasing("ease_in_out")
	require.NoError(t, err)
	assert.Equal(t, EaseInOut, e)

	e, err = ParseEasing("")
	require.NoError(t, err)
	assert.Equal(t, EaseLinear, e)

	_, err = ParseEasing("wobble")
	assert.Error(t, err)
}

func TestBlendMode_TextRoundTrip(t *testing.T) {
	type doc struct {
		Mode BlendMode `json:"mode"`
	}
	data, err := json.Marshal(doc{Mode: BlendColorDodge})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"colordodge"}`, string(data))

	var out doc
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, BlendColorDodge, out.Mode)

	assert.Error(t, json.Unmarshal([]byte(`{"mode":"dissolve"}`), &out))
}

func TestCurve_Sample(t *testing.T) {
	c, err := NewCurve(
		Keyframe{Time: 2 * time.Second, Value: 1, Easing: EaseIn},
		Keyframe{Time: 0, Value: 0, Easing: EaseLinear},
		Keyframe{Time: 4 * time.Second, Value: 0, Easing: EaseLinear},
	)
	require.NoError(t, err)
	require.Len(t, c, 3)
	assert.Equal(t, time.Duration(0), c[0].Time, "sorted by time")

	tests := []struct {
		at   time.Duration
		want float64
	}{
		{-time.Second, 0},
		{0, 0},
		{time.Second, 0.5},
		{2 * time.Second, 1},
		{3 * time.Second, 0.75}, // 1 + (0-1)*0.25
		{10 * time.Second, 0},
	}
	for _, tt := range tests {
		got, ok := c.Sample(tt.at)
		require.True(t, ok)
		assert.InDelta(t, tt.want, got, 1e-9, "at %s", tt.at)
	}
}

func TestCurve_RejectsDuplicateTimes(t *testing.T) {
	_, err := NewCurve(
		Keyframe{Time: time.Second, Value: 1},
		Keyframe{Time: time.Second, Value: 2},
	)
	assert.Error(t, err)
}

func TestCurves_SampleDefaults(t *testing.T) {
	var cs Curves
	assert.Equal(t, 1.0, cs.Sample(PropertyOpacity, time.Second))
	assert.Equal(t, 0.0, cs.Sample(PropertyRotation, time.Second))
	assert.False(t, cs.Animated())

	cs = Curves{PropertyVolume: Curve{{Time: 0, Value: 0.5}}}
	assert.Equal(t, 0.5, cs.Sample(PropertyVolume, time.Hour))
	assert.True(t, cs.Animated())

	clone := cs.Clone()
	clone[PropertyVolume][0].Value = 0.1
	assert.Equal(t, 0.5, cs[PropertyVolume][0].Value, "clone is deep")
}

func TestCurves_ValidateUnknownProperty(t *testing.T) {
	cs := Curves{"blur": Curve{{Time: 0, Value: 1}}}
	err := cs.Validate()
	assert.ErrorIs(t, err, ErrUnknownProperty)
}
