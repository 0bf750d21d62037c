// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/AleutianAI/montage/services/editor/media"
	"gopkg.in/yaml.v3"
)

// MaxPresetFileSize bounds a user presets file.
const MaxPresetFileSize = 1024 * 1024

//go:embed render_presets.yaml
var defaultPresetsYAML []byte

// ErrUnknownPreset is returned for preset names that are not defined.
var ErrUnknownPreset = errors.New("unknown render preset")

type presetFile struct {
	Presets map[string]media.Params `yaml:"presets"`
}

var (
	builtinOnce    sync.Once
	builtinPresets map[string]media.Params
	builtinErr     error
)

// BuiltinPresets returns the embedded presets. The map is a copy.
func BuiltinPresets() (map[string]media.Params, error) {
	builtinOnce.Do(func() {
		builtinPresets, builtinErr = parsePresets(defaultPresetsYAML)
	})
	if builtinErr != nil {
		return nil, builtinErr
	}
	out := make(map[string]media.Params, len(builtinPresets))
	for k, v := range builtinPresets {
		out[k] = v
	}
	return out, nil
}

// LoadPresets returns the builtin presets overlaid with those in path.
// An empty path returns the builtins.
func LoadPresets(path string) (map[string]media.Params, error) {
	presets, err := BuiltinPresets()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return presets, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("presets file: %w", err)
	}
	if info.Size() > MaxPresetFileSize {
		return nil, fmt.Errorf("presets file %s is %d bytes, limit %d", path, info.Size(), MaxPresetFileSize)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("presets file: %w", err)
	}
	user, err := parsePresets(raw)
	if err != nil {
		return nil, fmt.Errorf("presets file %s: %w", path, err)
	}
	for k, v := range user {
		presets[k] = v
	}
	return presets, nil
}

func parsePresets(raw []byte) (map[string]media.Params, error) {
	var f presetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	var errs []error
	for name, p := range f.Presets {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("preset %q: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Presets, nil
}

// PresetNames returns the sorted names in presets.
func PresetNames(presets map[string]media.Params) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
