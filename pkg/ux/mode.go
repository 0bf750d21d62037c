// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode selects how much decoration output carries.
type Mode int

const (
	// ModeRich uses colors and icons. The default on a terminal.
	ModeRich Mode = iota
	// ModePlain keeps icons but no colors.
	ModePlain
	// ModeMachine writes stable, parseable lines.
	ModeMachine
)

// EnvMode overrides mode detection when set.
const EnvMode = "MONTAGE_OUTPUT"

func (m Mode) String() string {
	switch m {
	case ModeRich:
		return "rich"
	case ModePlain:
		return "plain"
	case ModeMachine:
		return "machine"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "rich", "plain" or "machine", ignoring case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full":
		return ModeRich, nil
	case "plain", "minimal":
		return ModePlain, nil
	case "machine", "json":
		return ModeMachine, nil
	}
	return ModeRich, fmt.Errorf("unknown output mode %q", s)
}

// DetectMode picks the mode for w: MONTAGE_OUTPUT when it parses, rich
// when w is a terminal, plain otherwise.
func DetectMode(w io.Writer) Mode {
	if v := os.Getenv(EnvMode); v != "" {
		if m, err := ParseMode(v); err == nil {
			return m
		}
	}
	if IsTerminal(w) {
		return ModeRich
	}
	return ModePlain
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
