// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ffmpeg implements media.Transcoder and media.AssetProbe on top
// of the ffmpeg and ffprobe command-line tools.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotInstalled is returned when the tool binary is not on PATH.
	ErrNotInstalled = errors.New("media tool not installed")
)

// ExitError is a failed tool run. It carries the tail of the tool's
// diagnostic output.
type ExitError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %v", e.Tool, e.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Diagnostic returns the captured stderr tail.
func (e *ExitError) Diagnostic() string {
	return e.Stderr
}

// Executor runs one media tool binary.
//
// # Thread Safety
//
// Safe for concurrent use; each call starts its own process.
type Executor struct {
	binary    string
	tailLines int
	logger    *slog.Logger
}

// NewExecutor creates an executor for binary (a name on PATH or a path).
func NewExecutor(binary string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		binary:    binary,
		tailLines: 20,
		logger:    logger.With(slog.String("component", "ffmpeg.Executor"), slog.String("tool", binary)),
	}
}

// Available reports whether the binary can be found.
func (x *Executor) Available() bool {
	_, err := exec.LookPath(x.binary)
	return err == nil
}

// Output runs the tool and returns its stdout.
func (x *Executor) Output(ctx context.Context, args ...string) ([]byte, error) {
	if !x.Available() {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, x.binary)
	}

	cmd := exec.CommandContext(ctx, x.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, x.exitError(err, lastLines(stderr.String(), x.tailLines))
	}
	return stdout.Bytes(), nil
}

// Progress is one block of ffmpeg -progress output.
type Progress struct {
	OutTime time.Duration
	Speed   float64
	Done    bool
}

// RunWithProgress runs ffmpeg with "-progress pipe:2" prepended and calls
// onProgress for each progress block written to stderr. Other stderr
// lines are kept for diagnostics.
func (x *Executor) RunWithProgress(ctx context.Context, args []string, onProgress func(Progress)) error {
	if !x.Available() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, x.binary)
	}

	full := append([]string{"-hide_banner", "-nostats", "-progress", "pipe:2"}, args...)
	cmd := exec.CommandContext(ctx, x.binary, full...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	start := time.Now()
	x.logger.Debug("starting", slog.String("args", strings.Join(full, " ")))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", x.binary, err)
	}

	tail := scanProgress(stderr, x.tailLines, onProgress)
	err = cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return x.exitError(err, tail)
	}
	x.logger.Debug("finished", slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (x *Executor) exitError(err error, tail string) error {
	code := -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	x.logger.Warn("tool failed", slog.Int("exit_code", code), slog.String("stderr", tail))
	return &ExitError{Tool: x.binary, ExitCode: code, Stderr: tail, Err: err}
}

// scanProgress reads key=value progress blocks from r until EOF. Lines that
// are not progress keys are diagnostics; the last keep of them are
// returned joined by newlines.
func scanProgress(r io.Reader, keep int, onProgress func(Progress)) string {
	var (
		cur  Progress
		diag []string
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || !isProgressKey(key) {
			diag = append(diag, line)
			if len(diag) > keep {
				diag = diag[len(diag)-keep:]
			}
			continue
		}

		switch key {
		case "out_time_us", "out_time_ms":
			// ffmpeg reports both in microseconds.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				cur.OutTime = time.Duration(us) * time.Microsecond
			}
		case "speed":
			if s, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil {
				cur.Speed = s
			}
		case "progress":
			cur.Done = value == "end"
			if onProgress != nil {
				onProgress(cur)
			}
		}
	}
	return strings.Join(diag, "\n")
}

var progressKeys = map[string]bool{
	"frame": true, "fps": true, "bitrate": true, "total_size": true,
	"out_time_us": true, "out_time_ms": true, "out_time": true,
	"dup_frames": true, "drop_frames": true, "speed": true, "progress": true,
}

func isProgressKey(key string) bool {
	return progressKeys[key] || strings.HasPrefix(key, "stream_")
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
