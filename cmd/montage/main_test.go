// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/montage/pkg/validation"
	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/project"
	"github.com/AleutianAI/montage/services/editor/render"
	"github.com/AleutianAI/montage/services/editor/timeline"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig writes a config that keeps every path under a temp dir.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
cache:
  dir: %s
  index: bolt
logging:
  level: error
telemetry:
  traces: none
  metrics: none
`, filepath.Join(dir, "cache"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	root := a.rootCmd()
	root.SetArgs(append([]string{"--config", cfg}, args...))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	a.close()
	return stdout.String(), err
}

func mustRun(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, cfg, args...)
	require.NoError(t, err, "montage %v", args)
	return out
}

func TestProjectWorkflow(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "film.montage.json")

	out := mustRun(t, cfg, "project", "new", file, "--preset", "720p")
	assert.Contains(t, out, "Created")

	mustRun(t, cfg, "project", "add-asset", file, "interview", filepath.Join(dir, "interview.mov"))
	mustRun(t, cfg, "project", "add-asset", file, "score", filepath.Join(dir, "score.wav"))
	mustRun(t, cfg, "project", "add-track", file, "video", "--name", "V1")
	mustRun(t, cfg, "project", "add-track", file, "audio", "--name", "A1")
	mustRun(t, cfg, "project", "add-clip", file, "--track", "V1", "--asset", "interview", "--to", "4s")
	mustRun(t, cfg, "project", "add-clip", file, "--track", "A1", "--asset", "score", "--to", "4s")
	mustRun(t, cfg, "project", "link", file, "A1", "V1", "locked")

	p, err := project.LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "film", p.Name)
	assert.Equal(t, "720p", p.Preset)
	tracks := p.Timeline.Tracks()
	require.Len(t, tracks, 2)
	require.Len(t, tracks[0].Clips, 1)
	assert.Equal(t, timeline.Locked, p.Timeline.Graph().Relationship(tracks[1].ID, tracks[0].ID))

	clip := string(tracks[0].Clips[0].ID)
	mustRun(t, cfg, "project", "split", file, clip[:8], "--at", "1s")

	p, err = project.LoadFile(file)
	require.NoError(t, err)
	tracks = p.Timeline.Tracks()
	assert.Len(t, tracks[0].Clips, 2)
	assert.Len(t, tracks[1].Clips, 2, "the locked audio track follows the split")

	mustRun(t, cfg, "project", "track", file, "V1", "--blend", "screen", "--hidden")
	mustRun(t, cfg, "project", "track", file, "A1", "--anchor=-2s")
	p, err = project.LoadFile(file)
	require.NoError(t, err, "a negative anchor still loads")
	assert.Equal(t, -2*time.Second, p.Timeline.Tracks()[1].Anchor)

	out = mustRun(t, cfg, "project", "inspect", file)
	assert.Contains(t, out, "film")
	assert.Contains(t, out, "interview")
	assert.Contains(t, out, "blend=screen")
	assert.Contains(t, out, "hidden")
	assert.Contains(t, out, "locked")

	out = mustRun(t, cfg, "project", "validate", file)
	assert.Contains(t, out, "2 assets, 2 tracks")
}

func TestProjectErrors(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "film.montage.json")
	mustRun(t, cfg, "project", "new", file)
	mustRun(t, cfg, "project", "add-track", file, "video", "--name", "V")
	mustRun(t, cfg, "project", "add-track", file, "video", "--name", "V")

	_, err := runCLI(t, cfg, "project", "new", filepath.Join(dir, "x.json"), "--preset", "8k")
	assert.Error(t, err)

	_, err = runCLI(t, cfg, "project", "add-track", file, "hologram")
	assert.Error(t, err)

	_, err = runCLI(t, cfg, "project", "add-clip", file, "--track", "V", "--asset", "none", "--to", "1s")
	assert.ErrorContains(t, err, "unknown asset")

	mustRun(t, cfg, "project", "add-asset", file, "a", filepath.Join(dir, "a.mov"))
	_, err = runCLI(t, cfg, "project", "add-clip", file, "--track", "V", "--asset", "a", "--to", "1s")
	assert.ErrorIs(t, err, errAmbiguous)

	_, err = runCLI(t, cfg, "project", "add-asset", file, "../b", filepath.Join(dir, "b.mov"))
	assert.ErrorIs(t, err, validation.ErrInvalidAssetID)

	_, err = runCLI(t, cfg, "project", "split", file, "nope", "--at", "1s")
	assert.ErrorIs(t, err, timeline.ErrClipNotFound)

	_, err = runCLI(t, cfg, "project", "inspect", filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCacheCommands(t *testing.T) {
	cfg := testConfig(t)

	out := mustRun(t, cfg, "cache", "stats", "--list")
	assert.Contains(t, out, "Render cache")
	assert.Contains(t, out, "0 B of 20.0 GiB")

	out = mustRun(t, cfg, "cache", "invalidate", "interview")
	assert.Contains(t, out, "0 entries for interview")

	out = mustRun(t, cfg, "cache", "clear")
	assert.Contains(t, out, "Cleared")
}

func TestPresetsCommand(t *testing.T) {
	out := mustRun(t, testConfig(t), "presets")
	assert.Contains(t, out, "1920x1080")
	assert.Contains(t, out, "audio only")
}

func TestRenderRequiresOutput(t *testing.T) {
	_, err := runCLI(t, testConfig(t), "render", "film.montage.json")
	assert.ErrorContains(t, err, "output")
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "20.0 GiB", formatBytes(20<<30))

	assert.Equal(t, "00:04.250", formatDuration(4250*time.Millisecond))
	assert.Equal(t, "1:02:03.000", formatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "a1b2c3d4", shortID("a1b2c3d4-0000"))
}

func TestRenderModel(t *testing.T) {
	updates := make(chan render.Progress, 1)
	cancelled := 0
	m := newRenderModel(updates, func() { cancelled++ })

	next, cmd := m.Update(progressMsg(render.Progress{
		JobID: "job-1", Stage: render.StageRenderingVideo, Overall: 0.4, TracksDone: 1, TracksTotal: 3,
	}))
	require.NotNil(t, cmd, "keeps waiting for updates")
	m = next.(renderModel)
	assert.Contains(t, m.View(), "rendering video")
	assert.Contains(t, m.View(), "1/3 tracks")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(renderModel)
	assert.Equal(t, 1, cancelled)
	assert.Contains(t, m.View(), "cancelling")

	next, cmd = m.Update(finishedMsg{err: errors.New("boom")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, next.View(), "boom")
}

type stubTranscoder struct{}

func (stubTranscoder) RenderTrack(_ context.Context, job media.TrackJob, _ media.Params, progress media.ProgressFunc) (string, error) {
	path := filepath.Join(job.OutputDir, string(job.Track.ID)+".mov")
	progress(1)
	return path, os.WriteFile(path, nil, 0o600)
}

func (stubTranscoder) Compose(_ context.Context, _ media.CompositionPlan, _ media.Params, output string, progress media.ProgressFunc) error {
	progress(1)
	return os.WriteFile(output, []byte("out"), 0o600)
}

func TestRunWithLog(t *testing.T) {
	tl := timeline.New()
	v := tl.AddTrack(timeline.TrackVideo)
	require.NoError(t, tl.AddClip(v, timeline.NewClip("a", 0, 0, time.Second)))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	p := render.NewPipeline(stubTranscoder{}, media.AssetMap{"a": "/media/a.mov"}, render.WithProgressRate(0))

	dir := t.TempDir()
	cfg := render.Config{
		Params: media.Params{Width: 640, Height: 360, FrameRate: 25, VideoCodec: "libx264",
			AudioCodec: "aac", SampleRate: 48000, Container: "mp4"},
		Output: filepath.Join(dir, "out.mp4"),
	}
	res, err := runWithLog(context.Background(), p, func(ctx context.Context) (render.Result, error) {
		return p.Run(ctx, tl, cfg)
	}, logger)
	require.NoError(t, err)
	assert.FileExists(t, res.Output)
	assert.Contains(t, logs.String(), "stage=complete")
	assert.Contains(t, logs.String(), "percent=100")
}
