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
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/montage/pkg/ux"
	"github.com/AleutianAI/montage/services/editor/render"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

type runFunc func(ctx context.Context) (render.Result, error)

type progressMsg render.Progress

type finishedMsg struct {
	res render.Result
	err error
}

// renderModel draws a single render's progress.
type renderModel struct {
	bar        progress.Model
	updates    <-chan render.Progress
	cancel     func()
	current    render.Progress
	cancelling bool
	finished   *finishedMsg
}

func newRenderModel(updates <-chan render.Progress, cancel func()) renderModel {
	return renderModel{
		bar:     progress.New(progress.WithGradient("#157483", "#2CD7C7"), progress.WithWidth(48)),
		updates: updates,
		cancel:  cancel,
	}
}

func waitForUpdate(ch <-chan render.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return nil
		}
		return progressMsg(p)
	}
}

func (m renderModel) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m renderModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.cancelling {
				m.cancelling = true
				m.cancel()
			}
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(msg.Width-10, 72))
		return m, nil
	case progressMsg:
		m.current = render.Progress(msg)
		if m.current.Done() {
			return m, nil
		}
		return m, waitForUpdate(m.updates)
	case finishedMsg:
		m.finished = &msg
		return m, tea.Quit
	}
	return m, nil
}

func (m renderModel) View() string {
	var b strings.Builder
	p := m.current

	b.WriteString(ux.Styles.Title.Render("montage render"))
	b.WriteString(ux.Styles.Muted.Render("  " + p.JobID))
	b.WriteString("\n\n  ")
	b.WriteString(m.bar.ViewAs(p.Overall))
	b.WriteString("\n\n  ")
	b.WriteString(ux.Styles.Label.Render(stageLabel(p.Stage)))
	if p.TracksTotal > 0 {
		fmt.Fprintf(&b, "  %d/%d tracks", p.TracksDone, p.TracksTotal)
		if p.CacheHits > 0 {
			fmt.Fprintf(&b, ", %d cached", p.CacheHits)
		}
	}
	if p.Message != "" {
		b.WriteString(ux.Styles.Muted.Render("  " + p.Message))
	}
	b.WriteString("\n")

	switch {
	case m.finished != nil && m.finished.err != nil:
		b.WriteString("\n  " + ux.Styles.Error.Render(m.finished.err.Error()) + "\n")
	case m.cancelling && m.finished == nil:
		b.WriteString("\n  " + ux.Styles.Warning.Render("cancelling...") + "\n")
	case m.finished == nil:
		b.WriteString(ux.Styles.Muted.Render("\n  q to cancel") + "\n")
	}
	return b.String()
}

func stageLabel(s render.Stage) string {
	return strings.ReplaceAll(s.String(), "_", " ")
}

// runWithView runs the render under a terminal progress view on w.
func runWithView(ctx context.Context, p *render.Pipeline, run runFunc, w io.Writer) (render.Result, error) {
	updates, unsubscribe := p.Progress().Updates(32)
	defer unsubscribe()

	prog := tea.NewProgram(newRenderModel(updates, p.Cancel), tea.WithOutput(w))
	done := make(chan finishedMsg, 1)
	go func() {
		res, err := run(ctx)
		msg := finishedMsg{res: res, err: err}
		done <- msg
		prog.Send(msg)
	}()

	// A failed view leaves the render running; its result still counts.
	_, _ = prog.Run()
	msg := <-done
	return msg.res, msg.err
}

// runWithLog runs the render, logging stage changes and every tenth of
// overall progress.
func runWithLog(ctx context.Context, p *render.Pipeline, run runFunc, logger *slog.Logger) (render.Result, error) {
	updates, unsubscribe := p.Progress().Updates(32)
	defer unsubscribe()

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		lastStage, lastStep := render.Stage(-1), -1
		for pr := range updates {
			step := int(pr.Overall * 10)
			if pr.Stage == lastStage && step == lastStep {
				continue
			}
			lastStage, lastStep = pr.Stage, step
			logger.Info("render progress",
				slog.String("stage", pr.Stage.String()),
				slog.Int("percent", int(pr.Overall*100)),
				slog.Int("tracks_done", pr.TracksDone),
				slog.Int("tracks_total", pr.TracksTotal),
				slog.Int("cache_hits", pr.CacheHits),
			)
		}
	}()

	res, err := run(ctx)
	select {
	case <-logged:
	case <-time.After(2 * time.Second):
	}
	return res, err
}
