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
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/montage/pkg/ux"
	"github.com/AleutianAI/montage/pkg/validation"
	"github.com/AleutianAI/montage/services/editor"
	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/AleutianAI/montage/services/editor/project"
	"github.com/AleutianAI/montage/services/editor/timeline"
	"github.com/spf13/cobra"
)

var errAmbiguous = errors.New("ambiguous reference")

func (a *app) projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"p"},
		Short:   "Create, inspect and edit project files",
	}
	cmd.AddCommand(
		a.projectNewCmd(),
		a.projectInspectCmd(),
		a.projectValidateCmd(),
		a.projectAddAssetCmd(),
		a.projectAddTrackCmd(),
		a.projectAddClipCmd(),
		a.projectSplitCmd(),
		a.projectMoveCmd(),
		a.projectLinkCmd(),
		a.projectTrackCmd(),
	)
	return cmd
}

func (a *app) projectNewCmd() *cobra.Command {
	var name, preset string
	cmd := &cobra.Command{
		Use:   "new <file>",
		Short: "Create an empty project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				name = strings.TrimSuffix(name, ".montage")
			}
			if preset == "" {
				preset = a.cfg.Render.Preset
			}
			if _, err := a.cfg.RenderParams(preset); err != nil {
				return err
			}
			p := project.New(name)
			p.Preset = preset
			if err := p.SaveFile(args[0]); err != nil {
				return err
			}
			a.ui.Successf("Created %s (%s)", args[0], p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name; default: the file name")
	cmd.Flags().StringVar(&preset, "preset", "", "output preset; default: render.preset")
	return cmd
}

func (a *app) projectInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a project's assets, tracks and relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := project.LoadFile(args[0])
			if err != nil {
				return err
			}
			printProject(a.stdout, p)
			return nil
		},
	}
}

func printProject(w io.Writer, p *project.Project) {
	tl := p.Timeline
	fmt.Fprintf(w, "%s %s\n", ux.Styles.Title.Render(p.Name), ux.Styles.Muted.Render(p.ID))
	fmt.Fprintf(w, "%s %s  %s %s  %s %d\n",
		ux.Styles.Label.Render("preset"), p.Preset,
		ux.Styles.Label.Render("length"), formatDuration(tl.Duration()),
		ux.Styles.Label.Render("tracks"), tl.Len(),
	)

	ids := make([]string, 0, len(p.Assets))
	for id := range p.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintln(w, ux.Styles.Title.Render("\nAssets"))
	for _, id := range ids {
		fmt.Fprintf(w, "  %-16s %s\n", id, p.Assets[id])
	}

	fmt.Fprintln(w, ux.Styles.Title.Render("\nTracks"))
	for i, tr := range tl.Tracks() {
		fmt.Fprintf(w, "  %d %s %-9s %s%s\n", i, shortID(string(tr.ID)), tr.Kind, tr.Name, trackFlags(tr))
		for _, c := range tr.Clips {
			fmt.Fprintf(w, "      %s %-14s %s-%s  src %s-%s\n",
				ux.Styles.Muted.Render(shortID(string(c.ID))), c.AssetID,
				formatDuration(c.Position), formatDuration(c.End()),
				formatDuration(c.SourceStart), formatDuration(c.SourceEnd),
			)
		}
	}

	if edges := tl.Graph().Edges(); len(edges) > 0 {
		fmt.Fprintln(w, ux.Styles.Title.Render("\nRelationships"))
		for _, e := range edges {
			fmt.Fprintf(w, "  %s -> %s  %s\n", shortID(string(e.Source)), shortID(string(e.Target)), e.Relation)
		}
	}
}

func trackFlags(tr timeline.Track) string {
	var flags []string
	if tr.Muted {
		flags = append(flags, "muted")
	}
	if tr.Hidden {
		flags = append(flags, "hidden")
	}
	if tr.Locked {
		flags = append(flags, "locked")
	}
	if tr.Blend != animation.BlendNormal {
		flags = append(flags, "blend="+tr.Blend.String())
	}
	if len(tr.Curves) > 0 {
		flags = append(flags, fmt.Sprintf("%d curves", len(tr.Curves)))
	}
	if len(flags) == 0 {
		return ""
	}
	return ux.Styles.Muted.Render("  [" + strings.Join(flags, ", ") + "]")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *app) projectValidateCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a project file and, optionally, its media",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := project.LoadFile(args[0])
			if err != nil {
				return err
			}
			if probe {
				if err := p.VerifyAssets(cmd.Context(), a.prober()); err != nil {
					return err
				}
			}
			a.ui.Successf("Valid %s: %d assets, %d tracks", args[0], len(p.Assets), p.Timeline.Len())
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "probe every asset with ffprobe and check clip bounds")
	return cmd
}

// edit loads a project, applies fn through an editing session and saves
// it back.
func (a *app) edit(path string, fn func(p *project.Project, s *editor.Session) error) error {
	p, err := project.LoadFile(path)
	if err != nil {
		return err
	}
	s := editor.NewSession(p.Timeline, editor.WithLogger(a.logger))
	if err := fn(p, s); err != nil {
		return err
	}
	p.Timeline = s.Snapshot()
	return p.SaveFile(path)
}

func (a *app) projectAddAssetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-asset <file> <asset-id> <media-path>",
		Short: "Register a media file under an asset ID",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.SanitizeAssetID(args[1])
			if err != nil {
				return err
			}
			media, err := filepath.Abs(args[2])
			if err != nil {
				return err
			}
			return a.edit(args[0], func(p *project.Project, _ *editor.Session) error {
				p.AddAsset(id, media)
				return nil
			})
		},
	}
}

func (a *app) projectAddTrackCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add-track <file> <video|audio|subtitle>",
		Short: "Append an empty track",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := timeline.ParseTrackKind(args[1])
			if err != nil {
				return err
			}
			return a.edit(args[0], func(_ *project.Project, s *editor.Session) error {
				id, err := s.AddTrack(kind)
				if err != nil {
					return err
				}
				if name != "" {
					if err := s.RenameTrack(id, name); err != nil {
						return err
					}
				}
				a.ui.Successf("Added track %s", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "track name")
	return cmd
}

func (a *app) projectAddClipCmd() *cobra.Command {
	var (
		track, asset   string
		at, from, upto time.Duration
	)
	cmd := &cobra.Command{
		Use:     "add-clip <file>",
		Short:   "Place a clip of an asset on a track",
		Example: `  montage project add-clip film.montage.json --track V1 --asset interview --at 5s --from 1m2s --to 1m10s`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.edit(args[0], func(p *project.Project, s *editor.Session) error {
				if _, ok := p.Assets[asset]; !ok {
					return fmt.Errorf("unknown asset %q; add it with add-asset", asset)
				}
				id, err := findTrack(s, track)
				if err != nil {
					return err
				}
				c := timeline.NewClip(asset, at, from, upto)
				if err := s.AddClip(id, c); err != nil {
					return err
				}
				a.ui.Successf("Added clip %s", c.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&track, "track", "", "track ID, ID prefix or name (required)")
	f.StringVar(&asset, "asset", "", "asset ID (required)")
	f.DurationVar(&at, "at", 0, "timeline position")
	f.DurationVar(&from, "from", 0, "source in point")
	f.DurationVar(&upto, "to", 0, "source out point (required)")
	_ = cmd.MarkFlagRequired("track")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (a *app) projectSplitCmd() *cobra.Command {
	var at time.Duration
	cmd := &cobra.Command{
		Use:   "split <file> <clip>",
		Short: "Split a clip at a timeline position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.edit(args[0], func(_ *project.Project, s *editor.Session) error {
				track, clip, err := findClip(s, args[1])
				if err != nil {
					return err
				}
				_, right, err := s.SplitClip(track, clip, at)
				if err != nil {
					return err
				}
				a.ui.Successf("Split new clip %s", right.ID)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&at, "at", 0, "timeline position of the cut (required)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func (a *app) projectMoveCmd() *cobra.Command {
	var (
		to string
		at time.Duration
	)
	cmd := &cobra.Command{
		Use:   "move <file> <clip>",
		Short: "Move a clip to a new position, optionally on another track",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.edit(args[0], func(_ *project.Project, s *editor.Session) error {
				src, clip, err := findClip(s, args[1])
				if err != nil {
					return err
				}
				dst := src
				if to != "" {
					if dst, err = findTrack(s, to); err != nil {
						return err
					}
				}
				return s.MoveClip(src, dst, clip, at)
			})
		},
	}
	cmd.Flags().DurationVar(&at, "at", 0, "new timeline position (required)")
	cmd.Flags().StringVar(&to, "track", "", "destination track; default: the clip's track")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func (a *app) projectLinkCmd() *cobra.Command {
	var unlink bool
	cmd := &cobra.Command{
		Use:   "link <file> <dependent-track> <target-track> [locked|timing_dependent|visibility_dependent]",
		Short: "Make one track follow edits of another",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.edit(args[0], func(_ *project.Project, s *editor.Session) error {
				source, err := findTrack(s, args[1])
				if err != nil {
					return err
				}
				target, err := findTrack(s, args[2])
				if err != nil {
					return err
				}
				if unlink {
					return s.RemoveRelationship(source, target)
				}
				if len(args) < 4 {
					return errors.New("relationship is required")
				}
				rel, err := timeline.ParseRelationship(args[3])
				if err != nil {
					return err
				}
				return s.AddRelationship(source, target, rel)
			})
		},
	}
	cmd.Flags().BoolVar(&unlink, "remove", false, "remove the relationship instead")
	return cmd
}

func (a *app) projectTrackCmd() *cobra.Command {
	var (
		name, blend           string
		muted, hidden, locked bool
		anchor                time.Duration
	)
	cmd := &cobra.Command{
		Use:   "track <file> <track>",
		Short: "Change a track's name, flags, blend mode or anchor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			return a.edit(args[0], func(_ *project.Project, s *editor.Session) error {
				id, err := findTrack(s, args[1])
				if err != nil {
					return err
				}
				if err := s.BeginTransaction("edit track"); err != nil {
					return err
				}
				if err := applyTrackFlags(s, id, f.Changed, trackChanges{
					name: name, blend: blend, muted: muted, hidden: hidden, locked: locked, anchor: anchor,
				}); err != nil {
					_ = s.RollbackTransaction()
					return err
				}
				_, err = s.CommitTransaction()
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "rename the track")
	f.StringVar(&blend, "blend", "", "blend mode")
	f.BoolVar(&muted, "muted", false, "mute or unmute")
	f.BoolVar(&hidden, "hidden", false, "hide or show")
	f.BoolVar(&locked, "locked", false, "lock or unlock")
	f.DurationVar(&anchor, "anchor", 0, "timing anchor")
	return cmd
}

type trackChanges struct {
	name, blend           string
	muted, hidden, locked bool
	anchor                time.Duration
}

// applyTrackFlags applies the changes whose flag was set. Lock changes go
// last so unlocking and editing in one call works.
func applyTrackFlags(s *editor.Session, id timeline.TrackID, changed func(string) bool, c trackChanges) error {
	if changed("locked") && !c.locked {
		if err := s.SetLocked(id, false); err != nil {
			return err
		}
	}
	if changed("name") {
		if err := s.RenameTrack(id, c.name); err != nil {
			return err
		}
	}
	if changed("blend") {
		mode, err := animation.ParseBlendMode(c.blend)
		if err != nil {
			return err
		}
		if err := s.SetBlend(id, mode); err != nil {
			return err
		}
	}
	if changed("muted") {
		if err := s.SetMuted(id, c.muted); err != nil {
			return err
		}
	}
	if changed("hidden") {
		if err := s.SetHidden(id, c.hidden); err != nil {
			return err
		}
	}
	if changed("anchor") {
		if err := s.SetAnchor(id, c.anchor); err != nil {
			return err
		}
	}
	if changed("locked") && c.locked {
		return s.SetLocked(id, true)
	}
	return nil
}

// findTrack resolves an exact ID, a unique ID prefix or an exact name.
func findTrack(s *editor.Session, ref string) (timeline.TrackID, error) {
	var matches []timeline.TrackID
	s.View(func(tl *timeline.Timeline) {
		for _, tr := range tl.Tracks() {
			if string(tr.ID) == ref {
				matches = []timeline.TrackID{tr.ID}
				return
			}
			if strings.HasPrefix(string(tr.ID), ref) || tr.Name == ref {
				matches = append(matches, tr.ID)
			}
		}
	})
	switch len(matches) {
	case 0:
		return "", &timeline.TrackNotFoundError{Track: timeline.TrackID(ref)}
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%w: %q matches %d tracks", errAmbiguous, ref, len(matches))
}

// findClip resolves a clip ID or unique ID prefix across all tracks.
func findClip(s *editor.Session, ref string) (timeline.TrackID, timeline.ClipID, error) {
	type hit struct {
		track timeline.TrackID
		clip  timeline.ClipID
	}
	var hits []hit
	s.View(func(tl *timeline.Timeline) {
		for _, tr := range tl.Tracks() {
			for _, c := range tr.Clips {
				if strings.HasPrefix(string(c.ID), ref) {
					hits = append(hits, hit{tr.ID, c.ID})
				}
			}
		}
	})
	switch len(hits) {
	case 0:
		return "", "", fmt.Errorf("%w: %s", timeline.ErrClipNotFound, ref)
	case 1:
		return hits[0].track, hits[0].clip, nil
	}
	return "", "", fmt.Errorf("%w: %q matches %d clips", errAmbiguous, ref, len(hits))
}
