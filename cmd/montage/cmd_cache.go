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
	"fmt"
	"io"
	"sort"

	"github.com/AleutianAI/montage/pkg/ux"
	"github.com/AleutianAI/montage/pkg/validation"
	"github.com/AleutianAI/montage/services/editor/cache"
	"github.com/AleutianAI/montage/services/editor/config"
	"github.com/spf13/cobra"
)

func (a *app) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the render cache",
	}

	var list bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show cache size and entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			printCacheStats(a.stdout, a.cfg.Cache.Dir, rc.Stats())
			if list {
				printCacheEntries(a.stdout, rc.Entries())
			}
			return nil
		},
	}
	stats.Flags().BoolVarP(&list, "list", "l", false, "list every entry")

	invalidate := &cobra.Command{
		Use:   "invalidate <asset-id>...",
		Short: "Drop every cached track built from the given assets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateAssetIDs(args); err != nil {
				return err
			}
			rc, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range args {
				n := rc.Invalidate(cmd.Context(), id)
				a.ui.Successf("Removed %d entries for %s", n, id)
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached track",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			n := rc.Stats().Entries
			if err := rc.Clear(cmd.Context()); err != nil {
				return err
			}
			a.ui.Successf("Cleared %d entries", n)
			return nil
		},
	}

	cmd.AddCommand(stats, invalidate, clearCmd)
	return cmd
}

func printCacheStats(w io.Writer, dir string, s cache.Stats) {
	limit := "unbounded"
	if s.MaxSize > 0 {
		limit = formatBytes(s.MaxSize)
	}
	fmt.Fprintf(w, "%s %s\n", ux.Styles.Title.Render("Render cache"), ux.Styles.Muted.Render(dir))
	fmt.Fprintf(w, "  %s %d\n", ux.Styles.Label.Render("entries "), s.Entries)
	fmt.Fprintf(w, "  %s %s of %s\n", ux.Styles.Label.Render("size    "), formatBytes(s.CurrentSize), limit)
	fmt.Fprintf(w, "  %s %d hits, %d misses (%.0f%%)\n", ux.Styles.Label.Render("lookups "), s.Hits, s.Misses, s.HitRate()*100)
	fmt.Fprintf(w, "  %s %d evicted, %d rendered\n", ux.Styles.Label.Render("activity"), s.Evictions, s.Renders)
}

func printCacheEntries(w io.Writer, entries []cache.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	for _, e := range entries {
		fmt.Fprintf(w, "  %s %-14s %9s %s %s\n",
			ux.Styles.Muted.Render(e.Key.Short()), e.SourceAssetID, formatBytes(e.FileSize),
			e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Path)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (a *app) presetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List output presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			presets, err := config.LoadPresets(a.cfg.Render.PresetsFile)
			if err != nil {
				return err
			}
			for _, name := range config.PresetNames(presets) {
				p := presets[name]
				marker := " "
				if name == a.cfg.Render.Preset {
					marker = ux.Styles.Success.Render("*")
				}
				if p.AudioOnly() {
					fmt.Fprintf(a.stdout, "%s %-12s audio only  %s %d Hz  .%s\n", marker, name, p.AudioCodec, p.SampleRate, p.Container)
					continue
				}
				fmt.Fprintf(a.stdout, "%s %-12s %dx%d @ %g  %s/%s  .%s\n", marker, name,
					p.Width, p.Height, p.FrameRate, p.VideoCodec, p.AudioCodec, p.Container)
			}
			return nil
		},
	}
}
