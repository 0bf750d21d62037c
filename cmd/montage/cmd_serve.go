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
	"log/slog"

	"github.com/AleutianAI/montage/services/editor/api"
	"github.com/AleutianAI/montage/services/editor/cache"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve render jobs and cache administration over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			if a.cfg.Logging.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			tc, err := a.transcoder()
			if err != nil {
				return err
			}
			mcfg := api.ManagerConfig{
				Transcoder:      tc,
				Probe:           a.prober(),
				Resolve:         a.cfg.RenderParams,
				MaxJobs:         a.cfg.Server.MaxJobs,
				OptimizeComplex: a.cfg.Render.OptimizeComplex,
				MaxConcurrency:  a.cfg.Render.MaxConcurrency,
				ProgressRate:    a.cfg.Render.ProgressRate,
				WorkDir:         a.workDir(a.cfg.Cache.Enabled),
				Logger:          a.logger,
			}

			var admin api.CacheAdmin
			if a.cfg.Cache.Enabled {
				rc, err := a.openCache(ctx)
				if err != nil {
					return err
				}
				mcfg.Cache = rc
				admin = rc

				if a.cfg.Cache.Watch {
					w, err := cache.NewAssetWatcher(rc, &cache.WatcherOptions{
						Logger: a.logger,
						OnInvalidate: func(c cache.AssetChange, removed int) {
							a.logger.Info("asset changed",
								slog.String("asset_id", c.AssetID),
								slog.String("op", c.Op.String()),
								slog.Int("removed", removed),
							)
						},
					})
					if err != nil {
						return err
					}
					w.Start(ctx)
					defer w.Stop()
					mcfg.Watcher = w
				}
			}

			jobs, err := api.NewManager(mcfg)
			if err != nil {
				return err
			}
			srv := api.NewServer(addr, jobs, admin, a.cfg.Server.ShutdownTimeout, a.logger)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; default: server.addr")
	return cmd
}
