// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves render jobs and cache administration over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter builds the HTTP routes. cache may be nil when the render
// cache is disabled.
func NewRouter(jobs *Manager, cache CacheAdmin, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		jobs:   jobs,
		cache:  cache,
		logger: logger.With(slog.String("component", "api")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("montage"))
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		renders := v1.Group("/renders")
		{
			renders.POST("", h.startRender)
			renders.GET("", h.listRenders)
			renders.GET("/:id", h.getRender)
			renders.DELETE("/:id", h.cancelRender)
			renders.GET("/:id/events", h.renderEvents)
		}
		c := v1.Group("/cache")
		{
			c.GET("", h.cacheStats)
			c.GET("/entries", h.cacheEntries)
			c.POST("/invalidate", h.cacheInvalidate)
			c.DELETE("", h.cacheClear)
		}
	}
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" || c.FullPath() == "/metrics" {
			return
		}
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

// Server runs the router until its context ends, then drains running
// renders.
type Server struct {
	http            *http.Server
	jobs            *Manager
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, jobs *Manager, cache CacheAdmin, shutdownTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(jobs, cache, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		jobs:            jobs,
		shutdownTimeout: shutdownTimeout,
		logger:          logger.With(slog.String("component", "api.Server")),
	}
}

// Run listens until ctx is cancelled. Shutdown stops accepting requests
// and cancels running renders, waiting up to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	jobsErr := s.jobs.Shutdown(sctx)
	httpErr := s.http.Shutdown(sctx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		httpErr = errors.Join(httpErr, err)
	}
	return errors.Join(jobsErr, httpErr)
}
