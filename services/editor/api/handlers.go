// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/AleutianAI/montage/pkg/validation"
	"github.com/AleutianAI/montage/services/editor/cache"
	"github.com/AleutianAI/montage/services/editor/config"
	"github.com/AleutianAI/montage/services/editor/project"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// CacheAdmin is the cache surface exposed over HTTP.
type CacheAdmin interface {
	Stats() cache.Stats
	Entries() []cache.Entry
	Invalidate(ctx context.Context, assetID string) int
	Clear(ctx context.Context) error
}

type errorResponse struct {
	Error string `json:"error"`
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

// startStatus maps Start errors to HTTP statuses.
func startStatus(err error) int {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, project.ErrIncompatibleFormat),
		errors.Is(err, project.ErrUnsupportedVersion),
		errors.Is(err, config.ErrUnknownPreset):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type handlers struct {
	jobs   *Manager
	cache  CacheAdmin
	logger *slog.Logger
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (h *handlers) startRender(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	job, err := h.jobs.Start(req)
	if err != nil {
		h.logger.Warn("render rejected", slog.String("project", req.Project), slog.String("error", err.Error()))
		abort(c, startStatus(err), err)
		return
	}
	c.Header("Location", "/v1/renders/"+job.ID)
	c.JSON(http.StatusAccepted, job.Status())
}

func (h *handlers) listRenders(c *gin.Context) {
	jobs := h.jobs.List()
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	c.JSON(http.StatusOK, gin.H{"renders": out})
}

func (h *handlers) job(c *gin.Context) (*Job, bool) {
	job, ok := h.jobs.Get(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, ErrJobNotFound)
	}
	return job, ok
}

func (h *handlers) getRender(c *gin.Context) {
	if job, ok := h.job(c); ok {
		c.JSON(http.StatusOK, job.Status())
	}
}

func (h *handlers) cancelRender(c *gin.Context) {
	job, ok := h.job(c)
	if !ok {
		return
	}
	if err := h.jobs.Cancel(job.ID); err != nil {
		abort(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusAccepted, job.Status())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 20 * time.Second
)

// renderEvents streams progress snapshots over a WebSocket: the current
// snapshot first, then updates until the render finishes. The connection
// is closed with a normal closure after the terminal snapshot.
func (h *handlers) renderEvents(c *gin.Context) {
	job, ok := h.job(c)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	updates, unsubscribe := job.Progress().Updates(16)
	defer unsubscribe()

	// Drain client frames so close and pong control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(v any) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(v)
	}

	cur := job.Progress().Current()
	if err := send(cur); err != nil {
		return
	}
	if cur.Done() {
		h.closeWS(ws)
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case p, open := <-updates:
			if !open {
				h.closeWS(ws)
				return
			}
			if err := send(p); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *handlers) closeWS(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "render finished")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func (h *handlers) cacheStats(c *gin.Context) {
	if h.cache == nil {
		abort(c, http.StatusNotFound, errors.New("render cache disabled"))
		return
	}
	st := h.cache.Stats()
	c.JSON(http.StatusOK, gin.H{"stats": st, "hit_rate": st.HitRate()})
}

func (h *handlers) cacheEntries(c *gin.Context) {
	if h.cache == nil {
		abort(c, http.StatusNotFound, errors.New("render cache disabled"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": h.cache.Entries()})
}

type invalidateRequest struct {
	AssetID string `json:"asset_id" binding:"required"`
}

func (h *handlers) cacheInvalidate(c *gin.Context) {
	if h.cache == nil {
		abort(c, http.StatusNotFound, errors.New("render cache disabled"))
		return
	}
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := validation.ValidateAssetID(req.AssetID); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	n := h.cache.Invalidate(c.Request.Context(), req.AssetID)
	c.JSON(http.StatusOK, gin.H{"asset_id": req.AssetID, "removed": n})
}

func (h *handlers) cacheClear(c *gin.Context) {
	if h.cache == nil {
		abort(c, http.StatusNotFound, errors.New("render cache disabled"))
		return
	}
	if err := h.cache.Clear(c.Request.Context()); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}
