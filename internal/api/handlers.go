// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package api provides the HTTP surface: the polling endpoint, health
// probes, and the middleware stack around them.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pulsecast/pulsecast/internal/ingest"
	"github.com/pulsecast/pulsecast/internal/logging"
	"github.com/pulsecast/pulsecast/internal/models"
)

// Poller is the slice of the ingest service the HTTP layer needs.
type Poller interface {
	Poll(ctx context.Context, handle string) models.Snapshot
	Stats() ingest.Stats
}

// Handler serves the polling and health endpoints.
type Handler struct {
	service Poller
	started time.Time
}

// NewHandler creates a Handler over the ingest service.
func NewHandler(service Poller) *Handler {
	return &Handler{service: service, started: time.Now()}
}

// Live serves GET /api/tiktok/live?username=<handle>. Blank usernames are
// a 400; every other outcome is a 200 carrying the snapshot, with domain
// failures reported in the snapshot's error field so polling clients keep
// their rendered state.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error().Interface("panic", rec).Msg("panic serving live poll")
			snap := models.EmptySnapshot()
			snap.Message = "Internal server error"
			snap.Error = "internal server error"
			respondSnapshot(w, http.StatusInternalServerError, snap)
		}
	}()

	handle := ingest.NormalizeHandle(r.URL.Query().Get("username"))
	if handle == "" {
		snap := models.EmptySnapshot()
		snap.Message = "Username is required"
		snap.Error = "username required"
		respondSnapshot(w, http.StatusBadRequest, snap)
		return
	}

	snap := h.service.Poll(r.Context(), handle)
	respondSnapshot(w, http.StatusOK, snap)
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// HealthReady reports readiness with session and connection counts.
func (h *Handler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	stats := h.service.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  stats.Sessions,
		"connected": stats.Connected,
	})
}
