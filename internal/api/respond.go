// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pulsecast/pulsecast/internal/logging"
	"github.com/pulsecast/pulsecast/internal/models"
)

// respondSnapshot writes a snapshot response. The snapshot shape is the
// full contract of the polling endpoint: all four arrays always present,
// optional message and error strings.
func respondSnapshot(w http.ResponseWriter, status int, snap models.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	data, err := json.Marshal(snap)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal snapshot response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write snapshot response")
	}
}

// respondJSON writes an arbitrary JSON body, used by the health endpoints.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}
