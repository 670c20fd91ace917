// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package ingest

import (
	"context"
	"time"

	"github.com/pulsecast/pulsecast/internal/logging"
)

// Sweeper periodically evicts stale sessions. It runs as a supervised
// service under the application's supervision tree.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{service: service, interval: interval}
}

// Serve implements suture.Service. Blocks until ctx is cancelled.
func (sw *Sweeper) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", sw.interval).Msg("session sweeper started")
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("session sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			if n := sw.service.EvictStale(); n > 0 {
				logging.Debug().Int("evicted", n).Msg("sweep complete")
			}
		}
	}
}

// String names the service in supervisor logs.
func (sw *Sweeper) String() string {
	return "ingest-sweeper"
}
