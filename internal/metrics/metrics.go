// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package metrics provides Prometheus instrumentation for the ingestion
// engine: event throughput and dedup suppression per kind, upstream
// connection lifecycle, room resolution outcomes, and HTTP request latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsecast_events_ingested_total",
			Help: "Total number of live events accepted into buffers",
		},
		[]string{"kind"},
	)

	EventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsecast_events_suppressed_total",
			Help: "Total number of duplicate live events suppressed by fingerprint",
		},
		[]string{"kind"},
	)

	// Connection metrics

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsecast_connections_active",
			Help: "Current number of live upstream connections",
		},
	)

	ConnectionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsecast_connections_opened_total",
			Help: "Total number of upstream connection attempts",
		},
	)

	ConnectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsecast_connection_failures_total",
			Help: "Total number of upstream connection failures and terminal signals",
		},
		[]string{"reason"}, // "connect_failed", "disconnected", "stream_end", "protocol_error"
	)

	// Resolver metrics

	ResolveOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsecast_resolve_outcomes_total",
			Help: "Total number of room-id resolution attempts by outcome",
		},
		[]string{"outcome"}, // "resolved", "not_live", "error"
	)

	// Session metrics

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsecast_sessions_active",
			Help: "Current number of tracked handle sessions",
		},
	)

	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsecast_sessions_evicted_total",
			Help: "Total number of sessions evicted by the cleanup sweeper",
		},
	)

	// HTTP metrics

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsecast_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsecast_http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)
)

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// TrackActiveRequest tracks in-flight HTTP requests.
func TrackActiveRequest(inc bool) {
	if inc {
		HTTPActiveRequests.Inc()
	} else {
		HTTPActiveRequests.Dec()
	}
}
