// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package main is the entry point for the Pulsecast server.
//
// Pulsecast ingests TikTok Live events (gifts, comments, likes, shares)
// for polled usernames, deduplicates the upstream's redundant deliveries,
// and serves the buffered events to polling dashboards over a simple
// HTTP API.
//
// The server initializes in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, config.yaml,
//     PULSECAST_-prefixed environment variables)
//  2. Event store: bounded per-handle buffers and fingerprint sets
//  3. Room resolver: profile scraping behind a circuit breaker
//  4. Ingest service: one supervised live connection per polled handle
//  5. HTTP server: polling endpoint, health probes, Prometheus metrics
//
// Shutdown is graceful on SIGINT/SIGTERM: the supervision tree stops the
// sweeper and HTTP server, then live connections are disconnected.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsecast/pulsecast/internal/api"
	"github.com/pulsecast/pulsecast/internal/config"
	"github.com/pulsecast/pulsecast/internal/ingest"
	"github.com/pulsecast/pulsecast/internal/logging"
	"github.com/pulsecast/pulsecast/internal/protocol"
	"github.com/pulsecast/pulsecast/internal/resolver"
	"github.com/pulsecast/pulsecast/internal/store"
	"github.com/pulsecast/pulsecast/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("starting pulsecast")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventStore := store.New(store.Options{
		BufferSize:  cfg.Ingest.BufferSize,
		SeenSetCap:  cfg.Ingest.SeenSetCap,
		SeenSetKeep: cfg.Ingest.SeenSetKeep,
	})

	roomResolver := resolver.New(resolver.Options{
		BaseURL:         cfg.TikTok.ProfileBaseURL,
		UserAgent:       cfg.TikTok.UserAgent,
		Timeout:         cfg.TikTok.ResolveTimeout,
		BreakerFailures: cfg.TikTok.BreakerFailures,
		BreakerTimeout:  cfg.TikTok.BreakerTimeout,
	})

	gateway := protocol.NewFactory(protocol.WebcastOptions{
		GatewayURL: cfg.TikTok.WebcastURL,
		UserAgent:  cfg.TikTok.UserAgent,
	})

	service := ingest.NewService(ingest.Options{
		Store:      eventStore,
		Resolver:   roomResolver,
		Factory:    gateway,
		StaleAfter: cfg.Ingest.StaleAfter,
	})
	defer service.Shutdown()

	handler := api.NewHandler(service)
	router := api.NewRouter(handler, api.NewMiddleware(&api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Security.CORSOrigins,
		RateLimitRequests:  cfg.Security.RateLimitReqs,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
		RateLimitDisabled:  cfg.Security.RateLimitDisabled,
	}))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	slogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	tree.AddIngestService(ingest.NewSweeper(service, cfg.Ingest.SweepInterval))
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("pulsecast stopped")
}
