// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package config loads and validates Pulsecast configuration using Koanf v2
// with layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Pulsecast server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	TikTok   TikTokConfig   `koanf:"tiktok"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// TikTokConfig holds settings for the upstream TikTok surfaces: the public
// profile pages the resolver scrapes and the webcast gateway the protocol
// client connects to.
type TikTokConfig struct {
	// ProfileBaseURL is the base URL profile pages are fetched from.
	ProfileBaseURL string `koanf:"profile_base_url" validate:"required,url"`

	// WebcastURL is the websocket gateway the live protocol client dials.
	WebcastURL string `koanf:"webcast_url" validate:"required"`

	// UserAgent is sent on profile fetches. TikTok serves a degraded page
	// to unbranded clients, so this must look like a desktop browser.
	UserAgent string `koanf:"user_agent" validate:"required"`

	// ResolveTimeout bounds one profile-page fetch.
	ResolveTimeout time.Duration `koanf:"resolve_timeout" validate:"gt=0"`

	// BreakerFailures is the consecutive-failure count that opens the
	// resolver circuit breaker.
	BreakerFailures uint32 `koanf:"breaker_failures" validate:"min=1"`

	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// IngestConfig holds event-store and sweeper settings.
type IngestConfig struct {
	// BufferSize caps each per-(handle, kind) event buffer; oldest events
	// are discarded first once the cap is reached.
	BufferSize int `koanf:"buffer_size" validate:"min=1"`

	// SeenSetCap is the fingerprint-set size that triggers eviction.
	SeenSetCap int `koanf:"seen_set_cap" validate:"min=1"`

	// SeenSetKeep is how many of the most recent fingerprints survive an
	// eviction. Must be smaller than SeenSetCap.
	SeenSetKeep int `koanf:"seen_set_keep" validate:"min=1"`

	// SweepInterval is how often the cleanup sweeper runs.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`

	// StaleAfter is the idle duration after which a handle's session and
	// buffers are evicted.
	StaleAfter time.Duration `koanf:"stale_after" validate:"gt=0"`
}

// SecurityConfig holds CORS and rate-limit settings for the HTTP API.
type SecurityConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		TikTok: TikTokConfig{
			ProfileBaseURL:  "https://www.tiktok.com",
			WebcastURL:      "wss://webcast.tiktok.com/ws/room",
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ResolveTimeout:  15 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Ingest: IngestConfig{
			BufferSize:    500,
			SeenSetCap:    1000,
			SeenSetKeep:   500,
			SweepInterval: 10 * time.Minute,
			StaleAfter:    10 * time.Minute,
		},
		Security: SecurityConfig{
			CORSOrigins: []string{"*"},
			// The dashboard polls once per second per tracked handle,
			// two handles in dual mode: 120/min is permissive enough.
			RateLimitReqs:     120,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Ingest.SeenSetKeep >= c.Ingest.SeenSetCap {
		return fmt.Errorf("ingest.seen_set_keep (%d) must be smaller than ingest.seen_set_cap (%d)",
			c.Ingest.SeenSetKeep, c.Ingest.SeenSetCap)
	}
	return nil
}
