// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package ingest owns the per-handle live sessions: resolving room ids,
// holding at most one gateway connection per handle, normalizing the
// incoming signals into the event store, and evicting idle sessions.
package ingest

import (
	"sync"

	"github.com/pulsecast/pulsecast/internal/protocol"
)

// ConnState is the lifecycle state of a session's gateway connection.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// session is the per-handle connection record. The session mutex
// serializes polls for the same handle, which is what guarantees at most
// one connection attempt per handle at a time. roomID persists across
// polls for the session's lifetime and is cleared when the connection
// reaches a terminal state, so the next poll resolves afresh.
type session struct {
	handle string

	mu      sync.Mutex
	roomID  string
	state   ConnState
	conn    protocol.Client
	connSeq uint64 // tags conn so stale teardown callbacks are ignored
}
