// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsecast/pulsecast/internal/logging"
	"github.com/pulsecast/pulsecast/internal/metrics"
	"github.com/pulsecast/pulsecast/internal/models"
	"github.com/pulsecast/pulsecast/internal/protocol"
	"github.com/pulsecast/pulsecast/internal/resolver"
	"github.com/pulsecast/pulsecast/internal/store"
)

// User-facing error strings carried in snapshot responses. Domain
// failures ride on a 200 with the arrays intact so polling dashboards
// keep rendering whatever was already buffered.
const (
	errNotLiveMsg  = "user is not live or does not exist"
	errUpstreamMsg = "failed to resolve live stream"
)

// RoomResolver resolves a handle to its live room id.
type RoomResolver interface {
	Resolve(ctx context.Context, handle string) (string, error)
}

// Options configures a Service.
type Options struct {
	Store    *store.Store
	Resolver RoomResolver
	Factory  protocol.Factory

	// ConnectTimeout bounds the gateway handshake of the background
	// connection attempt each poll may start.
	ConnectTimeout time.Duration

	// StaleAfter is how long a handle may go unpolled and silent before
	// the sweeper evicts its session and buffers.
	StaleAfter time.Duration
}

// Service is the connection manager. Each polled handle gets one session
// holding at most one live gateway connection; polls are serialized per
// handle and non-blocking with respect to connection establishment.
type Service struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session

	// seq tags connections so terminal callbacks from a replaced
	// connection cannot tear down its successor.
	seq atomic.Uint64
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	return &Service{
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// NormalizeHandle canonicalizes a polled username: surrounding space and
// a leading @ are stripped. Returns "" for effectively blank input.
func NormalizeHandle(username string) string {
	h := strings.TrimSpace(username)
	h = strings.TrimPrefix(h, "@")
	return strings.TrimSpace(h)
}

// Poll serves one poll for the handle: ensures a live connection exists
// (resolving the room id first when needed), refreshes the handle's
// activity, and returns the current buffered snapshot. Resolution and
// connection failures are reported in the snapshot's Error field; the
// event arrays are always present.
func (s *Service) Poll(ctx context.Context, handle string) models.Snapshot {
	sess := s.session(handle)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	var pollErr string
	if sess.conn == nil {
		if sess.roomID == "" {
			roomID, err := s.opts.Resolver.Resolve(ctx, handle)
			switch {
			case errors.Is(err, resolver.ErrNotLive):
				pollErr = errNotLiveMsg
			case err != nil:
				logging.Warn().Str("handle", handle).Err(err).Msg("room resolution failed")
				pollErr = errUpstreamMsg
			default:
				sess.roomID = roomID
			}
		}
		if sess.roomID != "" {
			s.connectLocked(sess)
		}
	}

	s.opts.Store.Touch(handle)
	snap := s.opts.Store.Snapshot(handle)
	snap.Error = pollErr
	return snap
}

// session returns the handle's session record, creating it on first poll.
func (s *Service) session(handle string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	if !ok {
		sess = &session{handle: handle, state: StateIdle}
		s.sessions[handle] = sess
		metrics.SessionsActive.Set(float64(len(s.sessions)))
	}
	return sess
}

// connectLocked starts a background connection attempt for the session.
// Caller holds sess.mu. The poll that triggered it does not wait for the
// handshake; events begin accumulating once the connection is up.
func (s *Service) connectLocked(sess *session) {
	if sess.conn != nil {
		return
	}
	seq := s.seq.Add(1)
	sess.connSeq = seq
	sess.state = StateConnecting

	client := s.opts.Factory(sess.handle, sess.roomID, s.handlersFor(sess, seq))
	sess.conn = client
	metrics.ConnectionsOpened.Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
		defer cancel()
		if err := client.Connect(ctx); err != nil {
			logging.Warn().
				Str("handle", sess.handle).
				Str("room_id", sess.roomID).
				Err(err).
				Msg("gateway connection failed")
			s.dropConnection(sess, seq, StateError, "connect_failed")
			return
		}
		sess.mu.Lock()
		if sess.connSeq == seq {
			sess.state = StateConnected
			metrics.ConnectionsActive.Inc()
		}
		sess.mu.Unlock()
		logging.Info().
			Str("handle", sess.handle).
			Str("room_id", sess.roomID).
			Msg("live connection established")
	}()
}

// handlersFor builds the signal handlers for one connection attempt.
// Event handlers normalize payloads into the store; terminal handlers
// tear the connection down and clear the cached room id so the next poll
// re-resolves.
func (s *Service) handlersFor(sess *session, seq uint64) protocol.Handlers {
	handle := sess.handle
	return protocol.Handlers{
		OnGift: func(p protocol.GiftPayload) {
			s.record(handle, models.Event{
				Kind:         models.KindGift,
				ActorID:      actorID(p.User),
				ActorName:    actorName(p.User),
				GiftID:       p.ResolvedGiftID(),
				GiftName:     p.ResolvedGiftName(),
				Count:        p.ResolvedCount(),
				ObservedAt:   time.Now(),
				RawTimestamp: p.Timestamp.String(),
			})
		},
		OnChat: func(p protocol.ChatPayload) {
			s.record(handle, models.Event{
				Kind:         models.KindComment,
				ActorID:      actorID(p.User),
				ActorName:    actorName(p.User),
				MessageID:    p.ResolvedMsgID(),
				Text:         p.ResolvedText(),
				ObservedAt:   time.Now(),
				RawTimestamp: p.Timestamp.String(),
			})
		},
		OnLike: func(p protocol.LikePayload) {
			s.record(handle, models.Event{
				Kind:       models.KindLike,
				ActorID:    actorID(p.User),
				ActorName:  actorName(p.User),
				ObservedAt: time.Now(),
			})
		},
		OnSocial: func(p protocol.SocialPayload) {
			if !p.IsShare() {
				return
			}
			s.record(handle, models.Event{
				Kind:       models.KindShare,
				ActorID:    actorID(p.User),
				ActorName:  actorName(p.User),
				ObservedAt: time.Now(),
			})
		},
		OnStreamEnd: func() {
			logging.Info().Str("handle", handle).Msg("live stream ended")
			s.dropConnection(sess, seq, StateDisconnected, "stream_end")
		},
		OnDisconnected: func() {
			s.dropConnection(sess, seq, StateDisconnected, "disconnected")
		},
		OnError: func(err error) {
			logging.Warn().Str("handle", handle).Err(err).Msg("live connection error")
			s.dropConnection(sess, seq, StateError, "protocol_error")
		},
	}
}

// record stores one normalized event, touching activity as a side effect
// of acceptance.
func (s *Service) record(handle string, ev models.Event) {
	if s.opts.Store.Record(handle, ev) {
		logging.Debug().
			Str("handle", handle).
			Str("kind", string(ev.Kind)).
			Str("actor", ev.ActorName).
			Msg("event recorded")
	}
}

// dropConnection tears down the tagged connection if it is still the
// session's current one. Clearing roomID forces the next poll to resolve
// again, which is how a handle recovers after a stream ends or errors.
func (s *Service) dropConnection(sess *session, seq uint64, state ConnState, reason string) {
	sess.mu.Lock()
	if sess.connSeq != seq {
		sess.mu.Unlock()
		return
	}
	conn := sess.conn
	wasConnected := sess.state == StateConnected
	sess.conn = nil
	sess.roomID = ""
	sess.state = state
	// A streamEnd is followed by the reader loop's own disconnect
	// callback with the same seq; invalidating it here keeps the first
	// terminal signal authoritative.
	sess.connSeq++
	sess.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	if wasConnected {
		metrics.ConnectionsActive.Dec()
	}
	metrics.ConnectionFailures.WithLabelValues(reason).Inc()
}

// EvictStale drops every session and buffer that has seen no poll and no
// event for the configured idle window. Called by the sweeper.
func (s *Service) EvictStale() int {
	evicted := 0
	for _, handle := range s.opts.Store.StaleHandles(s.opts.StaleAfter) {
		if s.evict(handle) {
			evicted++
		}
	}
	if evicted > 0 {
		logging.Info().Int("evicted", evicted).Msg("stale sessions swept")
	}
	return evicted
}

// evict tears down one stale handle. Staleness is confirmed again under
// the session lock: a poll that was in flight when the sweep sampled the
// handle refreshes activity (and may open a fresh connection), and that
// poll must win over the sweep.
func (s *Service) evict(handle string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[handle]
	s.mu.Unlock()

	if !ok {
		// Buffers without a session record (evicted earlier, events
		// never polled again) still age out.
		if !s.opts.Store.Stale(handle, s.opts.StaleAfter) {
			return false
		}
		s.opts.Store.Remove(handle)
		metrics.SessionsEvicted.Inc()
		return true
	}

	sess.mu.Lock()
	if !s.opts.Store.Stale(handle, s.opts.StaleAfter) {
		sess.mu.Unlock()
		return false
	}
	conn := sess.conn
	wasConnected := sess.state == StateConnected
	sess.conn = nil
	sess.roomID = ""
	sess.state = StateIdle
	sess.connSeq++ // invalidate pending callbacks
	sess.mu.Unlock()

	s.mu.Lock()
	if cur, ok := s.sessions[handle]; ok && cur == sess {
		delete(s.sessions, handle)
		metrics.SessionsActive.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	if wasConnected {
		metrics.ConnectionsActive.Dec()
	}
	s.opts.Store.Remove(handle)
	metrics.SessionsEvicted.Inc()
	return true
}

// actorID picks a stable actor identity for fingerprinting. The upstream
// omits ids entirely on some frames; those collapse under "unknown",
// which only makes dedup more aggressive for anonymous bursts.
func actorID(u protocol.User) string {
	if id := u.UserID.String(); id != "" {
		return id
	}
	if u.UniqueID != "" {
		return u.UniqueID
	}
	return "unknown"
}

// actorName picks the display name to render.
func actorName(u protocol.User) string {
	for _, name := range []string{u.Nickname, u.DisplayName, u.UniqueID, u.UserID.String()} {
		if name != "" {
			return name
		}
	}
	return "Anonymous"
}

// Stats reports session and connection counts for readiness checks.
type Stats struct {
	Sessions  int `json:"sessions"`
	Connected int `json:"connected"`
}

// Stats returns the current session and connected-connection counts.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	st := Stats{Sessions: len(sessions)}
	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.state == StateConnected {
			st.Connected++
		}
		sess.mu.Unlock()
	}
	return st
}

// Shutdown disconnects every live connection. Used on process exit.
func (s *Service) Shutdown() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		conn := sess.conn
		sess.conn = nil
		sess.connSeq++
		sess.state = StateIdle
		sess.mu.Unlock()
		if conn != nil {
			conn.Disconnect()
		}
	}
}
