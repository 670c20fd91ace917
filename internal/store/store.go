// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package store

import (
	"sync"
	"time"

	"github.com/pulsecast/pulsecast/internal/metrics"
	"github.com/pulsecast/pulsecast/internal/models"
)

// Options configures a Store.
type Options struct {
	// BufferSize caps each per-(handle, kind) event buffer.
	BufferSize int

	// SeenSetCap and SeenSetKeep bound the fingerprint sets: once a set
	// exceeds SeenSetCap entries it is trimmed to the most recent
	// SeenSetKeep, oldest first.
	SeenSetCap  int
	SeenSetKeep int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// bufKey addresses one (handle, kind) buffer.
type bufKey struct {
	handle string
	kind   models.EventKind
}

// Store is the per-handle event store and deduplicator. Buffers are
// appended to only by the connection manager's event handlers and read by
// snapshot; a single lock serializes both, which also fixes the buffer
// ordering to the order the handlers fired.
type Store struct {
	mu       sync.RWMutex
	opts     Options
	buffers  map[bufKey]*ring
	seen     map[bufKey]*SeenSet
	activity map[string]time.Time
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 500
	}
	if opts.SeenSetCap <= 0 {
		opts.SeenSetCap = 1000
	}
	if opts.SeenSetKeep <= 0 || opts.SeenSetKeep >= opts.SeenSetCap {
		opts.SeenSetKeep = opts.SeenSetCap / 2
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		opts:     opts,
		buffers:  make(map[bufKey]*ring),
		seen:     make(map[bufKey]*SeenSet),
		activity: make(map[string]time.Time),
	}
}

// Record appends ev to the handle's buffer for its kind unless an event
// with an identical fingerprint was already recorded. Returns true when
// the event was accepted, false when it was suppressed as a duplicate.
func (s *Store) Record(handle string, ev models.Event) bool {
	fp := ev.Fingerprint()
	key := bufKey{handle: handle, kind: ev.Kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.seen[key]
	if !ok {
		set = NewSeenSet(s.opts.SeenSetCap, s.opts.SeenSetKeep)
		s.seen[key] = set
	}
	if set.Contains(fp) {
		metrics.EventsSuppressed.WithLabelValues(string(ev.Kind)).Inc()
		return false
	}
	set.Add(fp)

	buf, ok := s.buffers[key]
	if !ok {
		buf = newRing(s.opts.BufferSize)
		s.buffers[key] = buf
	}
	buf.Push(ev)

	s.activity[handle] = s.opts.Clock()
	metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	return true
}

// Snapshot returns the handle's current buffers in wire shape, newest
// first, with all four arrays allocated.
func (s *Store) Snapshot(handle string) models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := models.EmptySnapshot()
	for _, kind := range models.Kinds() {
		buf, ok := s.buffers[bufKey{handle: handle, kind: kind}]
		if !ok {
			continue
		}
		events := buf.Snapshot()
		wire := make([]models.WireEvent, 0, len(events))
		for _, ev := range events {
			wire = append(wire, ev.Wire())
		}
		switch kind {
		case models.KindGift:
			snap.Gifts = wire
		case models.KindComment:
			snap.Comments = wire
		case models.KindLike:
			snap.Likes = wire
		case models.KindShare:
			snap.Shares = wire
		}
	}
	return snap
}

// Touch marks the handle as active now. Every successful poll calls this,
// in addition to every accepted event, so the staleness sweep observes a
// timestamp that is actually maintained.
func (s *Store) Touch(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity[handle] = s.opts.Clock()
}

// LastActivity returns the handle's last activity timestamp.
func (s *Store) LastActivity(handle string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.activity[handle]
	return at, ok
}

// StaleHandles returns every handle whose last activity is older than
// maxIdle.
func (s *Store) StaleHandles(maxIdle time.Duration) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.opts.Clock().Add(-maxIdle)
	var stale []string
	for handle, at := range s.activity {
		if at.Before(cutoff) {
			stale = append(stale, handle)
		}
	}
	return stale
}

// Stale reports whether the handle's last activity is older than maxIdle.
// Handles without an activity record are not stale.
func (s *Store) Stale(handle string, maxIdle time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.activity[handle]
	if !ok {
		return false
	}
	return at.Before(s.opts.Clock().Add(-maxIdle))
}

// Remove drops the handle's buffers, fingerprint sets and activity record.
func (s *Store) Remove(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range models.Kinds() {
		key := bufKey{handle: handle, kind: kind}
		delete(s.buffers, key)
		delete(s.seen, key)
	}
	delete(s.activity, handle)
}

// Handles returns the number of handles with activity records.
func (s *Store) Handles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activity)
}
