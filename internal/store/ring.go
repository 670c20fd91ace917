// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package store

import "github.com/pulsecast/pulsecast/internal/models"

// ring is a bounded circular buffer of events. Push overwrites the oldest
// entry once the buffer is full; Snapshot returns events newest-first,
// which is the order the polling API serves.
//
// ring is not safe for concurrent use; Store serializes access.
type ring struct {
	events []models.Event
	next   int // index the next Push writes to
	full   bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &ring{events: make([]models.Event, capacity)}
}

// Push appends an event, discarding the oldest once full.
func (r *ring) Push(ev models.Event) {
	r.events[r.next] = ev
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of buffered events.
func (r *ring) Len() int {
	if r.full {
		return len(r.events)
	}
	return r.next
}

// Snapshot returns a newest-first copy of the buffered events.
func (r *ring) Snapshot() []models.Event {
	n := r.Len()
	out := make([]models.Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := r.next - i
		if idx < 0 {
			idx += len(r.events)
		}
		out = append(out, r.events[idx])
	}
	return out
}
