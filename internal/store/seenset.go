// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package store holds the per-handle event buffers and the bounded
// fingerprint sets that deduplicate the at-least-once upstream delivery.
package store

// SeenSet is a bounded set of fingerprints preserving insertion order.
// When the size exceeds cap, only the most recently inserted keep entries
// survive (oldest discarded first). Near-duplicate upstream signals arrive
// within seconds of each other, well inside the retained window, so the
// bound does not defeat short-window dedup.
//
// SeenSet is not safe for concurrent use; Store serializes access.
type SeenSet struct {
	cap   int
	keep  int
	index map[string]struct{}
	order []string
}

// NewSeenSet creates a SeenSet that evicts down to keep entries once size
// exceeds capacity. keep must be smaller than capacity.
func NewSeenSet(capacity, keep int) *SeenSet {
	if capacity <= 0 {
		capacity = 1000
	}
	if keep <= 0 || keep >= capacity {
		keep = capacity / 2
	}
	return &SeenSet{
		cap:   capacity,
		keep:  keep,
		index: make(map[string]struct{}, capacity),
	}
}

// Contains reports whether the fingerprint is currently tracked.
func (s *SeenSet) Contains(fp string) bool {
	_, ok := s.index[fp]
	return ok
}

// Add inserts a fingerprint and evicts oldest entries if the cap is
// exceeded. Re-adding a tracked fingerprint is a no-op.
func (s *SeenSet) Add(fp string) {
	if _, ok := s.index[fp]; ok {
		return
	}
	s.index[fp] = struct{}{}
	s.order = append(s.order, fp)

	if len(s.order) > s.cap {
		drop := len(s.order) - s.keep
		for _, old := range s.order[:drop] {
			delete(s.index, old)
		}
		remaining := make([]string, len(s.order)-drop)
		copy(remaining, s.order[drop:])
		s.order = remaining
	}
}

// Len returns the number of tracked fingerprints.
func (s *SeenSet) Len() int {
	return len(s.order)
}
