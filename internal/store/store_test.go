// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/pulsecast/pulsecast/internal/models"
)

func giftEvent(actor, giftID, rawTS string) models.Event {
	return models.Event{
		Kind:         models.KindGift,
		ActorID:      actor,
		ActorName:    "Actor " + actor,
		GiftID:       giftID,
		GiftName:     "Rose",
		Count:        1,
		ObservedAt:   time.Now(),
		RawTimestamp: rawTS,
	}
}

func TestRecordSuppressesDuplicateGifts(t *testing.T) {
	s := New(Options{})

	ev := giftEvent("u1", "g1", "1700000000000")
	if !s.Record("host", ev) {
		t.Fatal("first delivery should be accepted")
	}
	// Redelivery of the same upstream payload, observed later.
	dup := ev
	dup.ObservedAt = ev.ObservedAt.Add(3 * time.Second)
	if s.Record("host", dup) {
		t.Error("identical upstream payload should be suppressed")
	}
	// Same actor and gift, different upstream timestamp: a distinct gift.
	if !s.Record("host", giftEvent("u1", "g1", "1700000000500")) {
		t.Error("distinct upstream timestamp should be accepted")
	}

	snap := s.Snapshot("host")
	if len(snap.Gifts) != 2 {
		t.Errorf("gifts buffered = %d, want 2", len(snap.Gifts))
	}
}

func TestRecordKeepsTimestampLessGiftsDistinct(t *testing.T) {
	s := New(Options{})
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	ev := giftEvent("u1", "g1", "")
	ev.ObservedAt = base
	if !s.Record("host", ev) {
		t.Fatal("first timestamp-less gift should be accepted")
	}

	// Same actor and gift half a minute later, still no upstream
	// timestamp: a distinct gift, not a redelivery.
	later := giftEvent("u1", "g1", "")
	later.ObservedAt = base.Add(30 * time.Second)
	if !s.Record("host", later) {
		t.Error("distinct timestamp-less gift was suppressed")
	}

	// A true same-instant redelivery still collapses.
	dup := ev
	if s.Record("host", dup) {
		t.Error("same-instant redelivery should be suppressed")
	}
}

func TestRecordCoarsensLikesPerSecond(t *testing.T) {
	s := New(Options{})
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	like := func(actor string, at time.Time) models.Event {
		return models.Event{
			Kind:       models.KindLike,
			ActorID:    actor,
			ActorName:  actor,
			ObservedAt: at,
		}
	}

	if !s.Record("host", like("u1", base)) {
		t.Fatal("first like should be accepted")
	}
	// Burst within the same second collapses.
	if s.Record("host", like("u1", base.Add(400*time.Millisecond))) {
		t.Error("same-second like from same actor should be suppressed")
	}
	// Different actor in the same second is a distinct event.
	if !s.Record("host", like("u2", base.Add(100*time.Millisecond))) {
		t.Error("same-second like from another actor should be accepted")
	}
	// Same actor, next second.
	if !s.Record("host", like("u1", base.Add(time.Second))) {
		t.Error("next-second like from same actor should be accepted")
	}

	snap := s.Snapshot("host")
	if len(snap.Likes) != 3 {
		t.Errorf("likes buffered = %d, want 3", len(snap.Likes))
	}
}

func TestRecordIsolatesHandles(t *testing.T) {
	s := New(Options{})
	ev := giftEvent("u1", "g1", "1700000000000")

	if !s.Record("alice", ev) {
		t.Fatal("accept on first handle")
	}
	// Same fingerprint under a different handle is independent.
	if !s.Record("bob", ev) {
		t.Error("fingerprint sets must be scoped per handle")
	}
}

func TestSnapshotNewestFirstAndBounded(t *testing.T) {
	s := New(Options{BufferSize: 3})

	for i := 0; i < 5; i++ {
		ev := models.Event{
			Kind:       models.KindComment,
			ActorID:    "u1",
			ActorName:  "u1",
			MessageID:  fmt.Sprintf("m%d", i),
			Text:       fmt.Sprintf("comment %d", i),
			ObservedAt: time.Now(),
		}
		if !s.Record("host", ev) {
			t.Fatalf("comment %d rejected", i)
		}
	}

	snap := s.Snapshot("host")
	if len(snap.Comments) != 3 {
		t.Fatalf("comments buffered = %d, want 3", len(snap.Comments))
	}
	want := []string{"comment 4", "comment 3", "comment 2"}
	for i, w := range want {
		if snap.Comments[i].Comment != w {
			t.Errorf("comments[%d] = %q, want %q", i, snap.Comments[i].Comment, w)
		}
	}
}

func TestSnapshotUnknownHandleIsEmpty(t *testing.T) {
	s := New(Options{})
	snap := s.Snapshot("nobody")
	if snap.Gifts == nil || snap.Comments == nil || snap.Likes == nil || snap.Shares == nil {
		t.Error("all four arrays must be allocated even for unknown handles")
	}
	if len(snap.Gifts)+len(snap.Comments)+len(snap.Likes)+len(snap.Shares) != 0 {
		t.Error("unknown handle should have no events")
	}
}

func TestStaleHandles(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(Options{Clock: clock})

	s.Touch("fresh")
	now = now.Add(15 * time.Minute)
	s.Touch("fresh") // refreshed by a later poll

	stale := s.StaleHandles(10 * time.Minute)
	if len(stale) != 0 {
		t.Fatalf("StaleHandles = %v, want none", stale)
	}

	s.Record("idle", giftEvent("u1", "g1", "1"))
	now = now.Add(11 * time.Minute)
	s.Touch("fresh")

	stale = s.StaleHandles(10 * time.Minute)
	if len(stale) != 1 || stale[0] != "idle" {
		t.Fatalf("StaleHandles = %v, want [idle]", stale)
	}
}

func TestRemoveDropsAllState(t *testing.T) {
	s := New(Options{})
	s.Record("host", giftEvent("u1", "g1", "1700000000000"))
	if s.Handles() != 1 {
		t.Fatalf("Handles() = %d, want 1", s.Handles())
	}

	s.Remove("host")
	if s.Handles() != 0 {
		t.Errorf("Handles() after Remove = %d, want 0", s.Handles())
	}
	if len(s.Snapshot("host").Gifts) != 0 {
		t.Error("buffers should be empty after Remove")
	}
	// Fingerprints are gone too: the same event records again.
	if !s.Record("host", giftEvent("u1", "g1", "1700000000000")) {
		t.Error("fingerprint set should reset after Remove")
	}
}
