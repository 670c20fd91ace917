// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package models defines the normalized live-event types, their
// deduplication fingerprints, and the wire shapes returned by the API.
package models

import (
	"strconv"
	"time"
)

// EventKind identifies one of the four live event kinds the upstream
// protocol emits.
type EventKind string

const (
	KindGift    EventKind = "gift"
	KindComment EventKind = "comment"
	KindLike    EventKind = "like"
	KindShare   EventKind = "share"
)

// Kinds lists all event kinds in response order.
func Kinds() []EventKind {
	return []EventKind{KindGift, KindComment, KindLike, KindShare}
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindGift, KindComment, KindLike, KindShare:
		return true
	}
	return false
}

// ClockTimeLayout is the localized clock-time format carried on every wire
// event, matching what the dashboard renders.
const ClockTimeLayout = "15:04:05"

// commentPrefixLen is how many characters of comment text participate in
// the fallback fingerprint when the upstream omits a message id.
const commentPrefixLen = 50

// Event is a normalized live event. Kind selects which of the optional
// fields are meaningful: GiftID/GiftName/Count for gifts, MessageID/Text
// for comments; likes and shares carry only the actor.
type Event struct {
	Kind      EventKind
	ActorID   string
	ActorName string

	// Gift fields
	GiftID   string
	GiftName string
	Count    int

	// Comment fields
	MessageID string
	Text      string

	// ObservedAt is when the listener fired, local clock.
	ObservedAt time.Time

	// RawTimestamp is the upstream's own timestamp string, when present.
	// It participates in gift and comment fingerprints so identical
	// upstream redeliveries collapse even across our own clock drift.
	RawTimestamp string
}

// Fingerprint derives the deduplication key for the event.
//
// Gifts are exactly identified by the upstream's (actor, gift, timestamp)
// tuple. Comments prefer the upstream message id and fall back to a
// text-prefix composite. Likes and shares are deliberately coarsened to one
// event per actor per second: the upstream emits redundant near-duplicate
// notifications for these two kinds in rapid bursts.
func (e Event) Fingerprint() string {
	switch e.Kind {
	case KindGift:
		return e.ActorID + "_" + e.GiftID + "_" + e.timestampKey()
	case KindComment:
		if e.MessageID != "" {
			return e.MessageID
		}
		return e.ActorID + "_" + prefixRunes(e.Text, commentPrefixLen) + "_" + e.timestampKey()
	default: // KindLike, KindShare
		return e.ActorID + "_" + strconv.FormatInt(e.ObservedAt.Unix(), 10)
	}
}

// timestampKey is the upstream timestamp when present, else the local
// receipt time in milliseconds. Without the fallback every timestamp-less
// gift with the same (actor, gift) tuple would collapse into one
// fingerprint for the life of the seen window.
func (e Event) timestampKey() string {
	if e.RawTimestamp != "" {
		return e.RawTimestamp
	}
	return strconv.FormatInt(e.ObservedAt.UnixMilli(), 10)
}

// prefixRunes returns at most n leading runes of s.
func prefixRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// WireEvent is the JSON shape of one event in an API snapshot. Every event
// carries username and a localized clock time; gifts add gift name and
// count, comments add the comment text.
type WireEvent struct {
	Username string `json:"username"`
	Time     string `json:"time"`
	Gift     string `json:"gift,omitempty"`
	Count    int    `json:"count,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// Wire converts the normalized event to its API shape.
func (e Event) Wire() WireEvent {
	w := WireEvent{
		Username: e.ActorName,
		Time:     e.ObservedAt.Format(ClockTimeLayout),
	}
	switch e.Kind {
	case KindGift:
		w.Gift = e.GiftName
		w.Count = e.Count
	case KindComment:
		w.Comment = e.Text
	}
	return w
}

// Snapshot is the full API response body for one handle. All four arrays
// are always present (possibly empty) so polling clients never branch on
// shape; Error is set only for domain-level failures and Message only on
// transport-level failures (400/500).
type Snapshot struct {
	Message  string      `json:"message,omitempty"`
	Gifts    []WireEvent `json:"gifts"`
	Comments []WireEvent `json:"comments"`
	Likes    []WireEvent `json:"likes"`
	Shares   []WireEvent `json:"shares"`
	Error    string      `json:"error,omitempty"`
}

// EmptySnapshot returns a snapshot with all four arrays allocated empty,
// so they serialize as [] rather than null.
func EmptySnapshot() Snapshot {
	return Snapshot{
		Gifts:    []WireEvent{},
		Comments: []WireEvent{},
		Likes:    []WireEvent{},
		Shares:   []WireEvent{},
	}
}
