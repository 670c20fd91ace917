// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package protocol defines the live-connection abstraction and the
// webcast gateway implementation behind it. The payload types mirror the
// upstream's loosely-typed frames: ids arrive as strings or numbers
// depending on frame revision, and most fields have several aliases.
package protocol

import (
	"context"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Signal names carried in the type field of gateway frames.
const (
	SignalGift         = "gift"
	SignalChat         = "chat"
	SignalLike         = "like"
	SignalShare        = "share"
	SignalSocial       = "social"
	SignalConnected    = "connected"
	SignalDisconnected = "disconnected"
	SignalStreamEnd    = "streamEnd"
	SignalError        = "error"
)

// StringOrNumber decodes a JSON field that upstream serializes as either
// a string, a number, or null.
type StringOrNumber string

func (s *StringOrNumber) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*s = ""
		return nil
	}
	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = StringOrNumber(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = StringOrNumber(num.String())
	return nil
}

func (s StringOrNumber) String() string { return string(s) }

// User identifies the actor of an event. Display name fields are aliases
// across frame revisions; consumers apply their own preference order.
type User struct {
	UserID      StringOrNumber `json:"userId"`
	UniqueID    string         `json:"uniqueId"`
	Nickname    string         `json:"nickname"`
	DisplayName string         `json:"displayName"`
}

// GiftPayload is a gift frame. GiftID/ID and the name and count fields
// are revision aliases.
type GiftPayload struct {
	User
	GiftID StringOrNumber `json:"giftId"`
	ID     StringOrNumber `json:"id"`
	Gift   struct {
		Name string `json:"name"`
	} `json:"gift"`
	GiftName    string         `json:"giftName"`
	RepeatCount int            `json:"repeatCount"`
	RepeatEnd   int            `json:"repeatEnd"`
	Count       int            `json:"count"`
	Timestamp   StringOrNumber `json:"timestamp"`
}

// ResolvedGiftID returns the first present gift id alias.
func (p GiftPayload) ResolvedGiftID() string {
	if p.GiftID != "" {
		return p.GiftID.String()
	}
	return p.ID.String()
}

// ResolvedGiftName returns the first present name alias, or "Gift".
func (p GiftPayload) ResolvedGiftName() string {
	if p.Gift.Name != "" {
		return p.Gift.Name
	}
	if p.GiftName != "" {
		return p.GiftName
	}
	return "Gift"
}

// ResolvedCount returns the first positive count alias, or 1.
func (p GiftPayload) ResolvedCount() int {
	for _, n := range []int{p.RepeatCount, p.RepeatEnd, p.Count} {
		if n > 0 {
			return n
		}
	}
	return 1
}

// ChatPayload is a comment frame.
type ChatPayload struct {
	User
	Text      string         `json:"text"`
	Comment   string         `json:"comment"`
	MsgID     StringOrNumber `json:"msgId"`
	ID        StringOrNumber `json:"id"`
	Timestamp StringOrNumber `json:"timestamp"`
}

// ResolvedText returns the first present text alias, trimmed. Upstream
// redeliveries sometimes differ only in surrounding whitespace; trimming
// keeps their fingerprints identical.
func (p ChatPayload) ResolvedText() string {
	if text := strings.TrimSpace(p.Text); text != "" {
		return text
	}
	return strings.TrimSpace(p.Comment)
}

// ResolvedMsgID returns the first present message id alias.
func (p ChatPayload) ResolvedMsgID() string {
	if p.MsgID != "" {
		return p.MsgID.String()
	}
	return p.ID.String()
}

// LikePayload is a like frame.
type LikePayload struct {
	User
	LikeCount int `json:"likeCount"`
}

// SocialPayload is a social frame: shares, follows and similar actions
// multiplexed on one signal, discriminated by Action or Type.
type SocialPayload struct {
	User
	Action StringOrNumber `json:"action"`
	Type   StringOrNumber `json:"type"`
}

// shareAction is the social discriminant value meaning "shared the live".
const shareAction = 3

// IsShare reports whether the social frame is a share.
func (p SocialPayload) IsShare() bool {
	return socialCode(p.Action) == shareAction || socialCode(p.Type) == shareAction
}

func socialCode(v StringOrNumber) int {
	n, err := strconv.Atoi(v.String())
	if err != nil {
		return 0
	}
	return n
}

// ConnectedState is the payload of the connected signal.
type ConnectedState struct {
	RoomID StringOrNumber `json:"roomId"`
}

// Handlers receives decoded signals. Nil fields are skipped. Handlers
// fire on the connection's reader goroutine, one at a time.
type Handlers struct {
	OnConnected    func(state ConnectedState)
	OnGift         func(p GiftPayload)
	OnChat         func(p ChatPayload)
	OnLike         func(p LikePayload)
	OnSocial       func(p SocialPayload)
	OnStreamEnd    func()
	OnDisconnected func()
	OnError        func(err error)
}

// Client is one live connection. Connect blocks until the connection is
// established (or ctx expires) and then serves signals in the background
// until the stream ends, the peer drops, or Disconnect is called.
// Disconnect is idempotent and safe from any goroutine.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// Factory builds a Client for a resolved live session.
type Factory func(handle, roomID string, h Handlers) Client
