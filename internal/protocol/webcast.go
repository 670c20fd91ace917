// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package protocol

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/pulsecast/pulsecast/internal/logging"
)

// WebcastOptions configures the webcast gateway client.
type WebcastOptions struct {
	// GatewayURL is the websocket endpoint, e.g.
	// wss://webcast.tiktok.com/ws/room.
	GatewayURL string

	// UserAgent is sent on the websocket handshake.
	UserAgent string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

// NewFactory returns a Factory producing webcast gateway clients.
func NewFactory(opts WebcastOptions) Factory {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return func(handle, roomID string, h Handlers) Client {
		return &webcastClient{
			opts:     opts,
			handle:   handle,
			roomID:   roomID,
			handlers: h,
			done:     make(chan struct{}),
		}
	}
}

// webcastClient is one websocket connection to the webcast gateway. The
// gateway multiplexes all signals as JSON frames {"type": ..., "data":
// ...}; the reader goroutine decodes and dispatches them until the
// stream ends or the socket drops.
type webcastClient struct {
	opts     WebcastOptions
	handle   string
	roomID   string
	handlers Handlers

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// frame is the gateway's signal envelope.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *webcastClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.opts.GatewayURL)
	if err != nil {
		return fmt.Errorf("parsing gateway url: %w", err)
	}
	q := u.Query()
	q.Set("room_id", c.roomID)
	q.Set("unique_id", c.handle)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.opts.UserAgent != "" {
		header.Set("User-Agent", c.opts.UserAgent)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("gateway handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("gateway dial failed: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client already disconnected")
	}
	c.conn = conn
	c.mu.Unlock()

	logging.Debug().
		Str("handle", c.handle).
		Str("room_id", c.roomID).
		Msg("webcast connection established")

	c.emitConnected(ConnectedState{RoomID: StringOrNumber(c.roomID)})

	go c.readLoop()
	go c.pingLoop()
	return nil
}

func (c *webcastClient) readLoop() {
	defer c.emitDisconnected()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.emitError(fmt.Errorf("gateway read: %w", err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.Debug().
				Str("handle", c.handle).
				Err(err).
				Msg("discarding malformed gateway frame")
			continue
		}

		if done := c.dispatch(f); done {
			return
		}
	}
}

// dispatch decodes and delivers one frame. Returns true when the frame
// terminates the connection.
func (c *webcastClient) dispatch(f frame) bool {
	switch f.Type {
	case SignalGift:
		var p GiftPayload
		if json.Unmarshal(f.Data, &p) == nil {
			c.emitGift(p)
		}
	case SignalChat:
		var p ChatPayload
		if json.Unmarshal(f.Data, &p) == nil {
			c.emitChat(p)
		}
	case SignalLike:
		var p LikePayload
		if json.Unmarshal(f.Data, &p) == nil {
			c.emitLike(p)
		}
	case SignalShare:
		// Some gateway revisions emit share directly instead of a
		// social frame; normalize to a social share.
		var u User
		if json.Unmarshal(f.Data, &u) == nil {
			c.emitSocial(SocialPayload{User: u, Action: "3"})
		}
	case SignalSocial:
		var p SocialPayload
		if json.Unmarshal(f.Data, &p) == nil {
			c.emitSocial(p)
		}
	case SignalStreamEnd:
		c.emitStreamEnd()
		return true
	case SignalError:
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(f.Data, &msg)
		c.emitError(fmt.Errorf("gateway error signal: %s", msg.Message))
	default:
		// Unknown signals are common as the gateway evolves.
	}
	return false
}

func (c *webcastClient) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Disconnect tears the connection down. Safe to call more than once and
// from any goroutine, including handlers.
func (c *webcastClient) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		conn.Close()
	}
}

func (c *webcastClient) emitConnected(s ConnectedState) {
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(s)
	}
}

func (c *webcastClient) emitGift(p GiftPayload) {
	if c.handlers.OnGift != nil {
		c.handlers.OnGift(p)
	}
}

func (c *webcastClient) emitChat(p ChatPayload) {
	if c.handlers.OnChat != nil {
		c.handlers.OnChat(p)
	}
}

func (c *webcastClient) emitLike(p LikePayload) {
	if c.handlers.OnLike != nil {
		c.handlers.OnLike(p)
	}
}

func (c *webcastClient) emitSocial(p SocialPayload) {
	if c.handlers.OnSocial != nil {
		c.handlers.OnSocial(p)
	}
}

func (c *webcastClient) emitStreamEnd() {
	if c.handlers.OnStreamEnd != nil {
		c.handlers.OnStreamEnd()
	}
}

func (c *webcastClient) emitDisconnected() {
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected()
	}
}

func (c *webcastClient) emitError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}
