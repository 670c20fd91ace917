// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package ingest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/pulsecast/pulsecast/internal/logging"
	"github.com/pulsecast/pulsecast/internal/metrics"
	"github.com/pulsecast/pulsecast/internal/protocol"
	"github.com/pulsecast/pulsecast/internal/resolver"
	"github.com/pulsecast/pulsecast/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type fakeResolver struct {
	mu     sync.Mutex
	roomID string
	err    error
	calls  int

	// gate, when set, blocks Resolve until closed; entered signals that
	// a resolution is in flight.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	roomID, err := f.roomID, f.err
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return roomID, err
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClient struct {
	handlers    protocol.Handlers
	connectErr  error
	connected   chan struct{}
	disconnects atomic.Int32
}

func (c *fakeClient) Connect(_ context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	close(c.connected)
	return nil
}

func (c *fakeClient) Disconnect() {
	c.disconnects.Add(1)
}

// fakeGateway is a Factory capturing every client it builds.
type fakeGateway struct {
	mu         sync.Mutex
	clients    []*fakeClient
	connectErr error
}

func (g *fakeGateway) factory(_, _ string, h protocol.Handlers) protocol.Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := &fakeClient{
		handlers:   h,
		connectErr: g.connectErr,
		connected:  make(chan struct{}),
	}
	g.clients = append(g.clients, c)
	return c
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *fakeGateway) client(i int) *fakeClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[i]
}

func newTestService(res *fakeResolver, gw *fakeGateway, opts store.Options) *Service {
	return NewService(Options{
		Store:          store.New(opts),
		Resolver:       res,
		Factory:        gw.factory,
		ConnectTimeout: 2 * time.Second,
		StaleAfter:     10 * time.Minute,
	})
}

func waitConnected(t *testing.T, c *fakeClient) {
	t.Helper()
	select {
	case <-c.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection attempt never ran")
	}
}

func giftFrame(userID, giftID, ts string) protocol.GiftPayload {
	var p protocol.GiftPayload
	p.UserID = protocol.StringOrNumber(userID)
	p.Nickname = "Fan " + userID
	p.GiftID = protocol.StringOrNumber(giftID)
	p.Gift.Name = "Rose"
	p.RepeatCount = 1
	p.Timestamp = protocol.StringOrNumber(ts)
	return p
}

func TestPollResolvesAndConnectsOnce(t *testing.T) {
	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	snap := svc.Poll(context.Background(), "host")
	if snap.Error != "" {
		t.Fatalf("first poll error = %q", snap.Error)
	}
	if len(snap.Gifts)+len(snap.Comments)+len(snap.Likes)+len(snap.Shares) != 0 {
		t.Error("first poll should return empty arrays")
	}

	waitConnected(t, gw.client(0))
	svc.Poll(context.Background(), "host")
	svc.Poll(context.Background(), "host")

	if got := res.callCount(); got != 1 {
		t.Errorf("resolver calls = %d, want 1 (room id cached for session)", got)
	}
	if got := gw.count(); got != 1 {
		t.Errorf("connections created = %d, want 1", got)
	}
}

func TestPollNotLive(t *testing.T) {
	res := &fakeResolver{err: resolver.ErrNotLive}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	snap := svc.Poll(context.Background(), "ghost")
	if snap.Error == "" {
		t.Error("not-live poll should set the error field")
	}
	if snap.Gifts == nil || snap.Comments == nil || snap.Likes == nil || snap.Shares == nil {
		t.Error("arrays must be present even on domain errors")
	}
	if gw.count() != 0 {
		t.Error("no connection should be attempted when not live")
	}

	// Not-live is not cached: the next poll tries again.
	svc.Poll(context.Background(), "ghost")
	if got := res.callCount(); got != 2 {
		t.Errorf("resolver calls = %d, want 2", got)
	}
}

func TestPollUpstreamFailure(t *testing.T) {
	res := &fakeResolver{err: resolver.ErrUpstream}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	snap := svc.Poll(context.Background(), "host")
	if snap.Error == "" {
		t.Error("upstream failure should set the error field")
	}
	if gw.count() != 0 {
		t.Error("no connection should be attempted on resolution failure")
	}
}

func TestConcurrentPollsShareOneConnection(t *testing.T) {
	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Poll(context.Background(), "host")
		}()
	}
	wg.Wait()

	if got := gw.count(); got != 1 {
		t.Errorf("connections created = %d, want 1", got)
	}
	if got := res.callCount(); got != 1 {
		t.Errorf("resolver calls = %d, want 1", got)
	}
}

func TestGiftRedeliveryCollapses(t *testing.T) {
	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	svc.Poll(context.Background(), "host")
	client := gw.client(0)
	waitConnected(t, client)

	// The upstream redelivers the same gift, then sends a genuinely new
	// one from the same user a moment later.
	client.handlers.OnGift(giftFrame("u1", "5655", "1700000000000"))
	client.handlers.OnGift(giftFrame("u1", "5655", "1700000000000"))
	client.handlers.OnGift(giftFrame("u1", "5655", "1700000000900"))

	snap := svc.Poll(context.Background(), "host")
	if len(snap.Gifts) != 2 {
		t.Errorf("gifts = %d, want 2", len(snap.Gifts))
	}
	if snap.Gifts[0].Gift != "Rose" || snap.Gifts[0].Count != 1 {
		t.Errorf("gift shape: %+v", snap.Gifts[0])
	}
	if snap.Gifts[0].Username != "Fan u1" {
		t.Errorf("gift username = %q", snap.Gifts[0].Username)
	}
}

func TestSocialSharesOnly(t *testing.T) {
	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	svc.Poll(context.Background(), "host")
	client := gw.client(0)
	waitConnected(t, client)

	share := protocol.SocialPayload{Action: "3"}
	share.UserID = "u1"
	share.Nickname = "Sharer"
	follow := protocol.SocialPayload{Action: "1"}
	follow.UserID = "u2"
	typed := protocol.SocialPayload{Type: "3"}
	typed.UserID = "u3"
	typed.Nickname = "Typed"

	client.handlers.OnSocial(share)
	client.handlers.OnSocial(follow)
	client.handlers.OnSocial(typed)

	snap := svc.Poll(context.Background(), "host")
	if len(snap.Shares) != 2 {
		t.Fatalf("shares = %d, want 2 (follows are not shares)", len(snap.Shares))
	}
}

func TestStreamEndClearsRoomAndReconnects(t *testing.T) {
	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	svc.Poll(context.Background(), "host")
	first := gw.client(0)
	waitConnected(t, first)

	first.handlers.OnStreamEnd()
	if first.disconnects.Load() == 0 {
		t.Error("stream end should disconnect the client")
	}

	// Next poll resolves afresh and opens a new connection.
	svc.Poll(context.Background(), "host")
	if got := res.callCount(); got != 2 {
		t.Errorf("resolver calls = %d, want 2 after stream end", got)
	}
	if got := gw.count(); got != 2 {
		t.Errorf("connections created = %d, want 2 after stream end", got)
	}
}

func TestStaleTerminalCallbackIgnored(t *testing.T) {
	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	svc.Poll(context.Background(), "host")
	first := gw.client(0)
	waitConnected(t, first)

	first.handlers.OnStreamEnd()
	svc.Poll(context.Background(), "host")
	second := gw.client(1)
	waitConnected(t, second)

	// A late disconnect from the replaced connection must not tear down
	// its successor.
	first.handlers.OnDisconnected()
	if second.disconnects.Load() != 0 {
		t.Error("stale callback tore down the replacement connection")
	}

	svc.Poll(context.Background(), "host")
	if got := gw.count(); got != 2 {
		t.Errorf("connections created = %d, want 2", got)
	}
}

func TestConnectFailureAllowsRetry(t *testing.T) {
	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{connectErr: context.DeadlineExceeded}
	svc := newTestService(res, gw, store.Options{})

	svc.Poll(context.Background(), "host")

	// The failing attempt runs in the background; give it a moment to
	// drop the connection, then poll again.
	deadline := time.Now().Add(2 * time.Second)
	for gw.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("connections created = %d, want retry after failure", gw.count())
		}
		svc.Poll(context.Background(), "host")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEvictStale(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{Clock: clock})

	svc.Poll(context.Background(), "host")
	client := gw.client(0)
	waitConnected(t, client)

	if n := svc.EvictStale(); n != 0 {
		t.Fatalf("fresh session evicted: %d", n)
	}

	advance(11 * time.Minute)
	if n := svc.EvictStale(); n != 1 {
		t.Fatalf("EvictStale = %d, want 1", n)
	}
	if client.disconnects.Load() == 0 {
		t.Error("eviction should disconnect the live connection")
	}
	if st := svc.Stats(); st.Sessions != 0 {
		t.Errorf("sessions after eviction = %d, want 0", st.Sessions)
	}

	// Buffers are gone: the next poll starts a fresh session.
	snap := svc.Poll(context.Background(), "host")
	if len(snap.Gifts) != 0 {
		t.Error("evicted buffers should not resurface")
	}
	if got := gw.count(); got != 2 {
		t.Errorf("connections created = %d, want 2", got)
	}
}

func TestSweepYieldsToInflightPoll(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{Clock: clock})

	svc.Poll(context.Background(), "host")
	first := gw.client(0)
	waitConnected(t, first)
	// Stream ends, so the next poll re-resolves from scratch.
	first.handlers.OnStreamEnd()

	advance(11 * time.Minute)

	// The first poll after the idle window blocks in resolution while
	// the sweep fires.
	res.gate = make(chan struct{})
	res.entered = make(chan struct{}, 1)
	pollDone := make(chan struct{})
	go func() {
		svc.Poll(context.Background(), "host")
		close(pollDone)
	}()
	<-res.entered

	sweepDone := make(chan int, 1)
	go func() { sweepDone <- svc.EvictStale() }()
	// Let the sweep sample staleness and queue behind the session lock
	// the poll is holding.
	time.Sleep(50 * time.Millisecond)

	close(res.gate)
	<-pollDone

	if n := <-sweepDone; n != 0 {
		t.Fatalf("sweep evicted %d sessions refreshed by an in-flight poll", n)
	}
	second := gw.client(1)
	waitConnected(t, second)
	if second.disconnects.Load() != 0 {
		t.Error("sweep tore down the connection the poll just opened")
	}
	if st := svc.Stats(); st.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", st.Sessions)
	}
}

func TestStreamEndCountsOneTerminalSignal(t *testing.T) {
	res := &fakeResolver{roomID: "7301"}
	gw := &fakeGateway{}
	svc := newTestService(res, gw, store.Options{})

	svc.Poll(context.Background(), "host")
	client := gw.client(0)
	waitConnected(t, client)

	streamEndBefore := testutil.ToFloat64(metrics.ConnectionFailures.WithLabelValues("stream_end"))
	discBefore := testutil.ToFloat64(metrics.ConnectionFailures.WithLabelValues("disconnected"))

	// The reader loop emits its own disconnect right after streamEnd;
	// only the first terminal signal may count.
	client.handlers.OnStreamEnd()
	client.handlers.OnDisconnected()

	if d := testutil.ToFloat64(metrics.ConnectionFailures.WithLabelValues("stream_end")) - streamEndBefore; d != 1 {
		t.Errorf("stream_end counted %v times, want 1", d)
	}
	if d := testutil.ToFloat64(metrics.ConnectionFailures.WithLabelValues("disconnected")) - discBefore; d != 0 {
		t.Errorf("disconnected counted %v times, want 0", d)
	}
	if got := client.disconnects.Load(); got != 1 {
		t.Errorf("client disconnected %d times, want 1", got)
	}
}

func TestNormalizeHandle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"host", "host"},
		{"@host", "host"},
		{"  @host  ", "host"},
		{"@", ""},
		{"   ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeHandle(tt.in); got != tt.want {
			t.Errorf("NormalizeHandle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestActorFallbacks(t *testing.T) {
	var u protocol.User
	if actorID(u) != "unknown" || actorName(u) != "Anonymous" {
		t.Errorf("empty user: id=%q name=%q", actorID(u), actorName(u))
	}

	u.UniqueID = "fan42"
	if actorID(u) != "fan42" || actorName(u) != "fan42" {
		t.Errorf("uniqueId fallback: id=%q name=%q", actorID(u), actorName(u))
	}

	u.UserID = "12345"
	u.Nickname = "Fan"
	if actorID(u) != "12345" || actorName(u) != "Fan" {
		t.Errorf("full user: id=%q name=%q", actorID(u), actorName(u))
	}
}
