// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

package resolver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pulsecast/pulsecast/internal/logging"
	"github.com/rs/zerolog"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func newTestResolver(t *testing.T, handler http.HandlerFunc) *Resolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:   srv.URL,
		UserAgent: "pulsecast-test",
		Timeout:   2 * time.Second,
	})
}

func TestResolveDirectPattern(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/@host" {
			t.Errorf("path = %q, want /@host", req.URL.Path)
		}
		if ua := req.Header.Get("User-Agent"); ua != "pulsecast-test" {
			t.Errorf("user agent = %q", ua)
		}
		io.WriteString(w, `<html>...{"roomId":"7301234567890123456","isLive":true}...</html>`)
	})

	roomID, err := r.Resolve(context.Background(), "host")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roomID != "7301234567890123456" {
		t.Errorf("roomID = %q", roomID)
	}
}

func TestResolveHydrationFallback(t *testing.T) {
	page := `<html><script id="__UNIVERSAL_DATA_FOR_REHYDRATION__" type="application/json">` +
		`{"__DEFAULT_SCOPE__":{"webapp.user-detail":{"userInfo":{"user":{"roomId":"7305550001112223334"}}}}}` +
		`</script></html>`
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, page)
	})

	roomID, err := r.Resolve(context.Background(), "host")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roomID != "7305550001112223334" {
		t.Errorf("roomID = %q", roomID)
	}
}

func TestResolveHydrationPathVariants(t *testing.T) {
	// Numeric room ids dodge the quoted direct patterns, so these go
	// through the structured traversal.
	blobs := map[string]string{
		"default-scope-live-room": `{"__DEFAULT_SCOPE__":{"webapp.user-detail":{"userInfo":{"user":{"roomId":7301}}}}}`,
		"legacy-nested-live-room": `{"defaultScope":{"webapp":{"user":{"liveRoom":{"roomId":7301}}}}}`,
		"legacy-user-room":        `{"defaultScope":{"webapp":{"user":{"roomId":7301}}}}`,
		"legacy-top-live-room":    `{"defaultScope":{"liveRoom":{"roomId":7301}}}`,
		"unscoped-user":           `{"webapp":{"user":{"liveRoom":{"roomId":7301}}}}`,
	}
	for name, blob := range blobs {
		body := []byte(`<html><script>window.__UNIVERSAL_DATA_FOR_REHYDRATION__ = ` + blob + `;</script></html>`)
		if got := extractRoomID(body); got != "7301" {
			t.Errorf("%s: extractRoomID = %q, want 7301", name, got)
		}
	}
}

func TestResolveNotLive(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `<html>{"user":{"nickname":"host"},"liveStatus":0}</html>`)
	})

	_, err := r.Resolve(context.Background(), "host")
	if !errors.Is(err, ErrNotLive) {
		t.Fatalf("err = %v, want ErrNotLive", err)
	}
}

func TestResolveLiveMarkersWithoutRoomID(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `<html>{"isLive":true,"roomId":null}</html>`)
	})

	_, err := r.Resolve(context.Background(), "host")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if errors.Is(err, ErrNotLive) {
		t.Fatal("live markers must not be reported as not-live")
	}
}

func TestResolveRejectsNullishRoomIDs(t *testing.T) {
	for _, bad := range []string{"null", "undefined", "0", " "} {
		if got := sanitizeRoomID(bad); got != "" {
			t.Errorf("sanitizeRoomID(%q) = %q, want empty", bad, got)
		}
	}
	if got := sanitizeRoomID("7301"); got != "7301" {
		t.Errorf("sanitizeRoomID(7301) = %q", got)
	}
}

func TestResolveUpstreamStatus(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := r.Resolve(context.Background(), "host")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
}

func TestResolveBreakerOpensOnConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	r := New(Options{
		BaseURL:         srv.URL,
		Timeout:         2 * time.Second,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	})

	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(context.Background(), "host"); err == nil {
			t.Fatalf("fetch %d should fail", i)
		}
	}

	srv.CloseClientConnections()
	start := time.Now()
	_, err := r.Resolve(context.Background(), "host")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream from open breaker", err)
	}
	if time.Since(start) > time.Second {
		t.Error("open breaker should fail fast without an upstream round trip")
	}
}

func TestResolveNotLiveDoesNotTripBreaker(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `<html>profile, nobody streaming</html>`)
	})
	// Well past any failure threshold.
	for i := 0; i < 10; i++ {
		if _, err := r.Resolve(context.Background(), "host"); !errors.Is(err, ErrNotLive) {
			t.Fatalf("poll %d: err = %v, want ErrNotLive", i, err)
		}
	}
}

func TestLookupString(t *testing.T) {
	blob := map[string]any{
		"a": map[string]any{"b": map[string]any{"id": "42"}},
		"n": map[string]any{"id": float64(7301)},
	}
	if got := lookupString(blob, []string{"a", "b", "id"}); got != "42" {
		t.Errorf("string leaf = %q", got)
	}
	if got := lookupString(blob, []string{"n", "id"}); got != "7301" {
		t.Errorf("numeric leaf = %q", got)
	}
	if got := lookupString(blob, []string{"a", "missing"}); got != "" {
		t.Errorf("missing path = %q", got)
	}
	if got := lookupString(blob, []string{"a", "b", "id", "deeper"}); got != "" {
		t.Errorf("traversal through leaf = %q", got)
	}
}
