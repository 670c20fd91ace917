// Pulsecast - TikTok Live Ingestion and Deduplication Engine
// Copyright 2026 Pulsecast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsecast/pulsecast

// Package resolver maps a TikTok handle to the numeric room id of its
// currently running live session by scraping the public profile page.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pulsecast/pulsecast/internal/logging"
	"github.com/pulsecast/pulsecast/internal/metrics"
)

// ErrNotLive means the profile page was fetched and parsed successfully
// but carries no live-session marker: the user is simply not streaming.
var ErrNotLive = errors.New("user is not live")

// ErrUpstream means the profile page could not be fetched, or it shows
// live markers without a usable room id (a page-format change or a
// bot-detection interstitial).
var ErrUpstream = errors.New("upstream profile fetch failed")

// maxProfileBody bounds how much of the profile page we read. Room ids
// appear in the embedded hydration payload well inside this limit.
const maxProfileBody = 4 << 20

// roomIDPatterns are tried in order against the raw page before falling
// back to structured-data parsing. The capture group is the room id.
var roomIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"roomId"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`"liveRoomId"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`"room_id"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`roomId=(\d+)`),
	regexp.MustCompile(`room_id=(\d+)`),
	regexp.MustCompile(`"roomIdStr"\s*:\s*"([^"]+)"`),
}

// hydrationPatterns locate the embedded JSON state blob.
var hydrationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)window\.__UNIVERSAL_DATA_FOR_REHYDRATION__\s*=\s*(\{.+?\});`),
	regexp.MustCompile(`(?s)<script id="__UNIVERSAL_DATA_FOR_REHYDRATION__"[^>]*>(\{.+?\})</script>`),
}

// hydrationPaths are the dot-paths inside the hydration blob where live
// room ids have been observed across page revisions.
var hydrationPaths = [][]string{
	{"__DEFAULT_SCOPE__", "webapp.user-detail", "userInfo", "user", "roomId"},
	{"__DEFAULT_SCOPE__", "webapp.live-detail", "liveRoom", "liveRoomUserInfo", "user", "roomId"},
	{"__DEFAULT_SCOPE__", "webapp.user-detail", "userInfo", "user", "liveRoom", "roomId"},
	{"LiveRoom", "liveRoomUserInfo", "user", "roomId"},
	{"defaultScope", "webapp", "user", "liveRoom", "roomId"},
	{"defaultScope", "webapp", "user", "roomId"},
	{"webapp", "user", "liveRoom", "roomId"},
	{"defaultScope", "liveRoom", "roomId"},
}

// liveMarkerPatterns indicate the profile belongs to a running live even
// when no room id could be extracted. They distinguish "not live" from
// "page changed under us".
var liveMarkerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"isLive"\s*:\s*true`),
	regexp.MustCompile(`"liveStatus"\s*:\s*1`),
	regexp.MustCompile(`"status"\s*:\s*2`),
	regexp.MustCompile(`"alive"\s*:\s*true`),
	regexp.MustCompile(`\bLIVE\b`), // the profile badge text
}

// Options configures a Resolver.
type Options struct {
	// BaseURL is the profile origin, e.g. https://www.tiktok.com.
	BaseURL string

	// UserAgent is sent on every profile request. TikTok serves a
	// stripped page to unknown agents.
	UserAgent string

	// Timeout bounds each profile fetch.
	Timeout time.Duration

	// BreakerFailures consecutive upstream failures open the circuit
	// for BreakerTimeout. Not-live outcomes never count as failures.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Resolver fetches TikTok profile pages and extracts live room ids. The
// profile origin sits behind a circuit breaker so a blocked or degraded
// upstream fails fast instead of stacking up slow fetches.
type Resolver struct {
	client    *http.Client
	baseURL   string
	userAgent string
	breaker   *gobreaker.CircuitBreaker[string]
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.tiktok.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "tiktok-profile",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// A healthy upstream telling us the user is offline must
			// not open the circuit.
			return err == nil || errors.Is(err, ErrNotLive)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("resolver circuit breaker state change")
		},
	}

	return &Resolver{
		client:    &http.Client{Timeout: opts.Timeout},
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		breaker:   gobreaker.NewCircuitBreaker[string](settings),
	}
}

// Resolve returns the room id of the handle's running live session.
// Returns ErrNotLive when the user is not streaming and an ErrUpstream
// wrapped error for fetch or extraction failures.
func (r *Resolver) Resolve(ctx context.Context, handle string) (string, error) {
	roomID, err := r.breaker.Execute(func() (string, error) {
		return r.fetchRoomID(ctx, handle)
	})
	switch {
	case err == nil:
		metrics.ResolveOutcomes.WithLabelValues("resolved").Inc()
	case errors.Is(err, ErrNotLive):
		metrics.ResolveOutcomes.WithLabelValues("not_live").Inc()
	default:
		metrics.ResolveOutcomes.WithLabelValues("error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %w", ErrUpstream, err)
		}
	}
	return roomID, err
}

func (r *Resolver) fetchRoomID(ctx context.Context, handle string) (string, error) {
	url := r.baseURL + "/@" + handle
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: profile returned status %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBody))
	if err != nil {
		return "", fmt.Errorf("%w: reading profile body: %w", ErrUpstream, err)
	}

	roomID := extractRoomID(body)
	if roomID != "" {
		logging.Debug().Str("handle", handle).Str("room_id", roomID).Msg("resolved live room")
		return roomID, nil
	}

	if hasLiveMarkers(body) {
		// The page says live but hid the id: treat as an upstream
		// format problem rather than reporting the user offline.
		return "", fmt.Errorf("%w: live markers present but no room id extractable", ErrUpstream)
	}
	return "", ErrNotLive
}

// extractRoomID tries the direct patterns first, then the structured
// hydration payload.
func extractRoomID(body []byte) string {
	for _, pat := range roomIDPatterns {
		if m := pat.FindSubmatch(body); m != nil {
			if id := sanitizeRoomID(string(m[1])); id != "" {
				return id
			}
		}
	}

	for _, pat := range hydrationPatterns {
		m := pat.FindSubmatch(body)
		if m == nil {
			continue
		}
		var blob map[string]any
		if err := json.Unmarshal(m[1], &blob); err != nil {
			continue
		}
		for _, path := range hydrationPaths {
			if id := sanitizeRoomID(lookupString(blob, path)); id != "" {
				return id
			}
		}
	}
	return ""
}

// sanitizeRoomID rejects serialized null-ish values the page sometimes
// carries where a room id would be.
func sanitizeRoomID(id string) string {
	id = strings.TrimSpace(id)
	switch id {
	case "", "0", "null", "undefined":
		return ""
	}
	return id
}

// lookupString walks nested string-keyed maps and returns the leaf as a
// string, or "" when any step is missing or of the wrong shape.
func lookupString(m map[string]any, path []string) string {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = obj[key]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func hasLiveMarkers(body []byte) bool {
	for _, pat := range liveMarkerPatterns {
		if pat.Match(body) {
			return true
		}
	}
	return false
}
