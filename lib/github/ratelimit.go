// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/trestle-bridge/trestle/lib/clock"
)

// rateLimitTracker follows the GitHub rate limit headers across
// responses. Before a request is sent, wait blocks until the reset
// window when the tracker knows the limit is exhausted.
type rateLimitTracker struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	known     bool
	clock     clock.Clock
}

func newRateLimitTracker(clk clock.Clock) *rateLimitTracker {
	return &rateLimitTracker{clock: clk}
}

// update records rate limit state from response headers. Responses
// without the headers leave the tracker unchanged.
func (tracker *rateLimitTracker) update(header http.Header) {
	remainingValue := header.Get("X-RateLimit-Remaining")
	resetValue := header.Get("X-RateLimit-Reset")
	if remainingValue == "" || resetValue == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingValue)
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(resetValue, 10, 64)
	if err != nil {
		return
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.remaining = remaining
	tracker.reset = time.Unix(resetUnix, 0)
	tracker.known = true
}

// wait blocks until the rate limit window resets when the tracker
// knows the limit is exhausted. Returns immediately otherwise, and
// returns an error only on context cancellation.
func (tracker *rateLimitTracker) wait(ctx context.Context) error {
	tracker.mu.Lock()
	if !tracker.known || tracker.remaining > 0 {
		tracker.mu.Unlock()
		return nil
	}
	sleep := tracker.reset.Sub(tracker.clock.Now())
	tracker.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	select {
	case <-tracker.clock.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter computes the backoff from a rate-limited response:
// Retry-After (secondary limits, seconds) takes precedence over the
// X-RateLimit-Reset timestamp. Zero when neither is usable.
func (tracker *rateLimitTracker) retryAfter(header http.Header) time.Duration {
	if retryValue := header.Get("Retry-After"); retryValue != "" {
		if seconds, err := strconv.Atoi(retryValue); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if resetValue := header.Get("X-RateLimit-Reset"); resetValue != "" {
		if resetUnix, err := strconv.ParseInt(resetValue, 10, 64); err == nil {
			if duration := time.Unix(resetUnix, 0).Sub(tracker.clock.Now()); duration > 0 {
				return duration
			}
		}
	}
	return 0
}
