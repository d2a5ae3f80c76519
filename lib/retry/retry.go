// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry provides bounded retry with exponential backoff for
// network-backed operations. The room-state fetch in the connection
// registry is the only call site with a retry budget; all other
// protocol errors propagate to the caller on first failure.
package retry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/trestle-bridge/trestle/lib/clock"
)

// Filter decides whether a failed attempt should be retried. It
// returns a server-mandated delay (zero when the server did not
// specify one) and whether the error is retryable at all.
type Filter func(err error) (retryAfter time.Duration, retryable bool)

// Always retries every error with no server-mandated delay.
func Always(error) (time.Duration, bool) { return 0, true }

// Config holds the parameters for a retry loop. MaxAttempts and
// BaseDelay are required; Filter defaults to Always and Logger to a
// no-op logger.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the backoff unit. The wait after attempt n
	// (1-based) is BaseDelay << n, unless the filter returns a
	// server-mandated delay, which takes precedence.
	BaseDelay time.Duration

	// Filter classifies errors. A non-retryable error short-circuits
	// the loop and is returned immediately.
	Filter Filter

	// Clock provides the backoff waits. Tests pass clock.Fake().
	Clock clock.Clock

	// Logger receives a warning per failed attempt.
	Logger *slog.Logger
}

// Do runs operation until it succeeds, the filter reports a
// non-retryable error, the attempt budget is exhausted, or ctx is
// cancelled. The last error is returned wrapped with the attempt
// count.
func Do[T any](ctx context.Context, config Config, operation func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if config.MaxAttempts < 1 {
		return zero, fmt.Errorf("retry: MaxAttempts must be at least 1, got %d", config.MaxAttempts)
	}
	filter := config.Filter
	if filter == nil {
		filter = Always
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryAfter, retryable := filter(err)
		if !retryable {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := config.BaseDelay << attempt
		if retryAfter > 0 {
			delay = retryAfter
		}
		logger.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", config.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-config.Clock.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry: cancelled after %d attempts: %w", attempt, ctx.Err())
		}
	}
	return zero, fmt.Errorf("retry: %d attempts exhausted: %w", config.MaxAttempts, lastErr)
}
