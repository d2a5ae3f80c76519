// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and advance time deterministically.
//
// Every production function that would call time.Now, time.After, or
// time.Sleep takes a Clock parameter (or is a method on a struct with a
// Clock field) instead of calling the time package directly. The retry
// helper and the forge client's rate-limit tracker depend on this to
// test backoff behavior without real delays.
package clock

import "time"

// Clock provides the time operations Trestle needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives promptly.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the current goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
