// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() and advance time explicitly.
//
// The debouncer and the broadcast heartbeat are both timer-driven, so
// every component that schedules work takes a Clock in its Config
// instead of calling the time package directly. That keeps their tests
// deterministic: a test advances the fake clock past the debounce
// window and asserts exactly one event fired, with no real sleeping.
package clock

import "time"

// Clock provides the time operations used by hivewatch components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real) or synchronously during Advance (fake).
	// The returned Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C at the given
	// interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a scheduled one-shot event created by AfterFunc. C is nil
// for AfterFunc timers, matching time.AfterFunc.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop cancels the timer. Reports whether the call prevented the timer
// from firing; false means it already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers periodic ticks on C. The channel has capacity 1; if
// the consumer falls behind, ticks are dropped rather than queued.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks are sent after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
