// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"sync"
	"time"

	"github.com/hivewatch/hivewatch/lib/clock"
)

// DefaultDebounce is the quiet window before a notified path is
// forwarded. A single logical write can fire several notifications
// (open, write, close); 100ms of quiet is enough to coalesce them
// while keeping the observed latency imperceptible.
const DefaultDebounce = 100 * time.Millisecond

// Debouncer coalesces bursts of notifications for the same path into
// one emission. Each path has at most one pending timer; a new
// notification for the path resets it. After Stop, no further
// emissions occur.
//
// Guarantee: a steady notification stream for one path faster than
// the delay emits exactly once, after the stream quiesces. A path
// never notified never emits.
type Debouncer struct {
	delay time.Duration
	clock clock.Clock
	emit  func(path string)

	mu      sync.Mutex
	pending map[string]*clock.Timer
	stopped bool
}

// NewDebouncer creates a debouncer that calls emit once per quiesced
// path. emit runs on the timer's goroutine and must not block for
// long; the watcher's emit hands off to a buffered channel.
func NewDebouncer(delay time.Duration, clk clock.Clock, emit func(path string)) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{
		delay:   delay,
		clock:   clk,
		emit:    emit,
		pending: make(map[string]*clock.Timer),
	}
}

// Notify records a raw notification for path, resetting any pending
// timer for it.
func (d *Debouncer) Notify(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if timer, ok := d.pending[path]; ok {
		timer.Stop()
	}
	d.pending[path] = d.clock.AfterFunc(d.delay, func() {
		d.fire(path)
	})
}

// fire removes the path's timer entry and emits, unless the debouncer
// stopped first. emit runs under the lock so Stop returning means no
// emission is in flight; the watcher's emit never calls back into the
// debouncer, so this cannot deadlock.
func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	delete(d.pending, path)
	d.emit(path)
}

// PendingCount reports the number of paths with an armed timer.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all pending timers. No emission happens after Stop
// returns, including timers that already fired but have not yet
// reached emit.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for path, timer := range d.pending {
		timer.Stop()
		delete(d.pending, path)
	}
}
