// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"testing"
	"time"

	"github.com/hivewatch/hivewatch/lib/clock"
)

var debounceEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDebouncer(t *testing.T) (*Debouncer, *clock.FakeClock, *[]string) {
	t.Helper()
	fakeClock := clock.Fake(debounceEpoch)
	var emitted []string
	d := NewDebouncer(100*time.Millisecond, fakeClock, func(path string) {
		emitted = append(emitted, path)
	})
	return d, fakeClock, &emitted
}

func TestDebounceCoalescesBurst(t *testing.T) {
	d, fakeClock, emitted := newTestDebouncer(t)

	// Ten notifications within the window: one emission after quiet.
	for i := 0; i < 10; i++ {
		d.Notify("/teams/apollo/config.json")
		fakeClock.Advance(10 * time.Millisecond)
	}
	if len(*emitted) != 0 {
		t.Fatalf("emitted during burst: %v", *emitted)
	}

	fakeClock.Advance(100 * time.Millisecond)
	if len(*emitted) != 1 {
		t.Fatalf("emitted %d times after quiesce, want 1", len(*emitted))
	}
	if (*emitted)[0] != "/teams/apollo/config.json" {
		t.Fatalf("emitted %q", (*emitted)[0])
	}
}

func TestDebounceIndependentPaths(t *testing.T) {
	d, fakeClock, emitted := newTestDebouncer(t)

	d.Notify("/teams/apollo/config.json")
	fakeClock.Advance(50 * time.Millisecond)
	d.Notify("/teams/gemini/config.json")

	// Apollo's window closes first; gemini's timer was not reset by
	// apollo traffic.
	fakeClock.Advance(50 * time.Millisecond)
	if len(*emitted) != 1 || (*emitted)[0] != "/teams/apollo/config.json" {
		t.Fatalf("after 100ms emitted = %v", *emitted)
	}
	fakeClock.Advance(50 * time.Millisecond)
	if len(*emitted) != 2 {
		t.Fatalf("after 150ms emitted = %v", *emitted)
	}
}

func TestDebounceNothingWithoutNotification(t *testing.T) {
	_, fakeClock, emitted := newTestDebouncer(t)
	fakeClock.Advance(time.Hour)
	if len(*emitted) != 0 {
		t.Fatalf("emitted with zero notifications: %v", *emitted)
	}
}

func TestDebounceStopCancelsPending(t *testing.T) {
	d, fakeClock, emitted := newTestDebouncer(t)

	d.Notify("/teams/apollo/config.json")
	d.Notify("/teams/gemini/config.json")
	if d.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", d.PendingCount())
	}

	d.Stop()
	fakeClock.Advance(time.Second)
	if len(*emitted) != 0 {
		t.Fatalf("emitted after Stop: %v", *emitted)
	}

	// Notifications after Stop are ignored.
	d.Notify("/teams/apollo/config.json")
	fakeClock.Advance(time.Second)
	if len(*emitted) != 0 || d.PendingCount() != 0 {
		t.Fatalf("debouncer accepted work after Stop")
	}
}

func TestDebounceReemitsAfterQuietPeriod(t *testing.T) {
	d, fakeClock, emitted := newTestDebouncer(t)

	d.Notify("/tasks/apollo/7.json")
	fakeClock.Advance(100 * time.Millisecond)
	d.Notify("/tasks/apollo/7.json")
	fakeClock.Advance(100 * time.Millisecond)

	if len(*emitted) != 2 {
		t.Fatalf("separate bursts emitted %d times, want 2", len(*emitted))
	}
}
