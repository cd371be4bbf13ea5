// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)

	fired := 0
	c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(99 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired %d times before deadline", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired %d times after deadline, want 1", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("one-shot timer fired %d times", fired)
	}
}

func TestAfterFuncStopPreventsFire(t *testing.T) {
	c := Fake(epoch)

	fired := false
	timer := c.AfterFunc(50*time.Millisecond, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	c.Advance(time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
}

func TestTickerFiresPerInterval(t *testing.T) {
	c := Fake(epoch)

	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	// Channel capacity is 1: a multi-interval advance with no reader
	// drops the overflow instead of queueing.
	c.Advance(3 * time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("ticker queued more than one tick")
	default:
	}
}

func TestTickerStop(t *testing.T) {
	c := Fake(epoch)

	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestNowTracksAdvance(t *testing.T) {
	c := Fake(epoch)
	c.Advance(90 * time.Minute)
	if got, want := c.Now(), epoch.Add(90*time.Minute); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestAfterImmediateWhenNonPositive(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not deliver immediately")
	}
}
