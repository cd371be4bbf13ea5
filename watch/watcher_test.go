// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivewatch/hivewatch/lib/testutil"
)

// newTestWatcher builds a watcher over fresh roots with a short real
// debounce window. Real time is used because fsnotify delivers on its
// own goroutines; the window is short enough to keep tests fast.
func newTestWatcher(t *testing.T) (*Watcher, string, string) {
	t.Helper()

	base := t.TempDir()
	teamsRoot := filepath.Join(base, "teams")
	tasksRoot := filepath.Join(base, "tasks")

	w, err := New(Config{
		TeamsRoot: teamsRoot,
		TasksRoot: tasksRoot,
		Debounce:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, teamsRoot, tasksRoot
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherInitialScan(t *testing.T) {
	w, teamsRoot, tasksRoot := newTestWatcher(t)

	writeFile(t, filepath.Join(teamsRoot, "apollo", "config.json"), `{}`)
	writeFile(t, filepath.Join(teamsRoot, "apollo", "inboxes", "worker.json"), `[]`)
	writeFile(t, filepath.Join(tasksRoot, "apollo", "1.json"), `{}`)
	writeFile(t, filepath.Join(teamsRoot, "apollo", "README.md"), "not json")

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Scan order per team: config, then inboxes, then tasks.
	first := testutil.RequireReceive(t, w.Events(), time.Second, "scan config event")
	if first.Kind != TeamConfig || first.Team != "apollo" {
		t.Fatalf("first event = %+v", first)
	}
	second := testutil.RequireReceive(t, w.Events(), time.Second, "scan inbox event")
	if second.Kind != Inbox || second.Agent != "worker" {
		t.Fatalf("second event = %+v", second)
	}
	third := testutil.RequireReceive(t, w.Events(), time.Second, "scan task event")
	if third.Kind != TaskFile || third.TaskID != "1" {
		t.Fatalf("third event = %+v", third)
	}
	testutil.RequireNoReceive(t, w.Events(), 100*time.Millisecond, "non-json file leaked")
}

func TestWatcherLiveModification(t *testing.T) {
	w, teamsRoot, _ := newTestWatcher(t)

	configPath := filepath.Join(teamsRoot, "apollo", "config.json")
	writeFile(t, configPath, `{"v":1}`)

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Drain the scan event.
	testutil.RequireReceive(t, w.Events(), time.Second, "scan event")

	writeFile(t, configPath, `{"v":2}`)
	change := testutil.RequireReceive(t, w.Events(), 2*time.Second, "live modify event")
	if change.Kind != TeamConfig || change.Team != "apollo" {
		t.Fatalf("live event = %+v", change)
	}
}

func TestWatcherNewTeamDirectory(t *testing.T) {
	w, teamsRoot, _ := newTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// A team directory created after Start must be picked up: the
	// watcher registers the new directory tree and notifies its
	// contents.
	writeFile(t, filepath.Join(teamsRoot, "gemini", "config.json"), `{}`)

	change := testutil.RequireReceive(t, w.Events(), 2*time.Second, "new team config event")
	if change.Kind != TeamConfig || change.Team != "gemini" {
		t.Fatalf("event = %+v", change)
	}
}

func TestWatcherNestedInboxDirectory(t *testing.T) {
	w, teamsRoot, _ := newTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(teamsRoot, "gemini", "inboxes", "pilot.json"), `[]`)

	change := testutil.RequireReceive(t, w.Events(), 2*time.Second, "nested inbox event")
	if change.Kind != Inbox || change.Team != "gemini" || change.Agent != "pilot" {
		t.Fatalf("event = %+v", change)
	}
}

func TestWatcherStopClosesEvents(t *testing.T) {
	w, teamsRoot, _ := newTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Leave a pending debounce timer behind, then stop.
	writeFile(t, filepath.Join(teamsRoot, "apollo", "config.json"), `{}`)
	w.Stop()

	// The channel must drain and close without further emissions.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after Stop")
		}
	}
}

func TestWatcherBurstCoalesces(t *testing.T) {
	w, teamsRoot, _ := newTestWatcher(t)

	configPath := filepath.Join(teamsRoot, "apollo", "config.json")
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Several writes in quick succession: the debouncer must deliver
	// one event once the burst quiesces.
	for i := 0; i < 5; i++ {
		writeFile(t, configPath, `{"v":1}`)
	}

	testutil.RequireReceive(t, w.Events(), 2*time.Second, "coalesced event")
	testutil.RequireNoReceive(t, w.Events(), 150*time.Millisecond, "burst produced extra events")
}
