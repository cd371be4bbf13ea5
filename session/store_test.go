// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hivewatch/hivewatch/lib/clock"
	"github.com/hivewatch/hivewatch/schema/team"
)

var storeTestEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()

	fakeClock := clock.Fake(storeTestEpoch)
	store, err := Open(StoreConfig{
		Path:     filepath.Join(t.TempDir(), "sessions_test.db"),
		PoolSize: 4,
		Clock:    fakeClock,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	return store, fakeClock
}

func apolloAt(createdAt int64) team.Config {
	return team.Config{
		Name:        "apollo",
		Description: "launch crew",
		CreatedAt:   createdAt,
		LeadAgentID: "lead",
		Members: []team.Member{
			{AgentID: "lead", Name: "Lead", AgentType: "manager", Model: "m-large", Color: "blue", JoinedAt: createdAt},
			{AgentID: "worker", Name: "Worker", AgentType: "coder", Model: "m-small", Color: "green", JoinedAt: createdAt},
		},
	}
}

func TestEnsureSessionIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureSession(ctx, apolloAt(1000))
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	for i := 0; i < 5; i++ {
		id, err := store.EnsureSession(ctx, apolloAt(1000))
		if err != nil {
			t.Fatalf("EnsureSession repeat: %v", err)
		}
		if id != first {
			t.Fatalf("repeat returned id %d, want %d", id, first)
		}
	}

	summaries, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("sessions = %d, want 1", len(summaries))
	}
}

func TestEnsureSessionConcurrentRace(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]int64, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = store.EnsureSession(ctx, apolloAt(1000))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d resolved id %d, caller 0 resolved %d", i, ids[i], ids[0])
		}
	}

	summaries, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("race produced %d sessions, want 1", len(summaries))
	}
}

func TestNewCreatedAtStartsNewSessionAndEndsOld(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureSession(ctx, apolloAt(1000))
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	fakeClock.Advance(time.Hour)
	second, err := store.EnsureSession(ctx, apolloAt(2000))
	if err != nil {
		t.Fatalf("EnsureSession second run: %v", err)
	}
	if second == first {
		t.Fatal("new createdAt reused the old session")
	}

	summaries, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("sessions = %d, want 2", len(summaries))
	}
	// Newest first.
	if summaries[0].ID != second || summaries[0].EndedAt != "" {
		t.Fatalf("newest summary = %+v", summaries[0])
	}
	if summaries[1].ID != first || summaries[1].EndedAt == "" {
		t.Fatalf("superseded session not ended: %+v", summaries[1])
	}
}

func TestRecordMembersNoDuplication(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	config := apolloAt(1000)
	id, err := store.EnsureSession(ctx, config)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.RecordMembers(ctx, id, config.Members); err != nil {
			t.Fatalf("RecordMembers: %v", err)
		}
	}

	detail, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(detail.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(detail.Members))
	}

	// Mutable fields are fixed at first join: a re-record with a new
	// model keeps the original row.
	changed := config.Members
	changed[1].Model = "m-upgraded"
	if err := store.RecordMembers(ctx, id, changed); err != nil {
		t.Fatalf("RecordMembers changed: %v", err)
	}
	detail, err = store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	for _, member := range detail.Members {
		if member.AgentID == "worker" && member.Model != "m-small" {
			t.Fatalf("member model mutated to %q", member.Model)
		}
	}
}

func TestRecordMessageDuplicateIsNoOp(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnsureSession(ctx, apolloAt(1000))
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	message := team.Message{
		From:      "lead",
		Text:      `{"type":"task_assignment","taskId":"5"}`,
		Timestamp: "2026-03-01T12:00:00Z",
		Kind:      team.KindTaskAssignment,
		Payload:   map[string]any{"type": "task_assignment", "taskId": "5"},
	}

	for i := 0; i < 4; i++ {
		if err := store.RecordMessage(ctx, id, "worker", message); err != nil {
			t.Fatalf("RecordMessage: %v", err)
		}
	}

	detail, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(detail.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(detail.Messages))
	}
	recorded := detail.Messages[0]
	if recorded.Recipient != "worker" || recorded.Kind != team.KindTaskAssignment {
		t.Fatalf("recorded = %+v", recorded)
	}
	if recorded.Payload["taskId"] != "5" {
		t.Fatalf("payload = %v", recorded.Payload)
	}
}

func TestRecordMessageDistinctTimestampsBothPersist(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnsureSession(ctx, apolloAt(1000))
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	base := team.Message{From: "lead", Text: "hi", Kind: team.KindPlainText}
	base.Timestamp = "2026-03-01T12:00:00Z"
	if err := store.RecordMessage(ctx, id, "worker", base); err != nil {
		t.Fatal(err)
	}
	base.Timestamp = "2026-03-01T12:00:01Z"
	if err := store.RecordMessage(ctx, id, "worker", base); err != nil {
		t.Fatal(err)
	}

	detail, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(detail.Messages))
	}
}

func TestRecordTaskReplaces(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnsureSession(ctx, apolloAt(1000))
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	task := team.Task{ID: "7", Subject: "Wire the store", Status: team.TaskPending, Owner: "worker"}
	if err := store.RecordTask(ctx, id, task); err != nil {
		t.Fatalf("RecordTask pending: %v", err)
	}

	task.Status = team.TaskCompleted
	task.Owner = "lead"
	task.BlockedBy = []string{"3"}
	if err := store.RecordTask(ctx, id, task); err != nil {
		t.Fatalf("RecordTask completed: %v", err)
	}

	detail, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(detail.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(detail.Tasks))
	}
	got := detail.Tasks[0]
	if got.Status != team.TaskCompleted || got.Owner != "lead" {
		t.Fatalf("task = %+v", got)
	}
	if len(got.BlockedBy) != 1 || got.BlockedBy[0] != "3" {
		t.Fatalf("blockedBy = %v", got.BlockedBy)
	}
}

func TestGetSessionRoundTripsConfig(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	config := apolloAt(1000)
	id, err := store.EnsureSession(ctx, config)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	detail, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if detail.Config.Name != "apollo" || detail.Config.CreatedAt != 1000 {
		t.Fatalf("config = %+v", detail.Config)
	}
	if len(detail.Config.Members) != 2 || detail.Config.LeadAgentID != "lead" {
		t.Fatalf("config snapshot lost fields: %+v", detail.Config)
	}
	if detail.Summary.TeamName != "apollo" || detail.Summary.Description != "launch crew" {
		t.Fatalf("summary = %+v", detail.Summary)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.GetSession(context.Background(), 999)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
