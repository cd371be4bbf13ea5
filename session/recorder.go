// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"

	"github.com/hivewatch/hivewatch/state"
)

// Recorder is the durable consumer of aggregator updates. It maps each
// team's current config to its session row and replays every update
// into the store's idempotent operations. A store failure is logged
// and skipped — persistence hiccups must not stall ingestion, and the
// next update for the same data self-heals via idempotence.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	// sessions caches team name → (createdAt, session id) so that
	// inbox and task updates skip an EnsureSession round trip.
	// Correctness never depends on the cache: every store operation
	// is safe to repeat.
	sessions map[string]cachedSession
}

type cachedSession struct {
	createdAt int64
	id        int64
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		store:    store,
		logger:   logger,
		sessions: make(map[string]cachedSession),
	}
}

// Run consumes updates until the channel closes. Blocking; callers
// run it on its own goroutine and use its return to sequence shutdown
// (all published merges persisted before the store closes).
func (r *Recorder) Run(ctx context.Context, updates <-chan state.Update) {
	for update := range updates {
		r.apply(ctx, update)
	}
}

func (r *Recorder) apply(ctx context.Context, update state.Update) {
	switch update.Kind {
	case state.UpdateConfig:
		r.applyConfig(ctx, update)
	case state.UpdateInbox:
		r.applyInbox(ctx, update)
	case state.UpdateTask:
		r.applyTask(ctx, update)
	}
}

func (r *Recorder) applyConfig(ctx context.Context, update state.Update) {
	config := *update.Config

	cached, ok := r.sessions[update.Team]
	if !ok || cached.createdAt != config.CreatedAt {
		id, err := r.store.EnsureSession(ctx, config)
		if err != nil {
			r.logger.Warn("recorder: ensure session failed",
				"team", update.Team,
				"error", err,
			)
			return
		}
		cached = cachedSession{createdAt: config.CreatedAt, id: id}
		r.sessions[update.Team] = cached
		r.logger.Info("session ensured",
			"team", update.Team,
			"created_at_ms", config.CreatedAt,
			"session_id", id,
		)
	}

	// Recorded on every config observation: a rewritten config with
	// the same createdAt may have grown the roster. Existing agent
	// ids are no-ops.
	if err := r.store.RecordMembers(ctx, cached.id, config.Members); err != nil {
		r.logger.Warn("recorder: record members failed",
			"team", update.Team,
			"error", err,
		)
	}
}

func (r *Recorder) applyInbox(ctx context.Context, update state.Update) {
	sessionID, ok := r.sessionFor(update.Team)
	if !ok {
		// No config observed yet for this team; there is no session
		// to attach messages to. The runtime writes the config before
		// any inbox, and the cold-start scan preserves that order.
		r.logger.Debug("recorder: inbox before config, skipping",
			"team", update.Team,
			"agent", update.Agent,
		)
		return
	}

	for _, message := range update.Messages {
		if err := r.store.RecordMessage(ctx, sessionID, update.Agent, message); err != nil {
			r.logger.Warn("recorder: record message failed",
				"team", update.Team,
				"agent", update.Agent,
				"error", err,
			)
		}
	}
}

func (r *Recorder) applyTask(ctx context.Context, update state.Update) {
	sessionID, ok := r.sessionFor(update.Team)
	if !ok {
		r.logger.Debug("recorder: task before config, skipping",
			"team", update.Team,
			"task", update.Task.ID,
		)
		return
	}

	if err := r.store.RecordTask(ctx, sessionID, *update.Task); err != nil {
		r.logger.Warn("recorder: record task failed",
			"team", update.Team,
			"task", update.Task.ID,
			"error", err,
		)
	}
}

func (r *Recorder) sessionFor(teamName string) (int64, bool) {
	cached, ok := r.sessions[teamName]
	return cached.id, ok
}
