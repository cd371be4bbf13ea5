// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package state owns the canonical in-memory team model. A single
// goroutine consumes classified change events in arrival order,
// re-reads the affected file, and merges the parse result into the
// model; every successful merge is published to subscribers (the
// session recorder and the broadcast hub). Snapshot reads are served
// by the same goroutine between merges, so a reader observes either
// the pre- or post-merge state, never a partial merge.
package state

import (
	"log/slog"
	"os"

	"github.com/zeebo/blake3"

	"github.com/hivewatch/hivewatch/schema/team"
	"github.com/hivewatch/hivewatch/watch"
)

// UpdateKind is the change kind carried by an Update.
type UpdateKind string

const (
	UpdateConfig UpdateKind = "config"
	UpdateInbox  UpdateKind = "inbox"
	UpdateTask   UpdateKind = "task"
)

// Update describes one successful merge, for the session recorder and
// the broadcast hub. Exactly one payload group is populated, matching
// Kind. Payloads are copies owned by the receiver.
type Update struct {
	Team string
	Kind UpdateKind

	// Config is set for UpdateConfig.
	Config *team.Config

	// Agent and Messages are set for UpdateInbox; Messages is the
	// full replacement inbox, not a delta.
	Agent    string
	Messages []team.Message

	// Task is the changed task and Tasks the team's visible task
	// list after the merge; both set for UpdateTask.
	Task  *team.Task
	Tasks []team.Task
}

// Snapshot is a consistent copy of the full aggregated state.
type Snapshot struct {
	Teams      map[string]*team.Team
	ActiveTeam string
}

// subscriberBuffer is each subscriber channel's capacity. Subscribers
// run their own consuming goroutine; the buffer rides out short
// stalls (a burst of sqlite writes) without delaying ingestion.
const subscriberBuffer = 64

// Config holds the parameters for an Aggregator.
type Config struct {
	// Logger receives merge failures (Warn) and per-event noise
	// (Debug). Nil means discard.
	Logger *slog.Logger
}

// Aggregator is the single-owner actor for the team model. Subscribe
// before Start; Stop after the event stream has closed and drained.
type Aggregator struct {
	logger *slog.Logger

	// Owned exclusively by the run goroutine.
	teams       map[string]*team.Team
	activeTeam  string
	contentHash map[string][32]byte

	subscribers []chan Update
	control     chan func()
	drained     chan struct{}
	stopped     chan struct{}
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		logger:      logger,
		teams:       make(map[string]*team.Team),
		contentHash: make(map[string][32]byte),
		control:     make(chan func()),
		drained:     make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Subscribe registers an update consumer. Must be called before
// Start. The returned channel closes once the event stream has been
// fully drained; the consumer must keep receiving until then.
func (a *Aggregator) Subscribe() <-chan Update {
	ch := make(chan Update, subscriberBuffer)
	a.subscribers = append(a.subscribers, ch)
	return ch
}

// Start consumes the classified event stream on its own goroutine.
// When events closes, subscriber channels close (all merges
// published) and Drained fires; snapshot reads keep working until
// Stop.
func (a *Aggregator) Start(events <-chan watch.Change) {
	go a.run(events)
}

// Drained is closed once every event from the stream has been merged
// and published. Used by shutdown to sequence "watcher stopped, then
// in-flight merges completed" before closing persistence.
func (a *Aggregator) Drained() <-chan struct{} { return a.drained }

// Stop terminates snapshot serving. Call after Drained has fired.
func (a *Aggregator) Stop() { close(a.stopped) }

// Snapshot returns a deep copy of all teams and the active team name.
// Safe to call from any goroutine at any point between Start and
// Stop.
func (a *Aggregator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case a.control <- func() { reply <- a.snapshot() }:
		return <-reply
	case <-a.stopped:
		return Snapshot{Teams: make(map[string]*team.Team)}
	}
}

// SetActiveTeam overrides the most-recently-active team, on behalf of
// an observer switching its view.
func (a *Aggregator) SetActiveTeam(name string) {
	select {
	case a.control <- func() { a.activeTeam = name }:
	case <-a.stopped:
	}
}

func (a *Aggregator) run(events <-chan watch.Change) {
	for {
		select {
		case change, ok := <-events:
			if !ok {
				events = nil
				for _, ch := range a.subscribers {
					close(ch)
				}
				close(a.drained)
				continue
			}
			a.apply(change)
		case f := <-a.control:
			f()
		case <-a.stopped:
			return
		}
	}
}

// apply re-reads and merges one classified change. Read and parse
// failures are transient by design: the previous value stays in
// place and the next notification for the path self-heals.
func (a *Aggregator) apply(change watch.Change) {
	data, err := os.ReadFile(change.Path)
	if err != nil {
		a.logger.Warn("state: read failed, retaining previous value",
			"path", change.Path,
			"error", err,
		)
		return
	}

	// Duplicate notifications that survive the debounce window (or
	// writers rewriting identical content) are suppressed by content
	// hash: the model would not change, so neither should downstream.
	hash := blake3.Sum256(data)
	if previous, ok := a.contentHash[change.Path]; ok && previous == hash {
		a.logger.Debug("state: content unchanged, skipping", "path", change.Path)
		return
	}

	var update *Update
	switch change.Kind {
	case watch.TeamConfig:
		update = a.mergeConfig(change, data)
	case watch.Inbox:
		update = a.mergeInbox(change, data)
	case watch.TaskFile:
		update = a.mergeTask(change, data)
	default:
		return
	}
	if update == nil {
		return
	}

	a.contentHash[change.Path] = hash
	a.publish(*update)
}

func (a *Aggregator) mergeConfig(change watch.Change, data []byte) *Update {
	config, err := team.ParseConfig(data)
	if err != nil {
		a.logger.Warn("state: config parse failed, retaining previous value",
			"team", change.Team,
			"error", err,
		)
		return nil
	}

	t := a.ensureTeam(change.Team)
	t.Config = config
	a.activeTeam = change.Team

	published := config
	published.Members = append([]team.Member(nil), config.Members...)
	return &Update{Team: change.Team, Kind: UpdateConfig, Config: &published}
}

func (a *Aggregator) mergeInbox(change watch.Change, data []byte) *Update {
	messages, err := team.ParseInbox(data)
	if err != nil {
		a.logger.Warn("state: inbox parse failed, retaining previous value",
			"team", change.Team,
			"agent", change.Agent,
			"error", err,
		)
		return nil
	}

	// The backing file holds the agent's full inbox; merge is always
	// wholesale replacement, never append.
	t := a.ensureTeam(change.Team)
	t.Inboxes[change.Agent] = messages

	return &Update{
		Team:     change.Team,
		Kind:     UpdateInbox,
		Agent:    change.Agent,
		Messages: append([]team.Message(nil), messages...),
	}
}

func (a *Aggregator) mergeTask(change watch.Change, data []byte) *Update {
	task, err := team.ParseTask(data)
	if err != nil {
		a.logger.Warn("state: task parse failed, retaining previous value",
			"team", change.Team,
			"task", change.TaskID,
			"error", err,
		)
		return nil
	}

	t := a.ensureTeam(change.Team)
	t.Tasks[task.ID] = task

	published := task
	return &Update{
		Team:  change.Team,
		Kind:  UpdateTask,
		Task:  &published,
		Tasks: t.VisibleTasks(),
	}
}

func (a *Aggregator) ensureTeam(name string) *team.Team {
	if t, ok := a.teams[name]; ok {
		return t
	}
	t := team.NewTeam(name)
	a.teams[name] = t
	return t
}

func (a *Aggregator) snapshot() Snapshot {
	teams := make(map[string]*team.Team, len(a.teams))
	for name, t := range a.teams {
		teams[name] = t.Clone()
	}
	return Snapshot{Teams: teams, ActiveTeam: a.activeTeam}
}

// publish delivers an update to every subscriber. Sends block when a
// subscriber's buffer is full — subscribers are internal consumers
// with their own goroutines, and durability (the session recorder)
// must not lose merges. Shutdown unblocks via stopped.
func (a *Aggregator) publish(update Update) {
	for _, ch := range a.subscribers {
		select {
		case ch <- update:
		case <-a.stopped:
			return
		}
	}
}
