// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package team defines the logical model hivewatch reconstructs from
// the watched directory tree: teams of agents, their per-agent
// inboxes, and their tasks. It also owns parsing of the three JSON
// file formats the external agent runtime writes, and the derived
// classification of inbox messages.
//
// The types mirror the runtime's on-disk JSON field names exactly;
// hivewatch never writes these files, only reads them.
package team

import "sort"

// TaskStatus is the lifecycle state of a task as written by the agent
// runtime.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskDeleted    TaskStatus = "deleted"
)

// Member is one agent in a team's config snapshot. Immutable once part
// of a snapshot; a rewritten config supersedes the whole roster.
type Member struct {
	AgentID   string `json:"agentId"`
	Name      string `json:"name"`
	AgentType string `json:"agentType"`
	Model     string `json:"model"`
	Color     string `json:"color"`
	JoinedAt  int64  `json:"joinedAt"`
}

// Config is a team's configuration snapshot. CreatedAt (epoch
// milliseconds) doubles as the session boundary: a config observed
// with a new CreatedAt is a new run of the team.
type Config struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	CreatedAt   int64    `json:"createdAt"`
	LeadAgentID string   `json:"leadAgentId"`
	Members     []Member `json:"members"`
}

// Message is one inbox message plus the two fields derived at
// ingestion: Kind and, for structured messages, the parsed payload.
type Message struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Color     string `json:"color,omitempty"`
	Read      bool   `json:"read"`

	// Kind is derived from Text at ingestion; KindPlainText unless
	// Text is a JSON object carrying a recognized type discriminator.
	Kind MessageKind `json:"kind"`

	// Payload is the parsed structured body for recognized kinds,
	// nil for plain text.
	Payload map[string]any `json:"payload,omitempty"`
}

// Task is one work item, replaced wholesale per task-id file change.
type Task struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	ActiveForm  string     `json:"activeForm"`
	Status      TaskStatus `json:"status"`
	Owner       string     `json:"owner"`
	Blocks      []string   `json:"blocks"`
	BlockedBy   []string   `json:"blockedBy"`

	// Internal marks runtime bookkeeping tasks (metadata._internal in
	// the source file). Retained in the model, excluded from visible
	// listings.
	Internal bool `json:"internal,omitempty"`
}

// Visible reports whether the task belongs in externally-facing
// listings. Deleted and internal tasks are retained in the model for
// dependency resolution but never shown.
func (t Task) Visible() bool {
	return !t.Internal && t.Status != TaskDeleted
}

// Team is the aggregated state of one team: the last successfully
// parsed config, the full inbox per agent, and the task map.
type Team struct {
	Name    string               `json:"name"`
	Config  Config               `json:"config"`
	Inboxes map[string][]Message `json:"inboxes"`
	Tasks   map[string]Task      `json:"tasks"`
}

// NewTeam returns an empty team with initialized collections.
func NewTeam(name string) *Team {
	return &Team{
		Name:    name,
		Inboxes: make(map[string][]Message),
		Tasks:   make(map[string]Task),
	}
}

// VisibleTasks returns the tasks that belong in external listings,
// excluding deleted and internal tasks, ordered by task id.
func (t *Team) VisibleTasks() []Task {
	visible := make([]Task, 0, len(t.Tasks))
	for _, task := range t.Tasks {
		if task.Visible() {
			visible = append(visible, task)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].ID < visible[j].ID })
	return visible
}

// Clone returns a deep copy. Snapshot readers receive clones so they
// never observe a merge in progress.
func (t *Team) Clone() *Team {
	copied := &Team{
		Name:    t.Name,
		Config:  t.Config,
		Inboxes: make(map[string][]Message, len(t.Inboxes)),
		Tasks:   make(map[string]Task, len(t.Tasks)),
	}
	copied.Config.Members = append([]Member(nil), t.Config.Members...)
	for agent, messages := range t.Inboxes {
		copied.Inboxes[agent] = append([]Message(nil), messages...)
	}
	for id, task := range t.Tasks {
		task.Blocks = append([]string(nil), task.Blocks...)
		task.BlockedBy = append([]string(nil), task.BlockedBy...)
		copied.Tasks[id] = task
	}
	return copied
}
