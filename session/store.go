// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package session persists the durable mirror of the aggregated team
// model. A session is one run of a team, keyed by (team name, config
// createdAt); every write operation is idempotent so the at-least-once
// update stream from the aggregator can be replayed freely. The
// uniqueness guarantees live in the schema (UNIQUE constraints plus
// refetch-on-conflict), not in process-local locks, so the store stays
// correct even with concurrent writers from multiple processes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hivewatch/hivewatch/lib/clock"
	"github.com/hivewatch/hivewatch/lib/codec"
	"github.com/hivewatch/hivewatch/lib/sqlitepool"
	"github.com/hivewatch/hivewatch/schema/team"
)

// ErrSessionNotFound is returned by GetSession for an unknown id.
var ErrSessionNotFound = errors.New("session: not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY,
	team_name TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	lead_agent_id TEXT NOT NULL DEFAULT '',
	config_cbor BLOB NOT NULL,
	first_seen TEXT NOT NULL,
	ended_at TEXT,
	UNIQUE(team_name, created_at_ms)
);

CREATE TABLE IF NOT EXISTS session_members (
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	agent_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	joined_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS session_members_by_session
	ON session_members(session_id, agent_id);

CREATE TABLE IF NOT EXISTS session_messages (
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	recipient TEXT NOT NULL,
	sender TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	read_flag INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL DEFAULT 'plain_text',
	payload_json TEXT,
	UNIQUE(session_id, recipient, sender, timestamp)
);

CREATE TABLE IF NOT EXISTS session_tasks (
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	task_id TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	active_form TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	owner TEXT NOT NULL DEFAULT '',
	blocks_json TEXT NOT NULL DEFAULT '[]',
	blocked_by_json TEXT NOT NULL DEFAULT '[]',
	internal INTEGER NOT NULL DEFAULT 0,
	UNIQUE(session_id, task_id)
);
`

// Summary is one history-index row.
type Summary struct {
	ID          int64  `json:"id"`
	TeamName    string `json:"teamName"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt"`
	FirstSeen   string `json:"firstSeen"`
	EndedAt     string `json:"endedAt,omitempty"`
}

// RecordedMessage is a persisted message plus its addressed recipient.
type RecordedMessage struct {
	Recipient string `json:"recipient"`
	team.Message
}

// Detail is one full session: config snapshot, roster, messages, and
// tasks.
type Detail struct {
	Summary  Summary           `json:"summary"`
	Config   team.Config       `json:"config"`
	Members  []team.Member     `json:"members"`
	Messages []RecordedMessage `json:"messages"`
	Tasks    []team.Task       `json:"tasks"`
}

// StoreConfig holds the parameters for opening a Store.
type StoreConfig struct {
	// Path is the SQLite database file. An unwritable location is a
	// fatal startup error.
	Path string

	// PoolSize is the connection pool size; defaults to 4.
	PoolSize int

	// Clock provides first-seen and ended-at timestamps.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store is the durable session mirror.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open creates the store and its schema. The database file is created
// if absent.
func Open(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// EnsureSession resolves the session for a team config, creating it on
// first observation. Idempotent and race-safe: concurrent callers with
// the same (team name, createdAt) resolve to the same row via the
// UNIQUE constraint — the insert is a no-op on conflict and the id is
// refetched. Any older still-live session for the same team name is
// ended, since a new createdAt means the runtime started a new run.
func (s *Store) EnsureSession(ctx context.Context, config team.Config) (int64, error) {
	configBlob, err := codec.Marshal(config)
	if err != nil {
		return 0, fmt.Errorf("session store: encoding config snapshot: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("session store: ensure session: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (team_name, created_at_ms, description, lead_agent_id, config_cbor, first_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(team_name, created_at_ms) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{config.Name, config.CreatedAt, config.Description, config.LeadAgentID, configBlob, now},
		})
	if err != nil {
		return 0, fmt.Errorf("session store: inserting session: %w", err)
	}

	var sessionID int64
	err = sqlitex.Execute(conn, `
		SELECT id FROM sessions WHERE team_name = ? AND created_at_ms = ?`,
		&sqlitex.ExecOptions{
			Args: []any{config.Name, config.CreatedAt},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessionID = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("session store: refetching session: %w", err)
	}
	if sessionID == 0 {
		return 0, fmt.Errorf("session store: session for %q/%d missing after insert", config.Name, config.CreatedAt)
	}

	// A newer run supersedes older live sessions of the same team.
	err = sqlitex.Execute(conn, `
		UPDATE sessions SET ended_at = ?
		WHERE team_name = ? AND created_at_ms < ? AND ended_at IS NULL`,
		&sqlitex.ExecOptions{
			Args: []any{now, config.Name, config.CreatedAt},
		})
	if err != nil {
		return 0, fmt.Errorf("session store: ending superseded sessions: %w", err)
	}

	return sessionID, nil
}

// RecordMembers inserts a session's roster in one transaction. Members
// have no natural key beyond (session, agent id), so duplication is
// guarded by lookup-or-insert; re-recording an existing agent id is a
// no-op and its fields stay as first recorded.
func (s *Store) RecordMembers(ctx context.Context, sessionID int64, members []team.Member) error {
	if len(members) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: record members: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, member := range members {
		var exists bool
		err = sqlitex.Execute(conn, `
			SELECT 1 FROM session_members WHERE session_id = ? AND agent_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID, member.AgentID},
				ResultFunc: func(*sqlite.Stmt) error {
					exists = true
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("session store: checking member %q: %w", member.AgentID, err)
		}
		if exists {
			continue
		}

		err = sqlitex.Execute(conn, `
			INSERT INTO session_members (session_id, agent_id, name, agent_type, model, color, joined_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID, member.AgentID, member.Name, member.AgentType, member.Model, member.Color, member.JoinedAt},
			})
		if err != nil {
			return fmt.Errorf("session store: inserting member %q: %w", member.AgentID, err)
		}
	}

	return nil
}

// RecordMessage inserts one enriched inbox message. A repeat call with
// the same (session, recipient, sender, timestamp) is a no-op.
func (s *Store) RecordMessage(ctx context.Context, sessionID int64, recipient string, message team.Message) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: record message: %w", err)
	}
	defer s.pool.Put(conn)

	var payloadJSON any
	if message.Payload != nil {
		encoded, err := json.Marshal(message.Payload)
		if err != nil {
			return fmt.Errorf("session store: encoding message payload: %w", err)
		}
		payloadJSON = string(encoded)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO session_messages (session_id, recipient, sender, body, timestamp, color, read_flag, kind, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, recipient, sender, timestamp) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				sessionID, recipient, message.From, message.Text, message.Timestamp,
				message.Color, boolToInt(message.Read), string(message.Kind), payloadJSON,
			},
		})
	if err != nil {
		return fmt.Errorf("session store: inserting message: %w", err)
	}
	return nil
}

// RecordTask inserts or fully replaces the row keyed by (session,
// task id). Later observations overwrite status, owner, and
// dependency fields — task history accumulates transitions as
// overwrites, never as extra rows.
func (s *Store) RecordTask(ctx context.Context, sessionID int64, task team.Task) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: record task: %w", err)
	}
	defer s.pool.Put(conn)

	blocksJSON, err := json.Marshal(emptyIfNil(task.Blocks))
	if err != nil {
		return fmt.Errorf("session store: encoding blocks: %w", err)
	}
	blockedByJSON, err := json.Marshal(emptyIfNil(task.BlockedBy))
	if err != nil {
		return fmt.Errorf("session store: encoding blockedBy: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO session_tasks (session_id, task_id, subject, description, active_form, status, owner, blocks_json, blocked_by_json, internal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, task_id) DO UPDATE SET
			subject = excluded.subject,
			description = excluded.description,
			active_form = excluded.active_form,
			status = excluded.status,
			owner = excluded.owner,
			blocks_json = excluded.blocks_json,
			blocked_by_json = excluded.blocked_by_json,
			internal = excluded.internal`,
		&sqlitex.ExecOptions{
			Args: []any{
				sessionID, task.ID, task.Subject, task.Description, task.ActiveForm,
				string(task.Status), task.Owner, string(blocksJSON), string(blockedByJSON),
				boolToInt(task.Internal),
			},
		})
	if err != nil {
		return fmt.Errorf("session store: upserting task %q: %w", task.ID, err)
	}
	return nil
}

// ListSessions returns the history index, newest run first.
func (s *Store) ListSessions(ctx context.Context) ([]Summary, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: list sessions: %w", err)
	}
	defer s.pool.Put(conn)

	summaries := make([]Summary, 0)
	err = sqlitex.Execute(conn, `
		SELECT id, team_name, description, created_at_ms, first_seen, ended_at
		FROM sessions
		ORDER BY created_at_ms DESC, id DESC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				summaries = append(summaries, scanSummary(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: querying sessions: %w", err)
	}
	return summaries, nil
}

// GetSession returns one full session by id, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id int64) (*Detail, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: get session: %w", err)
	}
	defer s.pool.Put(conn)

	var detail *Detail
	err = sqlitex.Execute(conn, `
		SELECT id, team_name, description, created_at_ms, first_seen, ended_at, config_cbor
		FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				configBlob := make([]byte, stmt.ColumnLen(6))
				stmt.ColumnBytes(6, configBlob)
				var config team.Config
				if err := codec.Unmarshal(configBlob, &config); err != nil {
					return fmt.Errorf("decoding config snapshot: %w", err)
				}
				detail = &Detail{Summary: scanSummary(stmt), Config: config}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: querying session %d: %w", id, err)
	}
	if detail == nil {
		return nil, ErrSessionNotFound
	}

	err = sqlitex.Execute(conn, `
		SELECT agent_id, name, agent_type, model, color, joined_at_ms
		FROM session_members WHERE session_id = ? ORDER BY joined_at_ms, agent_id`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				detail.Members = append(detail.Members, team.Member{
					AgentID:   stmt.ColumnText(0),
					Name:      stmt.ColumnText(1),
					AgentType: stmt.ColumnText(2),
					Model:     stmt.ColumnText(3),
					Color:     stmt.ColumnText(4),
					JoinedAt:  stmt.ColumnInt64(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: querying members: %w", err)
	}

	err = sqlitex.Execute(conn, `
		SELECT recipient, sender, body, timestamp, color, read_flag, kind, payload_json
		FROM session_messages WHERE session_id = ? ORDER BY timestamp, rowid`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message := RecordedMessage{
					Recipient: stmt.ColumnText(0),
					Message: team.Message{
						From:      stmt.ColumnText(1),
						Text:      stmt.ColumnText(2),
						Timestamp: stmt.ColumnText(3),
						Color:     stmt.ColumnText(4),
						Read:      stmt.ColumnInt(5) != 0,
						Kind:      team.MessageKind(stmt.ColumnText(6)),
					},
				}
				if !stmt.ColumnIsNull(7) {
					if err := json.Unmarshal([]byte(stmt.ColumnText(7)), &message.Payload); err != nil {
						return fmt.Errorf("decoding message payload: %w", err)
					}
				}
				detail.Messages = append(detail.Messages, message)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: querying messages: %w", err)
	}

	err = sqlitex.Execute(conn, `
		SELECT task_id, subject, description, active_form, status, owner, blocks_json, blocked_by_json, internal
		FROM session_tasks WHERE session_id = ? ORDER BY task_id`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				task := team.Task{
					ID:          stmt.ColumnText(0),
					Subject:     stmt.ColumnText(1),
					Description: stmt.ColumnText(2),
					ActiveForm:  stmt.ColumnText(3),
					Status:      team.TaskStatus(stmt.ColumnText(4)),
					Owner:       stmt.ColumnText(5),
					Internal:    stmt.ColumnInt(8) != 0,
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &task.Blocks); err != nil {
					return fmt.Errorf("decoding blocks: %w", err)
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(7)), &task.BlockedBy); err != nil {
					return fmt.Errorf("decoding blockedBy: %w", err)
				}
				detail.Tasks = append(detail.Tasks, task)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: querying tasks: %w", err)
	}

	return detail, nil
}

func scanSummary(stmt *sqlite.Stmt) Summary {
	summary := Summary{
		ID:          stmt.ColumnInt64(0),
		TeamName:    stmt.ColumnText(1),
		Description: stmt.ColumnText(2),
		CreatedAt:   stmt.ColumnInt64(3),
		FirstSeen:   stmt.ColumnText(4),
	}
	if !stmt.ColumnIsNull(5) {
		summary.EndedAt = stmt.ColumnText(5)
	}
	return summary
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
