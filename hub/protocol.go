// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub fans aggregated state out to connected observers and
// answers their point-to-point requests. Observers speak a JSON frame
// protocol: every frame carries a kind tag, a payload, and a send
// timestamp. Delivery is at-least-once with client-side replace
// semantics; a full snapshot always precedes incrementals on a new
// connection.
package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hivewatch/hivewatch/schema/team"
	"github.com/hivewatch/hivewatch/session"
	"github.com/hivewatch/hivewatch/state"
)

// FrameType tags a protocol frame.
type FrameType string

// Server → observer frames.
const (
	// FrameState is the full snapshot of all teams, sent on connect
	// and on request.
	FrameState FrameType = "state"

	// FrameTeamUpdate is one incremental change (config, inbox, or
	// task) for one team. Observers apply it in place.
	FrameTeamUpdate FrameType = "team_update"

	// FrameHeartbeat is the periodic liveness frame carrying the
	// observer count.
	FrameHeartbeat FrameType = "heartbeat"

	// FrameHistory is the session history index, replying to
	// FrameGetHistory.
	FrameHistory FrameType = "history"

	// FrameSessionDetail is one full session, replying to
	// FrameGetSession.
	FrameSessionDetail FrameType = "session_detail"

	// FrameError reports a failed request to the requesting observer.
	FrameError FrameType = "error"
)

// Observer → server frames.
const (
	FrameSwitchTeam FrameType = "switch_team"
	FrameGetHistory FrameType = "get_history"
	FrameGetSession FrameType = "get_session"
)

// Frame is one protocol message in either direction.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  string          `json:"ts"`
}

// StatePayload is the FrameState body.
type StatePayload struct {
	Teams      map[string]*team.Team `json:"teams"`
	ActiveTeam string                `json:"activeTeam"`
}

// TeamUpdatePayload is the FrameTeamUpdate body. Exactly one payload
// group is set, matching Kind.
type TeamUpdatePayload struct {
	Team string           `json:"team"`
	Kind state.UpdateKind `json:"kind"`

	Config   *team.Config   `json:"config,omitempty"`
	Agent    string         `json:"agent,omitempty"`
	Messages []team.Message `json:"messages,omitempty"`
	Tasks    []team.Task    `json:"tasks,omitempty"`
}

// HeartbeatPayload is the FrameHeartbeat body.
type HeartbeatPayload struct {
	Observers int `json:"observers"`
}

// HistoryPayload is the FrameHistory body.
type HistoryPayload struct {
	Sessions []session.Summary `json:"sessions"`
}

// ErrorPayload is the FrameError body.
type ErrorPayload struct {
	Message string `json:"message"`
}

// SwitchTeamPayload is the FrameSwitchTeam body.
type SwitchTeamPayload struct {
	Team string `json:"team"`
}

// GetSessionPayload is the FrameGetSession body.
type GetSessionPayload struct {
	ID int64 `json:"id"`
}

// NewFrame builds a frame with the payload marshalled and the send
// timestamp stamped.
func NewFrame(frameType FrameType, payload any, sentAt time.Time) (Frame, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("hub: encoding %s payload: %w", frameType, err)
	}
	return Frame{
		Type:    frameType,
		Payload: encoded,
		SentAt:  sentAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// DecodePayload unmarshals a frame's payload into v.
func (f Frame) DecodePayload(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("hub: decoding %s payload: %w", f.Type, err)
	}
	return nil
}
