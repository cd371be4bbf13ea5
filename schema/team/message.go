// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package team

import "encoding/json"

// MessageKind classifies an inbox message body. Agents exchange two
// shapes of message: free text, and JSON objects carrying a "type"
// discriminator for protocol traffic (task handoff, shutdown
// coordination, idle reporting).
type MessageKind string

const (
	KindPlainText        MessageKind = "plain_text"
	KindTaskAssignment   MessageKind = "task_assignment"
	KindShutdownRequest  MessageKind = "shutdown_request"
	KindIdleNotification MessageKind = "idle_notification"
	KindShutdownApproval MessageKind = "shutdown_approval"
)

// recognizedKinds maps the on-wire type discriminator to its kind.
// An unrecognized discriminator falls back to plain text: hivewatch
// only interprets traffic it understands and passes the rest through
// as opaque text.
var recognizedKinds = map[string]MessageKind{
	"task_assignment":   KindTaskAssignment,
	"shutdown_request":  KindShutdownRequest,
	"idle_notification": KindIdleNotification,
	"shutdown_approval": KindShutdownApproval,
}

// Classify derives a message's kind and structured payload from its
// body. The body is structured when it parses as a JSON object whose
// "type" field names a recognized kind; everything else (non-JSON
// text, JSON scalars and arrays, objects with unknown or missing
// type) is plain text with a nil payload.
func Classify(text string) (MessageKind, map[string]any) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return KindPlainText, nil
	}
	discriminator, ok := payload["type"].(string)
	if !ok {
		return KindPlainText, nil
	}
	kind, ok := recognizedKinds[discriminator]
	if !ok {
		return KindPlainText, nil
	}
	return kind, payload
}
