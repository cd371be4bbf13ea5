// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package team

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

// ParseConfig parses a team config file. The jsonc pre-pass tolerates
// comments and trailing commas; the files race with the runtime's
// writer, so any parse error is a transient condition the caller
// absorbs by keeping the previous value.
func ParseConfig(data []byte) (Config, error) {
	var config Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
		return Config{}, fmt.Errorf("parse team config: %w", err)
	}
	if config.Name == "" {
		return Config{}, fmt.Errorf("parse team config: missing name")
	}
	if config.CreatedAt <= 0 {
		return Config{}, fmt.Errorf("parse team config %q: missing createdAt", config.Name)
	}
	return config, nil
}

// ParseInbox parses an inbox file: the full ordered message list for
// one agent. Each message is classified (Kind, Payload) as it is
// parsed, so consumers downstream never see the raw two-field form.
func ParseInbox(data []byte) ([]Message, error) {
	var messages []Message
	if err := json.Unmarshal(jsonc.ToJSON(data), &messages); err != nil {
		return nil, fmt.Errorf("parse inbox: %w", err)
	}
	for i := range messages {
		messages[i].Kind, messages[i].Payload = Classify(messages[i].Text)
	}
	return messages, nil
}

// taskFile is the on-disk task shape; metadata._internal is flattened
// into Task.Internal.
type taskFile struct {
	Task
	Metadata struct {
		Internal bool `json:"_internal"`
	} `json:"metadata"`
}

// ParseTask parses a task file.
func ParseTask(data []byte) (Task, error) {
	var file taskFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return Task{}, fmt.Errorf("parse task: %w", err)
	}
	if file.ID == "" {
		return Task{}, fmt.Errorf("parse task: missing id")
	}
	task := file.Task
	task.Internal = file.Metadata.Internal
	return task, nil
}
