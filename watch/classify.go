// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch turns raw filesystem activity beneath the two watched
// roots into an ordered stream of classified change events. It has
// three layers: a pure path classifier, a per-path debouncer that
// absorbs duplicate and partial-write notifications, and the watcher
// itself, which scans the existing tree on start and then follows live
// notifications with directory-level registration.
package watch

import (
	"path"
	"strings"
)

// ChangeKind is the classification of a watched path.
type ChangeKind int

const (
	// Ignored marks paths that are not part of the observed layout:
	// non-JSON files, directories, unrelated names.
	Ignored ChangeKind = iota

	// TeamConfig is <teamsRoot>/<team>/config.json.
	TeamConfig

	// Inbox is <teamsRoot>/<team>/inboxes/<agent>.json.
	Inbox

	// TaskFile is <tasksRoot>/<team>/<id>.json.
	TaskFile
)

func (k ChangeKind) String() string {
	switch k {
	case TeamConfig:
		return "config"
	case Inbox:
		return "inbox"
	case TaskFile:
		return "task"
	default:
		return "ignored"
	}
}

// configFileName is the per-team configuration file written by the
// agent runtime.
const configFileName = "config.json"

// inboxDirName is the per-team subdirectory holding one inbox file
// per agent.
const inboxDirName = "inboxes"

// Change is one classified filesystem event with the identifiers
// extracted from the path.
type Change struct {
	Kind   ChangeKind
	Team   string
	Agent  string // set for Inbox changes
	TaskID string // set for TaskFile changes
	Path   string // original path, for the aggregator's re-read
}

// Classifier maps raw paths beneath a (teamsRoot, tasksRoot) pair to
// Changes. Pure and total: every input yields exactly one Change,
// unmatched paths yield Kind Ignored.
type Classifier struct {
	teamsRoot string
	tasksRoot string
}

// NewClassifier returns a classifier for the two watched roots.
func NewClassifier(teamsRoot, tasksRoot string) Classifier {
	return Classifier{
		teamsRoot: normalize(teamsRoot),
		tasksRoot: normalize(tasksRoot),
	}
}

// Classify maps one raw path to its Change. Separator style is
// normalized first so matching is platform-independent.
func (c Classifier) Classify(rawPath string) Change {
	ignored := Change{Kind: Ignored, Path: rawPath}

	normalized := normalize(rawPath)
	if !strings.HasSuffix(normalized, ".json") {
		return ignored
	}

	if rel, ok := relativeTo(c.teamsRoot, normalized); ok {
		segments := strings.Split(rel, "/")
		switch {
		case len(segments) == 2 && segments[1] == configFileName:
			return Change{Kind: TeamConfig, Team: segments[0], Path: rawPath}
		case len(segments) == 3 && segments[1] == inboxDirName:
			agent := strings.TrimSuffix(segments[2], ".json")
			if agent == "" {
				return ignored
			}
			return Change{Kind: Inbox, Team: segments[0], Agent: agent, Path: rawPath}
		}
		return ignored
	}

	if rel, ok := relativeTo(c.tasksRoot, normalized); ok {
		segments := strings.Split(rel, "/")
		if len(segments) == 2 {
			id := strings.TrimSuffix(segments[1], ".json")
			if id == "" {
				return ignored
			}
			return Change{Kind: TaskFile, Team: segments[0], TaskID: id, Path: rawPath}
		}
		return ignored
	}

	return ignored
}

// normalize converts backslash separators to forward slashes and
// cleans the result, so Windows-style notification paths match
// slash-joined roots.
func normalize(p string) string {
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

// relativeTo returns p relative to root when p is strictly beneath it.
func relativeTo(root, p string) (string, bool) {
	prefix := root + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rel := p[len(prefix):]
	if rel == "" {
		return "", false
	}
	return rel, true
}
