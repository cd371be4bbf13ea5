// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Command hivewatch observes an agent runtime's team directories and
// serves the aggregated state to dashboard observers.
//
// It watches two directory trees maintained by the runtime — per-team
// config and inbox files under the teams root, per-team task files
// under the tasks root — and turns raw file writes into a debounced,
// classified change stream. A single aggregation goroutine merges each
// change into the in-memory team model; every merge is persisted to a
// SQLite session history and broadcast to connected WebSocket
// observers as an incremental update.
//
// Observers connect to /ws and receive a full state snapshot followed
// by incremental team_update frames and periodic heartbeats. Session
// history is also available over REST at /api/sessions.
//
// Usage:
//
//	hivewatch --teams-root ./teams --tasks-root ./tasks --db ./hivewatch.db --listen 127.0.0.1:8422
//
// A YAML config file may supply the same settings via --config;
// command-line flags take precedence.
package main
