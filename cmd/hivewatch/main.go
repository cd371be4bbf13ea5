// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hivewatch/hivewatch/hub"
	"github.com/hivewatch/hivewatch/session"
	"github.com/hivewatch/hivewatch/state"
	"github.com/hivewatch/hivewatch/watch"
)

// version is stamped by the release build via -ldflags.
var version = "devel"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hivewatch:", err)
		os.Exit(1)
	}
}

// settings is the resolved runtime configuration. Flags override the
// optional YAML config file, which overrides the built-in defaults.
type settings struct {
	TeamsRoot string        `yaml:"teamsRoot"`
	TasksRoot string        `yaml:"tasksRoot"`
	Database  string        `yaml:"database"`
	Listen    string        `yaml:"listen"`
	Debounce  time.Duration `yaml:"debounce"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	LogLevel  string        `yaml:"logLevel"`
}

func defaultSettings() settings {
	return settings{
		TeamsRoot: "./teams",
		TasksRoot: "./tasks",
		Database:  "./hivewatch.db",
		Listen:    "127.0.0.1:8422",
		Debounce:  watch.DefaultDebounce,
		Heartbeat: hub.DefaultHeartbeat,
		LogLevel:  "info",
	}
}

func run() error {
	defaults := defaultSettings()
	cfg := defaults

	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to a YAML config file")
	pflag.StringVar(&cfg.TeamsRoot, "teams-root", defaults.TeamsRoot, "directory holding per-team config and inbox files")
	pflag.StringVar(&cfg.TasksRoot, "tasks-root", defaults.TasksRoot, "directory holding per-team task files")
	pflag.StringVar(&cfg.Database, "db", defaults.Database, "SQLite session history database path")
	pflag.StringVar(&cfg.Listen, "listen", defaults.Listen, "HTTP listen address")
	pflag.DurationVar(&cfg.Debounce, "debounce", defaults.Debounce, "per-path quiet window before a change is processed")
	pflag.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug, info, warn, or error")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("hivewatch", version)
		return nil
	}

	if configPath != "" {
		if err := mergeConfigFile(configPath, &cfg); err != nil {
			return err
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// mergeConfigFile overlays file values onto cfg for every setting the
// command line did not override.
func mergeConfigFile(path string, cfg *settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var file settings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	overlay := func(flagName string, target *string, fileValue string) {
		if !pflag.CommandLine.Changed(flagName) && fileValue != "" {
			*target = fileValue
		}
	}
	overlay("teams-root", &cfg.TeamsRoot, file.TeamsRoot)
	overlay("tasks-root", &cfg.TasksRoot, file.TasksRoot)
	overlay("db", &cfg.Database, file.Database)
	overlay("listen", &cfg.Listen, file.Listen)
	overlay("log-level", &cfg.LogLevel, file.LogLevel)
	if !pflag.CommandLine.Changed("debounce") && file.Debounce > 0 {
		cfg.Debounce = file.Debounce
	}
	if file.Heartbeat > 0 {
		cfg.Heartbeat = file.Heartbeat
	}
	return nil
}

// serve wires the pipeline and blocks until ctx is cancelled, then
// shuts the stages down in dependency order: ingestion first, then the
// aggregator drains, then persistence and broadcast close.
func serve(ctx context.Context, cfg settings, logger *slog.Logger) error {
	store, err := session.Open(session.StoreConfig{
		Path:   cfg.Database,
		Logger: logger.With("component", "session"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	aggregator := state.New(state.Config{
		Logger: logger.With("component", "state"),
	})

	// Subscriptions attach before the aggregator starts so neither
	// consumer misses the cold-start scan.
	recorderUpdates := aggregator.Subscribe()
	hubUpdates := aggregator.Subscribe()

	watcher, err := watch.New(watch.Config{
		TeamsRoot: cfg.TeamsRoot,
		TasksRoot: cfg.TasksRoot,
		Debounce:  cfg.Debounce,
		Logger:    logger.With("component", "watch"),
	})
	if err != nil {
		return err
	}

	broadcastHub, err := hub.New(hub.Config{
		State:     aggregator,
		Sessions:  store,
		Heartbeat: cfg.Heartbeat,
		Logger:    logger.With("component", "hub"),
	})
	if err != nil {
		return err
	}

	recorder := session.NewRecorder(store, logger.With("component", "recorder"))
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.Run(context.Background(), recorderUpdates)
	}()
	go broadcastHub.Run(hubUpdates)

	// The aggregator must be consuming before the watcher's scan
	// starts: the scan emits synchronously and a large existing tree
	// would otherwise fill the event buffer.
	aggregator.Start(watcher.Events())
	if err := watcher.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: broadcastHub.Handler(),
	}
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.ListenAndServe()
	}()

	logger.Info("hivewatch running",
		"version", version,
		"teams_root", cfg.TeamsRoot,
		"tasks_root", cfg.TasksRoot,
		"db", cfg.Database,
		"listen", cfg.Listen,
	)

	select {
	case <-ctx.Done():
	case err := <-serverDone:
		watcher.Stop()
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	// Stop accepting observers, then stop ingestion. The watcher
	// closes the event stream; the aggregator drains it, publishes
	// every remaining merge, and closes the subscriber channels; the
	// recorder returns once its channel closes, with all merges
	// persisted before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http shutdown", "error", err)
	}

	watcher.Stop()
	<-aggregator.Drained()
	<-recorderDone
	broadcastHub.Stop()
	aggregator.Stop()

	logger.Info("shutdown complete")
	return nil
}
