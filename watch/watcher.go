// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hivewatch/hivewatch/lib/clock"
)

// eventBufferSize is the capacity of the classified event channel.
// The aggregator consumes promptly (small file reads); 256 absorbs a
// burst such as an agent runtime rewriting every inbox at once.
const eventBufferSize = 256

// Config holds the parameters for a Watcher.
type Config struct {
	// TeamsRoot is the directory holding one subdirectory per team
	// (config.json plus an inboxes/ subdirectory). Created if absent
	// so watching can begin before the agent runtime's first write.
	TeamsRoot string

	// TasksRoot is the directory holding one subdirectory per team
	// with one JSON file per task.
	TasksRoot string

	// Debounce is the per-path quiet window. Defaults to
	// DefaultDebounce when zero.
	Debounce time.Duration

	// Clock drives the debounce timers. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Watcher observes the two roots and emits debounced, classified
// change events. Start performs a synchronous scan of existing files
// (cold-start discovery of already-running teams) before live
// watching begins; Stop cancels pending debounce timers, releases the
// underlying watch, and closes the event channel.
//
// Watches are registered per directory, never per glob pattern: the
// underlying notification primitive only fires reliably for
// directory-registered watches, so the watcher walks the tree and
// adds a watch for every subdirectory, including ones created later.
type Watcher struct {
	config     Config
	classifier Classifier
	logger     *slog.Logger
	debouncer  *Debouncer
	notifier   *fsnotify.Watcher

	events chan Change
	done   chan struct{}
	loop   chan struct{} // closed when the notification loop exits
}

// New validates the config and prepares the watched roots. Root
// directories that cannot be created or read are a fatal startup
// error.
func New(cfg Config) (*Watcher, error) {
	if cfg.TeamsRoot == "" || cfg.TasksRoot == "" {
		return nil, fmt.Errorf("watch: TeamsRoot and TasksRoot are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	for _, root := range []string{cfg.TeamsRoot, cfg.TasksRoot} {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("watch: preparing root %s: %w", root, err)
		}
	}

	w := &Watcher{
		config:     cfg,
		classifier: NewClassifier(cfg.TeamsRoot, cfg.TasksRoot),
		logger:     cfg.Logger,
		events:     make(chan Change, eventBufferSize),
		done:       make(chan struct{}),
		loop:       make(chan struct{}),
	}
	w.debouncer = NewDebouncer(cfg.Debounce, cfg.Clock, w.emitPath)
	return w, nil
}

// Events returns the classified change stream. Closed by Stop.
func (w *Watcher) Events() <-chan Change { return w.events }

// Start scans the existing tree, synthesizing one event per
// recognized file, then begins live watching. The scan is synchronous:
// when Start returns, every pre-existing config, inbox, and task file
// has been emitted, in config-inbox-task order per team.
func (w *Watcher) Start() error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: creating notifier: %w", err)
	}
	w.notifier = notifier

	// Register directory watches BEFORE the scan, then scan. A file
	// written during the scan is seen either by the scan or by the
	// live watch; nothing is missed. The reverse order would drop
	// writes landing between scan and registration.
	for _, root := range []string{w.config.TeamsRoot, w.config.TasksRoot} {
		if err := w.addDirectoryTree(root); err != nil {
			notifier.Close()
			return err
		}
	}

	w.scanExisting()

	go w.run()
	return nil
}

// Stop halts live watching, cancels pending debounce timers, and
// closes the event channel. No event is emitted after Stop returns.
func (w *Watcher) Stop() {
	close(w.done)
	if w.notifier != nil {
		w.notifier.Close()
		<-w.loop
	}
	w.debouncer.Stop()
	close(w.events)
}

// scanExisting enumerates both roots and emits one classified event
// per recognized existing file. Teams are visited in sorted order;
// within a team, config precedes inboxes so the aggregator always
// learns a team's roster before its traffic.
func (w *Watcher) scanExisting() {
	teamDirs := sortedSubdirectories(w.config.TeamsRoot)
	for _, teamDir := range teamDirs {
		configPath := filepath.Join(w.config.TeamsRoot, teamDir, configFileName)
		if fileExists(configPath) {
			w.emitPath(configPath)
		}
		inboxDir := filepath.Join(w.config.TeamsRoot, teamDir, inboxDirName)
		for _, name := range sortedJSONFiles(inboxDir) {
			w.emitPath(filepath.Join(inboxDir, name))
		}
	}

	for _, teamDir := range sortedSubdirectories(w.config.TasksRoot) {
		taskDir := filepath.Join(w.config.TasksRoot, teamDir)
		for _, name := range sortedJSONFiles(taskDir) {
			w.emitPath(filepath.Join(taskDir, name))
		}
	}
}

// run is the live notification loop. Every file notification is
// routed through the debouncer; directory creations extend the watch
// tree.
func (w *Watcher) run() {
	defer close(w.loop)
	for {
		select {
		case event, ok := <-w.notifier.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch notification error", "error", err)
		case <-w.done:
			return
		}
	}
}

// handleEvent routes one raw notification. New directories are added
// to the watch tree and their contents notified, covering files
// written into a directory before its watch was established.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirectoryTree(event.Name); err != nil {
				w.logger.Warn("watch registration failed", "path", event.Name, "error", err)
			}
			w.notifyTree(event.Name)
			return
		}
	}
	if event.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
		w.debouncer.Notify(event.Name)
	}
}

// addDirectoryTree registers a watch on dir and every directory
// beneath it.
func (w *Watcher) addDirectoryTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			// The tree races with the writer; a directory vanishing
			// mid-walk is not fatal.
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if addErr := w.notifier.Add(path); addErr != nil {
			return fmt.Errorf("watch: adding %s: %w", path, addErr)
		}
		return nil
	})
}

// notifyTree pushes every existing file beneath dir through the
// debouncer.
func (w *Watcher) notifyTree(dir string) {
	filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		w.debouncer.Notify(path)
		return nil
	})
}

// emitPath classifies a quiesced path and emits recognized changes.
// Called from debounce timers and the initial scan.
func (w *Watcher) emitPath(path string) {
	change := w.classifier.Classify(path)
	if change.Kind == Ignored {
		return
	}
	select {
	case w.events <- change:
	case <-w.done:
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func sortedSubdirectories(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func sortedJSONFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}
