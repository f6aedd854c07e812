package internal

import (
	"context"
	"log"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// ErrWatcherClosed is returned by Watcher.Start when the filesystem watcher
// stops delivering events before the context is cancelled.
var ErrWatcherClosed = errors.New("filesystem watcher closed")

// Change sources.
const (
	SourceFS  = "fs"
	SourceGit = "git"
)

// Change is one event that may trigger a run.
type Change struct {
	Source string      `json:"source"`
	Path   string      `json:"path"` // changed path, or git reason for SourceGit
	Op     fsnotify.Op `json:"-"`
}

// Key identifies the change for per-file coalescing.
func (c Change) Key() string {
	if c.Source == SourceGit {
		return "git:" + c.Path
	}
	return c.Path
}

// Trigger is the value passed to the command in TriggerEnv.
func (c Change) Trigger() string {
	return c.Key()
}

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	WorkspacePath    string
	RecursiveDirs    []string
	NonRecursiveDirs []string

	// Include and Exclude are filepath.Match patterns applied to the base
	// name of a changed path. Empty Include matches everything; Exclude wins.
	Include []string
	Exclude []string
}

// matches reports whether a change to path should be scheduled.
func (c WatcherConfig) matches(path string) bool {
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), ".git") {
		return false
	}
	base := filepath.Base(path)
	if matchAny(c.Exclude, base) {
		return false
	}
	return len(c.Include) == 0 || matchAny(c.Include, base)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Watcher watches files and hands matching changes to a Scheduler.
type Watcher struct {
	config     WatcherConfig
	fsWatcher  FSWatcher
	gitWatcher GitWatcher // can be nil if not watching git
	scheduler  Scheduler
}

// NewWatcher creates a new Watcher with the given configuration.
// gitWatcher can be nil.
func NewWatcher(config WatcherConfig, scheduler Scheduler, fsWatcher FSWatcher, gitWatcher GitWatcher) *Watcher {
	return &Watcher{
		config:     config,
		fsWatcher:  fsWatcher,
		gitWatcher: gitWatcher,
		scheduler:  scheduler,
	}
}

// Start begins watching files. This blocks until the context is cancelled or
// the filesystem watcher closes.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.config.NonRecursiveDirs {
		absDir := filepath.Join(w.config.WorkspacePath, dir)
		if err := w.fsWatcher.Add(absDir, false); err != nil {
			log.Printf("Warning: could not watch %s: %v", absDir, err)
		}
	}

	for _, dir := range w.config.RecursiveDirs {
		absDir := filepath.Join(w.config.WorkspacePath, dir)
		if err := w.fsWatcher.Add(absDir, true); err != nil {
			log.Printf("Warning: could not watch %s recursively: %v", absDir, err)
		}
	}

	var gitCh <-chan string
	if w.gitWatcher != nil {
		gitCh = w.gitWatcher.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case reason := <-gitCh:
			log.Printf("Git %s changed", reason)
			w.scheduler.Schedule(Change{Source: SourceGit, Path: reason})

		case event, ok := <-w.fsWatcher.Events():
			if !ok {
				return ErrWatcherClosed
			}

			// New directories under a recursive root need their own watch.
			if event.Has(fsnotify.Create) {
				_ = w.fsWatcher.Rescan()
			}

			if event.Op == fsnotify.Chmod || !w.config.matches(event.Name) {
				continue
			}
			w.scheduler.Schedule(Change{Source: SourceFS, Path: event.Name, Op: event.Op})

		case err, ok := <-w.fsWatcher.Errors():
			if !ok {
				return ErrWatcherClosed
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// Flush runs any pending change now.
func (w *Watcher) Flush() {
	w.scheduler.Flush()
}

// Close drops pending changes and stops the filesystem watcher.
func (w *Watcher) Close() error {
	w.scheduler.Cancel()
	return w.fsWatcher.Close()
}
