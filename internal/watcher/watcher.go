// Package watcher broadcasts workspace file changes so the UI can refetch
// after an external editor touches the tree. There is no lock on the
// workspace; watching is the cooperative half of the shared-resource
// policy.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceWindow coalesces bursts of events (editors often write a file
// several times in quick succession).
const debounceWindow = 200 * time.Millisecond

// Watcher observes a workspace tree recursively.
type Watcher struct {
	root     string
	notify   func(relPath string)
	fsw      *fsnotify.Watcher
	done     chan struct{}
	lastSeen map[string]time.Time
}

// New creates a watcher over root; notify is called with the
// workspace-relative path of each changed file.
func New(root string, notify func(relPath string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     root,
		notify:   notify,
		fsw:      fsw,
		done:     make(chan struct{}),
		lastSeen: make(map[string]time.Time),
	}, nil
}

// Start registers the tree and begins dispatching events.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.loop()
	log.Info().Str("root", w.root).Msg("Workspace watcher started")
	return nil
}

// Stop ends dispatching and releases the OS watches.
func (w *Watcher) Stop() {
	close(w.done)
	if err := w.fsw.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing workspace watcher")
	}
}

// addRecursive registers root and every directory below it.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unwatchable entry")
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// loop dispatches fsnotify events until stopped.
func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Workspace watcher error")
		}
	}
}

// handle filters, debounces, and forwards one event. Newly-created
// directories are added to the watch set so the tree stays covered.
func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				log.Warn().Err(err).Str("path", event.Name).Msg("Cannot watch new directory")
			}
			return
		}
	}

	now := time.Now()
	if last, ok := w.lastSeen[event.Name]; ok && now.Sub(last) < debounceWindow {
		return
	}
	w.lastSeen[event.Name] = now

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	w.notify(filepath.ToSlash(rel))
}
