// Package watcher provides realtime filesystem notification for a
// codebase root, coalescing bursty edits per (event, path) key and
// only emitting an event once the file has been stable for a short
// window.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tinker495/csync/internal/ignore"
)

// EventKind enumerates the filesystem transitions the watcher reports.
type EventKind int

const (
	Created EventKind = iota
	Changed
	Removed
	Renamed
)

// Event is a single, debounced filesystem notification.
type Event struct {
	Kind EventKind
	Path string // absolute path
}

// These are vars rather than consts so tests can shrink them; the
// default values match the documented 500ms debounce / 1s stability
// window for production use.
var (
	debounceWindow = 500 * time.Millisecond
	stabilityWait  = 1 * time.Second
	stabilityPoll  = 100 * time.Millisecond
)

// Watcher watches a root directory recursively and emits debounced,
// stability-checked Events on its channel.
type Watcher struct {
	root   string
	ignore *ignore.Matcher
	fsw    *fsnotify.Watcher

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer // keyed by "kind:path"
}

// New creates a Watcher rooted at root. Events are not delivered until
// Start is called.
func New(root string, matcher *ignore.Matcher) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:   root,
		ignore: matcher,
		fsw:    fsw,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}, nil
}

// Events returns the channel of debounced events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start subscribes to every directory under root and begins
// processing filesystem events in the background.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops the watcher, releases its fsnotify handle and closes the
// Events channel.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	// emit checks done under mu, so no send can follow this close.
	close(w.events)
	w.mu.Unlock()

	return err
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && isHidden(filepath.Base(path)) {
			return filepath.SkipDir
		}
		if w.ignore.ShouldSkipDir(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			log.Printf("watcher: failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if isHidden(filepath.Base(ev.Name)) {
		return
	}
	if w.ignore.ShouldIgnore(ev.Name) {
		return
	}

	var kind EventKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = Created
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				log.Printf("watcher: failed to add new directory %s: %v", ev.Name, err)
			}
			return
		}
	case ev.Op&fsnotify.Write != 0:
		kind = Changed
	case ev.Op&fsnotify.Remove != 0:
		kind = Removed
	case ev.Op&fsnotify.Rename != 0:
		kind = Renamed
	default:
		return
	}

	w.debounce(kind, ev.Name)
}

// debounce schedules delivery of (kind, path) after debounceWindow,
// resetting the timer if another event for the same key arrives first.
// Keying the timer map per (kind, path) keeps a burst on one file from
// delaying delivery of an unrelated file's event.
func (w *Watcher) debounce(kind EventKind, path string) {
	key := fmt.Sprintf("%d:%s", kind, path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.timers, key)
		w.mu.Unlock()
		w.fireWhenStable(kind, path)
	})
}

// fireWhenStable polls the file's size/mtime until it stops changing
// for stabilityWait before emitting the event, so a writer mid-flush
// does not produce a truncated read downstream. Removal events skip
// the stability wait since there is nothing left to stabilize.
func (w *Watcher) fireWhenStable(kind EventKind, path string) {
	if kind == Removed || kind == Renamed {
		w.emit(Event{Kind: kind, Path: path})
		return
	}

	deadline := time.Now().Add(10 * time.Second)
	var lastSize int64 = -1
	var lastMod time.Time
	stableSince := time.Time{}

	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err != nil {
			w.emit(Event{Kind: Removed, Path: path})
			return
		}
		if info.Size() == lastSize && info.ModTime().Equal(lastMod) {
			if stableSince.IsZero() {
				stableSince = time.Now()
			} else if time.Since(stableSince) >= stabilityWait {
				w.emit(Event{Kind: kind, Path: path})
				return
			}
		} else {
			stableSince = time.Time{}
			lastSize = info.Size()
			lastMod = info.ModTime()
		}
		time.Sleep(stabilityPoll)
	}
	// Deadline exceeded: emit anyway rather than silently dropping the event.
	w.emit(Event{Kind: kind, Path: path})
}

func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.events <- ev:
	default:
		log.Printf("watcher: event channel full, dropping %v %s", ev.Kind, ev.Path)
	}
}

func isHidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}
