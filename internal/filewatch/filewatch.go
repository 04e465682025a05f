// Package filewatch reports external changes to the notes tree (C6). It
// wraps fsnotify with two additions the spec requires and fsnotify itself
// doesn't provide: temporary per-path suppression (so our own writes never
// self-trigger a reindex) and per-path debouncing (so a burst of writes to
// one file coalesces into a single delivered event).
package filewatch

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/arlojensen/notecore/internal/notelog"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the spec default coalescing window.
const DefaultDebounce = 2 * time.Second

// Op classifies the kind of change observed for a path.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
	OpRename
)

// Event is one (debounced, non-suppressed) change delivered to callers.
type Event struct {
	Path string
	Op   Op
}

// Watcher watches a directory tree and delivers debounced, suppression-
// filtered change events.
type Watcher struct {
	root     string
	debounce time.Duration

	fsw *fsnotify.Watcher
	log *notelog.Logger

	events chan Event

	suppressMu sync.Mutex
	suppressed map[string]time.Time // normalized path -> zero time; presence means suppressed

	debounceMu sync.Mutex
	pending    map[string]*pendingEvent

	wg sync.WaitGroup
}

type pendingEvent struct {
	timer *time.Timer
	op    Op
}

// New creates a Watcher rooted at root. Call [Watcher.Start] to begin
// watching; events are available on [Watcher.Events].
func New(root string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		root:       root,
		debounce:   debounce,
		fsw:        fsw,
		log:        notelog.New("filewatch"),
		events:     make(chan Event, 256),
		suppressed: make(map[string]time.Time),
		pending:    make(map[string]*pendingEvent),
	}

	err = w.addTree(root)
	if err != nil {
		_ = fsw.Close()

		return nil, err
	}

	return w, nil
}

// Events returns the channel delivered events arrive on.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start launches the event-processing loop. It returns once ctx is
// cancelled or [Watcher.Stop] is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}

				w.handleRaw(ev)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}

				w.log.Warn().Err(err).Msg("fsnotify error")
			}
		}
	}()
}

// Stop closes the underlying fsnotify watcher and waits for the
// processing loop to exit.
func (w *Watcher) Stop() error {
	err := w.fsw.Close()
	w.wg.Wait()

	return err
}

// Suspend drops events for path until the delay passed to a later
// [Watcher.ResumeAfter] call for the same path has elapsed. Satisfies
// internal/savecoord.Suppressor.
func (w *Watcher) Suspend(path string) {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()

	w.suppressed[normalize(path)] = time.Time{} // zero time: suppressed indefinitely until Resume*
}

// ResumeAfter schedules path to stop being suppressed after delay.
func (w *Watcher) ResumeAfter(path string, delay time.Duration) {
	key := normalize(path)

	time.AfterFunc(delay, func() {
		w.suppressMu.Lock()
		delete(w.suppressed, key)
		w.suppressMu.Unlock()
	})
}

func (w *Watcher) isSuppressed(path string) bool {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()

	_, ok := w.suppressed[normalize(path)]

	return ok
}

func normalize(path string) string {
	return filepath.Clean(path)
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	if w.isSuppressed(ev.Name) {
		return
	}

	op := translateOp(ev.Op)

	if ev.Op&fsnotify.Create != 0 {
		_ = w.fsw.Add(ev.Name) // best-effort: new subdirectories need their own watch
	}

	w.debounceDeliver(ev.Name, op)
}

func translateOp(op fsnotify.Op) Op {
	switch {
	case op&fsnotify.Create != 0:
		return OpCreate
	case op&fsnotify.Remove != 0:
		return OpDelete
	case op&fsnotify.Rename != 0:
		return OpRename
	default:
		return OpModify
	}
}

// debounceDeliver resets a per-path timer on every arrival; only the last
// op observed in the window is delivered, per spec's debouncing contract.
func (w *Watcher) debounceDeliver(path string, op Op) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if existing, ok := w.pending[path]; ok {
		existing.timer.Stop()
		existing.op = op
		existing.timer.Reset(w.debounce)

		return
	}

	entry := &pendingEvent{op: op}
	entry.timer = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.pending, path)
		w.debounceMu.Unlock()

		select {
		case w.events <- Event{Path: path, Op: entry.op}:
		default:
			w.log.Warn().Str("path", path).Msg("event channel full, dropping delivery")
		}
	})

	w.pending[path] = entry
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return w.fsw.Add(path)
		}

		return nil
	})
}
