// Package scheduler implements the central save scheduler (C5): two
// shared, non-reentrant timers - auto-save and WAL flush - that drive the
// save coordinator and WAL store over every open document.
//
// Each timer follows the corpus's try-lock-and-skip pattern: on tick,
// try-acquire a 1-slot semaphore with a short timeout and skip the tick
// entirely on contention, rather than queueing behind a still-running
// previous tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/arlojensen/notecore/internal/notelog"
	"golang.org/x/sync/semaphore"
)

// acquireTimeout bounds how long a tick waits to acquire its gate before
// giving up and skipping the tick.
const acquireTimeout = 100 * time.Millisecond

// Default cadences per spec §6.
const (
	DefaultAutoSaveInterval = 30 * time.Second
	DefaultWalFlushInterval = 10 * time.Second
)

// stopDrainTimeout bounds how long Stop waits for an in-flight tick.
const stopDrainTimeout = 3 * time.Second

// Scheduler runs the auto-save and WAL-flush timers.
type Scheduler struct {
	autoSaveInterval time.Duration
	walFlushInterval time.Duration

	onAutoSave func(ctx context.Context)
	onWalFlush func(ctx context.Context)

	autoSaveSem *semaphore.Weighted
	walFlushSem *semaphore.Weighted

	log *notelog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAutoSaveInterval overrides the default 30s auto-save cadence.
func WithAutoSaveInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.autoSaveInterval = d }
}

// WithWalFlushInterval overrides the default 10s WAL-flush cadence.
func WithWalFlushInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.walFlushInterval = d }
}

// New returns a Scheduler. onAutoSave is invoked once per auto-save tick
// that wins its gate; onWalFlush likewise for WAL-flush ticks.
func New(onAutoSave, onWalFlush func(ctx context.Context), opts ...Option) *Scheduler {
	s := &Scheduler{
		autoSaveInterval: DefaultAutoSaveInterval,
		walFlushInterval: DefaultWalFlushInterval,
		onAutoSave:       onAutoSave,
		onWalFlush:       onWalFlush,
		autoSaveSem:      semaphore.NewWeighted(1),
		walFlushSem:      semaphore.NewWeighted(1),
		log:              notelog.New("scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches both timer loops. They run until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)

	go s.runLoop(ctx, "auto_save", s.autoSaveInterval, s.autoSaveSem, s.onAutoSave)
	go s.runLoop(ctx, "wal_flush", s.walFlushInterval, s.walFlushSem, s.onWalFlush)
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, sem *semaphore.Weighted, fn func(context.Context)) {
	defer s.wg.Done()

	if fn == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, name, sem, fn)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, name string, sem *semaphore.Weighted, fn func(context.Context)) {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	err := sem.Acquire(acquireCtx, 1)
	if err != nil {
		s.log.Debug().Str("timer", name).Msg("tick skipped: previous tick still running")

		return
	}

	defer sem.Release(1)

	fn(ctx)
}

// SaveAllAsync forces an immediate auto-save tick, bypassing the gate.
// Used on shutdown to flush all dirty documents regardless of whether a
// regular tick is already in flight.
func (s *Scheduler) SaveAllAsync(ctx context.Context) {
	if s.onAutoSave != nil {
		s.onAutoSave(ctx)
	}
}

// Stop halts both timer loops and waits up to 3s for any in-flight tick
// to finish before returning.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		s.log.Warn().Msg("stop: timed out waiting for in-flight tick to drain")
	}
}
