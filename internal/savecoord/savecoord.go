// Package savecoord implements the save coordinator (C4): per-path
// exclusive save execution with "coalesced success" instead of queueing,
// fixed retry/backoff, file-watcher suppression around each save, status
// reporting, and bounded-concurrency batch execution.
package savecoord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arlojensen/notecore/internal/notedoc"
	"github.com/arlojensen/notecore/internal/notelog"
	"golang.org/x/sync/semaphore"
)

// Status is the lifecycle state of a single save attempt, emitted to a
// [Reporter] as the coordinator progresses through retries.
type Status int

const (
	// StatusInProgress is emitted once, at the start of the first attempt.
	StatusInProgress Status = iota
	// StatusSuccess is emitted when an attempt succeeds.
	StatusSuccess
	// StatusFailureRetrying is emitted after a failed attempt that will be retried.
	StatusFailureRetrying
	// StatusFailureFinal is emitted after the final attempt fails.
	StatusFailureFinal
)

// Reporter receives status updates for a save in progress. Implementations
// must not block; the coordinator calls Report synchronously.
type Reporter interface {
	Report(path, title string, status Status, attempt int)
}

// Suppressor lets the coordinator silence the file watcher around a save
// so our own writes never trigger a self-reindex. Satisfied by
// internal/filewatch.Watcher.
type Suppressor interface {
	Suspend(path string)
	ResumeAfter(path string, delay time.Duration)
}

// EmergencyDumpWriter persists a best-effort plain-text copy of content
// when all retries for a path are exhausted (spec: "user-visible failure
// ... writes an emergency recovery file").
type EmergencyDumpWriter interface {
	WriteDump(title string, content []byte) error
}

// SaveFunc performs the actual write for one attempt. It may be called up
// to three times for the same logical save.
type SaveFunc func(ctx context.Context) error

// Stats aggregates coordinator-wide counters for status reporting.
type Stats struct {
	Attempted     int64
	Succeeded     int64
	Failed        int64
	Coalesced     int64
	RetriesIssued int64
}

// statCounters holds the mutable counters behind a Coordinator's Stats
// snapshot. Kept separate from Stats so callers can copy a snapshot freely
// without copying a lock.
type statCounters struct {
	mu    sync.Mutex
	stats Stats
}

func (s *statCounters) add(field *int64, n int64) {
	s.mu.Lock()
	*field += n
	s.mu.Unlock()
}

func (s *statCounters) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// DefaultRetryDelays is the spec's fixed backoff schedule between
// attempts 1->2 and 2->3.
var DefaultRetryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1500 * time.Millisecond}

// Coordinator is the save coordinator described by C4.
type Coordinator struct {
	retryDelays      []time.Duration
	batchConcurrency int64
	watcherDelay     time.Duration

	suppressor Suppressor
	reporter   Reporter
	dump       EmergencyDumpWriter
	log        *notelog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}

	wg sync.WaitGroup

	stats statCounters
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSuppressor sets the file-watcher suppressor.
func WithSuppressor(s Suppressor) Option { return func(c *Coordinator) { c.suppressor = s } }

// WithReporter sets the status reporter.
func WithReporter(r Reporter) Option { return func(c *Coordinator) { c.reporter = r } }

// WithEmergencyDumpWriter sets the terminal-failure dump writer.
func WithEmergencyDumpWriter(w EmergencyDumpWriter) Option {
	return func(c *Coordinator) { c.dump = w }
}

// WithRetryDelays overrides the default [100ms, 500ms, 1500ms] schedule.
func WithRetryDelays(delays []time.Duration) Option {
	return func(c *Coordinator) { c.retryDelays = delays }
}

// WithBatchConcurrency overrides the default in-flight batch cap of 3.
func WithBatchConcurrency(n int64) Option {
	return func(c *Coordinator) { c.batchConcurrency = n }
}

// WithWatcherResumeDelay overrides the default 750ms resume delay.
func WithWatcherResumeDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.watcherDelay = d }
}

// New returns a Coordinator with the given options applied over spec
// defaults.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		retryDelays:      DefaultRetryDelays,
		batchConcurrency: 3,
		watcherDelay:     750 * time.Millisecond,
		log:              notelog.New("savecoord"),
		inFlight:         make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func normalize(path string) string {
	return strings.ToLower(path)
}

// claim attempts to become the exclusive saver for path. Returns false if
// another save is already in flight for the same normalized path - the
// caller should treat that as "coalesced success".
func (c *Coordinator) claim(path string) bool {
	key := normalize(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.inFlight[key]; taken {
		return false
	}

	c.inFlight[key] = struct{}{}

	return true
}

func (c *Coordinator) release(path string) {
	key := normalize(path)

	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
}

func (c *Coordinator) report(path, title string, status Status, attempt int) {
	if c.reporter != nil {
		c.reporter.Report(path, title, status, attempt)
	}
}

// SafeSaveWithRetry runs saveAction for path up to three times with the
// configured backoff, suppressing the file watcher for the duration. It
// returns true if the save succeeded, or if a concurrent save for the
// same path was already in flight (coalesced success).
//
// Callers that hold the document's in-memory content should use
// [Coordinator.SafeSaveWithMetadata] instead, so a terminal failure can
// dump that content rather than an empty file.
func (c *Coordinator) SafeSaveWithRetry(ctx context.Context, path, title string, saveAction SaveFunc) bool {
	return c.safeSave(ctx, path, title, nil, saveAction)
}

// SafeSaveWithMetadata is [Coordinator.SafeSaveWithRetry] plus the
// document's current content, so that a terminal failure's emergency
// dump (spec: "writes an emergency recovery file") preserves the actual
// unsaved bytes instead of writing an empty file.
func (c *Coordinator) SafeSaveWithMetadata(ctx context.Context, path, title string, content []byte, saveAction SaveFunc) bool {
	return c.safeSave(ctx, path, title, content, saveAction)
}

func (c *Coordinator) safeSave(ctx context.Context, path, title string, content []byte, saveAction SaveFunc) bool {
	if !c.claim(path) {
		c.stats.add(&c.stats.stats.Coalesced, 1)

		return true
	}

	c.wg.Add(1)

	defer func() {
		c.release(path)
		c.wg.Done()
	}()

	if c.suppressor != nil {
		c.suppressor.Suspend(path)
	}

	defer func() {
		if c.suppressor != nil {
			c.suppressor.ResumeAfter(path, c.watcherDelay)
		}
	}()

	c.report(path, title, StatusInProgress, 1)

	maxAttempts := min(len(c.retryDelays)+1, 3)

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.stats.add(&c.stats.stats.Attempted, 1)

		err := saveAction(ctx)
		if err == nil {
			c.stats.add(&c.stats.stats.Succeeded, 1)

			c.report(path, title, StatusSuccess, attempt)

			return true
		}

		lastErr = err
		kind := notedoc.KindOf(err)

		c.log.With(path).Warn().
			Int("attempt", attempt).
			Str("kind", kind.String()).
			Err(err).
			Msg("save attempt failed")

		if attempt == maxAttempts {
			break
		}

		c.stats.add(&c.stats.stats.RetriesIssued, 1)

		c.report(path, title, StatusFailureRetrying, attempt)

		delay := c.retryDelays[attempt-1]

		select {
		case <-ctx.Done():
			c.report(path, title, StatusFailureFinal, attempt)

			return false
		case <-time.After(delay):
		}
	}

	c.stats.add(&c.stats.stats.Failed, 1)

	c.report(path, title, StatusFailureFinal, maxAttempts)

	if c.dump != nil {
		dumpErr := c.dump.WriteDump(title, content)
		if dumpErr != nil {
			c.log.With(path).Error().Err(dumpErr).Msg("failed to write emergency recovery dump")
		}
	}

	c.log.With(path).Error().Err(lastErr).Msg("save failed after all retries")

	return false
}

// BatchOp is one unit of work submitted to [Coordinator.SafeBatchSave].
// Content is the document's current in-memory content, used only to
// populate the emergency dump if every retry fails.
type BatchOp struct {
	Path       string
	Title      string
	Content    []byte
	SaveAction SaveFunc
}

// BatchResult summarizes a batch save.
type BatchResult struct {
	SuccessCount int
	FailureCount int
	FailedItems  []string
}

// SafeBatchSave runs ops with a concurrency cap (default 3), reporting
// progress via the configured [Reporter] and never letting one op's
// failure cancel its siblings.
func (c *Coordinator) SafeBatchSave(ctx context.Context, ops []BatchOp) BatchResult {
	sem := semaphore.NewWeighted(c.batchConcurrency)

	var (
		mu     sync.Mutex
		result BatchResult
		wg     sync.WaitGroup
		total  = len(ops)
		done   int
	)

	for _, op := range ops {
		err := sem.Acquire(ctx, 1)
		if err != nil {
			mu.Lock()
			result.FailureCount++
			result.FailedItems = append(result.FailedItems, op.Path)
			mu.Unlock()

			continue
		}

		wg.Add(1)

		go func(op BatchOp) {
			defer wg.Done()
			defer sem.Release(1)

			ok := c.SafeSaveWithMetadata(ctx, op.Path, op.Title, op.Content, op.SaveAction)

			mu.Lock()
			defer mu.Unlock()

			if ok {
				result.SuccessCount++
			} else {
				result.FailureCount++
				result.FailedItems = append(result.FailedItems, op.Path)
			}

			done++

			c.log.Debug().Int("completed", done).Int("total", total).Msg("batch progress")
		}(op)
	}

	wg.Wait()

	return result
}

// GetStats returns a snapshot of cumulative coordinator counters.
func (c *Coordinator) GetStats() Stats {
	return c.stats.snapshot()
}

// Dispose waits up to 10s for in-flight saves to drain. Returns an error
// if the drain timed out - callers should log and proceed with shutdown
// regardless, per spec's "prior fsyncs already protect data" guidance.
func (c *Coordinator) Dispose(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("savecoord: dispose timed out waiting for in-flight saves")
	case <-ctx.Done():
		return ctx.Err()
	}
}
