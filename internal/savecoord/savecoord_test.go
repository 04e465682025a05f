package savecoord_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arlojensen/notecore/internal/savecoord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	statuses []savecoord.Status
}

func (r *recordingReporter) Report(_, _ string, status savecoord.Status, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, status)
}

func (r *recordingReporter) snapshot() []savecoord.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]savecoord.Status, len(r.statuses))
	copy(out, r.statuses)

	return out
}

type fakeSuppressor struct {
	suspended int32
	resumed   int32
}

func (f *fakeSuppressor) Suspend(string)                   { atomic.AddInt32(&f.suspended, 1) }
func (f *fakeSuppressor) ResumeAfter(string, time.Duration) { atomic.AddInt32(&f.resumed, 1) }

type recordingDumpWriter struct {
	mu      sync.Mutex
	title   string
	content []byte
	calls   int
}

func (d *recordingDumpWriter) WriteDump(title string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.title = title
	d.content = content
	d.calls++

	return nil
}

func TestSafeSaveWithRetry_SucceedsOnFirstAttempt(t *testing.T) {
	reporter := &recordingReporter{}
	suppressor := &fakeSuppressor{}
	coord := savecoord.New(
		savecoord.WithReporter(reporter),
		savecoord.WithSuppressor(suppressor),
		savecoord.WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond}),
	)

	ok := coord.SafeSaveWithRetry(context.Background(), "/notes/a.md", "a", func(context.Context) error {
		return nil
	})

	assert.True(t, ok)
	assert.Equal(t, []savecoord.Status{savecoord.StatusInProgress, savecoord.StatusSuccess}, reporter.snapshot())
	assert.EqualValues(t, 1, suppressor.suspended)
	assert.EqualValues(t, 1, suppressor.resumed)
}

func TestSafeSaveWithRetry_RetriesThenSucceeds(t *testing.T) {
	reporter := &recordingReporter{}
	coord := savecoord.New(
		savecoord.WithReporter(reporter),
		savecoord.WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}),
	)

	var attempts int32

	ok := coord.SafeSaveWithRetry(context.Background(), "/notes/a.md", "a", func(context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("lock error")
		}

		return nil
	})

	require.True(t, ok)
	assert.Equal(t, []savecoord.Status{
		savecoord.StatusInProgress,
		savecoord.StatusFailureRetrying,
		savecoord.StatusFailureRetrying,
		savecoord.StatusSuccess,
	}, reporter.snapshot())
}

func TestSafeSaveWithRetry_FailsAfterExhaustingRetries(t *testing.T) {
	reporter := &recordingReporter{}
	coord := savecoord.New(
		savecoord.WithReporter(reporter),
		savecoord.WithRetryDelays([]time.Duration{time.Millisecond}),
	)

	ok := coord.SafeSaveWithRetry(context.Background(), "/notes/a.md", "a", func(context.Context) error {
		return errors.New("permanent failure")
	})

	assert.False(t, ok)

	statuses := reporter.snapshot()
	assert.Equal(t, savecoord.StatusFailureFinal, statuses[len(statuses)-1])

	stats := coord.GetStats()
	assert.EqualValues(t, 1, stats.Failed)
}

func TestSafeSaveWithRetry_ConcurrentCallsForSamePathCoalesce(t *testing.T) {
	coord := savecoord.New(savecoord.WithRetryDelays([]time.Duration{time.Millisecond}))

	started := make(chan struct{})
	release := make(chan struct{})

	var executedCount int32

	var wg sync.WaitGroup

	wg.Add(2)

	var results [2]bool

	go func() {
		defer wg.Done()

		results[0] = coord.SafeSaveWithRetry(context.Background(), "/notes/SAME.md", "a", func(context.Context) error {
			atomic.AddInt32(&executedCount, 1)
			close(started)
			<-release

			return nil
		})
	}()

	<-started

	go func() {
		defer wg.Done()

		results[1] = coord.SafeSaveWithRetry(context.Background(), "/notes/same.md", "b", func(context.Context) error {
			atomic.AddInt32(&executedCount, 1)

			return nil
		})
	}()

	// Give the second call a moment to observe the in-flight claim before
	// releasing the first - it should coalesce rather than block.
	time.Sleep(20 * time.Millisecond)
	close(release)

	wg.Wait()

	assert.True(t, results[0])
	assert.True(t, results[1])
	assert.EqualValues(t, 1, executedCount)
}

func TestSafeSaveWithMetadata_FailsAfterExhaustingRetries_DumpsDocumentContent(t *testing.T) {
	dump := &recordingDumpWriter{}
	coord := savecoord.New(
		savecoord.WithRetryDelays([]time.Duration{time.Millisecond}),
		savecoord.WithEmergencyDumpWriter(dump),
	)

	content := []byte("unsaved paragraph the user just typed")

	ok := coord.SafeSaveWithMetadata(context.Background(), "/notes/a.md", "a", content, func(context.Context) error {
		return errors.New("permanent failure")
	})

	assert.False(t, ok)
	assert.Equal(t, 1, dump.calls)
	assert.Equal(t, "a", dump.title)
	assert.Equal(t, content, dump.content)
}

func TestSafeSaveWithRetry_FailsAfterExhaustingRetries_DumpsNilContent(t *testing.T) {
	dump := &recordingDumpWriter{}
	coord := savecoord.New(
		savecoord.WithRetryDelays([]time.Duration{time.Millisecond}),
		savecoord.WithEmergencyDumpWriter(dump),
	)

	ok := coord.SafeSaveWithRetry(context.Background(), "/notes/a.md", "a", func(context.Context) error {
		return errors.New("permanent failure")
	})

	assert.False(t, ok)
	assert.Equal(t, 1, dump.calls)
	assert.Nil(t, dump.content)
}

func TestSafeBatchSave_DumpsFailedOpsContentOnTerminalFailure(t *testing.T) {
	dump := &recordingDumpWriter{}
	coord := savecoord.New(
		savecoord.WithRetryDelays([]time.Duration{time.Millisecond}),
		savecoord.WithEmergencyDumpWriter(dump),
	)

	content := []byte("batched unsaved content")

	ops := []savecoord.BatchOp{
		{Path: "/notes/2.md", Title: "2", Content: content, SaveAction: func(context.Context) error { return errors.New("fail") }},
	}

	result := coord.SafeBatchSave(context.Background(), ops)

	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, content, dump.content)
}

func TestSafeBatchSave_AggregatesSuccessAndFailure(t *testing.T) {
	coord := savecoord.New(savecoord.WithRetryDelays([]time.Duration{time.Millisecond}))

	ops := []savecoord.BatchOp{
		{Path: "/notes/1.md", Title: "1", SaveAction: func(context.Context) error { return nil }},
		{Path: "/notes/2.md", Title: "2", SaveAction: func(context.Context) error { return errors.New("fail") }},
		{Path: "/notes/3.md", Title: "3", SaveAction: func(context.Context) error { return nil }},
	}

	result := coord.SafeBatchSave(context.Background(), ops)

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, []string{"/notes/2.md"}, result.FailedItems)
}

func TestDispose_ReturnsPromptlyWhenNothingInFlight(t *testing.T) {
	coord := savecoord.New()

	err := coord.Dispose(context.Background())

	assert.NoError(t, err)
}
