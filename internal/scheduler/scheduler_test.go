package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arlojensen/notecore/internal/scheduler"
	"github.com/stretchr/testify/assert"
)

func TestScheduler_RunsBothTimersOnTheirOwnCadence(t *testing.T) {
	var autoSaveTicks, walFlushTicks int32

	s := scheduler.New(
		func(context.Context) { atomic.AddInt32(&autoSaveTicks, 1) },
		func(context.Context) { atomic.AddInt32(&walFlushTicks, 1) },
		scheduler.WithAutoSaveInterval(20*time.Millisecond),
		scheduler.WithWalFlushInterval(15*time.Millisecond),
	)

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&autoSaveTicks), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&walFlushTicks), int32(2))
}

func TestScheduler_SkipsTickWhileAPreviousTickIsStillRunning(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32

	slowTick := func(context.Context) {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}

		time.Sleep(60 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
	}

	s := scheduler.New(slowTick, nil, scheduler.WithAutoSaveInterval(10*time.Millisecond))

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}

func TestScheduler_SaveAllAsyncInvokesAutoSaveImmediately(t *testing.T) {
	var called int32

	s := scheduler.New(func(context.Context) { atomic.AddInt32(&called, 1) }, nil)

	s.SaveAllAsync(context.Background())

	assert.EqualValues(t, 1, called)
}

func TestScheduler_StopIsIdempotentWhenNeverStarted(t *testing.T) {
	s := scheduler.New(nil, nil)

	assert.NotPanics(t, func() { s.Stop() })
}
