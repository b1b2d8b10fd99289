package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunSynchronouslyWithoutPool(t *testing.T) {
	tsk := New("sync", func() (int, error) { return 7, nil })
	ret := tsk.Join()
	assert.Equal(t, 7, ret)
	assert.Equal(t, Finished, tsk.Status())
}

func TestTaskFinalizeRunsOnce(t *testing.T) {
	calls := 0
	tsk := New("final", func() (int, error) { return 0, nil }).OnFinalize(func() { calls++ })
	tsk.Join()
	tsk.Join()
	assert.Equal(t, 1, calls)
}

func TestTaskErrPropagates(t *testing.T) {
	boom := errors.New("boom")
	tsk := New("err", func() (int, error) { return -1, boom })
	tsk.Join()
	assert.Equal(t, boom, tsk.Err())
	assert.Equal(t, -1, tsk.Ret())
}

func TestTaskCurrentDuringRun(t *testing.T) {
	var seen *Task
	tsk := New("self", func() (int, error) {
		seen = Current()
		return 0, nil
	})
	tsk.Join()
	assert.Same(t, tsk, seen)
	assert.Nil(t, Current())
}

func TestTaskFastPathRunsInlineWhenStillQueued(t *testing.T) {
	pool := NewPool(0, time.Hour) // never actually spawns in this test
	var ranOnGoroutine bool
	tsk := New("inline", func() (int, error) {
		ranOnGoroutine = true
		return 1, nil
	})

	// Manually enqueue without spawning a worker, simulating a pool at
	// capacity, to exercise the fast path's reclaim-and-run-inline step.
	pool.mu.Lock()
	pool.pending = append(pool.pending, tsk)
	pool.workers = pool.MaxThreads
	pool.mu.Unlock()
	tsk.mu.Lock()
	tsk.status = Pending
	tsk.pool = pool
	tsk.queued = true
	tsk.mu.Unlock()

	ret := tsk.Join()
	assert.True(t, ranOnGoroutine)
	assert.Equal(t, 1, ret)
	assert.Equal(t, Finished, tsk.Status())
}

func TestTaskWaitWithTimeoutReturnsFalse(t *testing.T) {
	tsk := New("slow", nil)
	tsk.mu.Lock()
	tsk.status = Pending
	tsk.mu.Unlock()

	reached := tsk.Wait(Finished, 20*time.Millisecond)
	assert.False(t, reached)
	assert.Equal(t, Pending, tsk.Status())
}

func TestTaskWaitSucceedsWhenAlreadyPastTarget(t *testing.T) {
	tsk := New("done", func() (int, error) { return 0, nil })
	tsk.Join()
	assert.True(t, tsk.Wait(Running, 10*time.Millisecond))
}

func TestTaskWaitWakesUpOnStatusChange(t *testing.T) {
	tsk := New("later", func() (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 0, nil
	})
	pool := NewPool(1, time.Hour)
	tsk.Start(pool)
	defer pool.Shutdown()

	reached := tsk.Wait(Finished, 500*time.Millisecond)
	assert.True(t, reached)
}

func TestTaskRetainRelease(t *testing.T) {
	tsk := New("refs", func() (int, error) { return 0, nil })
	tsk.Retain()
	assert.EqualValues(t, 2, tsk.refs)
	tsk.Release()
	tsk.Release()
	assert.EqualValues(t, 0, tsk.refs)
}

func TestTaskDroppedSentinel(t *testing.T) {
	require.ErrorIs(t, Dropped, Dropped)
}
