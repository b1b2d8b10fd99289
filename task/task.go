// Package task implements a refcounted Task/Pool runtime: an elastic
// worker pool with idle-timeout shrinkage, a synchronous in-caller
// fast path for single-shot tasks, and status-change notification
// through the bus package.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tytools-go/tyfleet/bus"
	"github.com/tytools-go/tyfleet/tyerr"
)

// Status is a task's monotonic lifecycle state.
type Status int32

// Task statuses, strictly increasing as the task progresses.
const (
	Ready Status = iota
	Pending
	Running
	Finished
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// RunFunc is a task's body. Its return value becomes Task.Ret().
type RunFunc func() (int, error)

// Task is a refcounted unit of work dispatched onto a Pool, or run
// synchronously in the caller's goroutine via the fast path of Wait.
type Task struct {
	Name string

	run      RunFunc
	finalize func()

	mu     sync.Mutex
	cond   *sync.Cond
	status Status
	ret    int
	err    error

	refs int32
	pool *Pool

	queued bool // true while linked into pool.pending
}

// New creates a task in status Ready with refcount 1.
func New(name string, run RunFunc) *Task {
	t := &Task{Name: name, run: run, status: Ready, refs: 1}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// OnFinalize attaches a callback run exactly once, whichever path the
// task takes (synchronous fast path or pool worker), after Run returns
// and before the Finished status is published.
func (t *Task) OnFinalize(fn func()) *Task {
	t.mu.Lock()
	t.finalize = fn
	t.mu.Unlock()
	return t
}

// Retain increments the task's reference count.
func (t *Task) Retain() *Task {
	atomic.AddInt32(&t.refs, 1)
	return t
}

// Release decrements the task's reference count; it carries no
// destructor of its own; the caller owns t.run's closures.
func (t *Task) Release() {
	atomic.AddInt32(&t.refs, -1)
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Ret returns the run function's return code. Valid once Finished.
func (t *Task) Ret() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ret
}

// Err returns the run function's error, if any. Valid once Finished.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setStatusLocked(s Status) {
	t.status = s
	t.cond.Broadcast()
	bus.TaskStatus(t.Name, s.String())
}

// Start moves the task from Ready to Pending and enqueues it onto
// pool, spawning a worker if the pool has spare capacity. Starting a
// task that is not Ready is a no-op.
func (t *Task) Start(pool *Pool) {
	t.mu.Lock()
	if t.status != Ready {
		t.mu.Unlock()
		return
	}
	t.status = Pending
	t.pool = pool
	t.queued = true
	t.mu.Unlock()

	bus.TaskStatus(t.Name, Pending.String())
	pool.dispatch(t)
}

// run_ executes the task body on the calling goroutine: sets the
// thread-local current task, transitions Running -> Finished, invokes
// finalize exactly once, and restores the previous current task.
func (t *Task) run_() {
	prev := swapCurrentTask(t)
	defer swapCurrentTask(prev)

	t.mu.Lock()
	t.setStatusLocked(Running)
	fn := t.run
	t.mu.Unlock()

	ret, err := 0, error(nil)
	if fn != nil {
		ret, err = fn()
	}

	t.mu.Lock()
	t.ret, t.err = ret, err
	finalize := t.finalize
	t.finalize = nil
	t.mu.Unlock()

	if finalize != nil {
		finalize()
	}

	t.mu.Lock()
	t.setStatusLocked(Finished)
	t.mu.Unlock()
}

// Infinite is the timeout value that blocks Wait until target is
// reached, with no deadline; a negative timeout means wait forever.
const Infinite time.Duration = -1

// Wait blocks until the task reaches target status, timeout elapses,
// or (negative timeout, such as Infinite) forever. A timeout of zero
// polls once without blocking.
//
// Wait(Finished, Infinite) is the synchronous fast path: if the task
// is still Pending, Wait attempts to pull it back out of the pool's
// queue and, if it succeeds, runs it inline on the calling goroutine
// instead of waiting for a worker, via a two-step race-safe removal.
// A task that was never started (Ready) is run inline as well.
func (t *Task) Wait(target Status, timeout time.Duration) bool {
	if target == Finished && timeout < 0 {
		return t.fastPathWait()
	}

	t.mu.Lock()
	if t.status == Ready && t.pool != nil {
		t.mu.Unlock()
		t.Start(t.pool)
		t.mu.Lock()
	}

	if timeout < 0 {
		for t.status < target {
			t.cond.Wait()
		}
		reached := t.status >= target
		t.mu.Unlock()
		return reached
	}

	if t.status >= target || timeout <= 0 {
		reached := t.status >= target
		t.mu.Unlock()
		return reached
	}
	t.mu.Unlock()

	// A single deadline timer nudges the waiting goroutine awake with
	// a Broadcast if target is never reached in time; cond.Wait itself
	// has no deadline variant.
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	t.mu.Lock()
	for t.status < target && time.Now().Before(deadline) {
		t.cond.Wait()
	}
	reached := t.status >= target
	t.mu.Unlock()
	return reached
}

// fastPathWait implements Wait(Finished, Infinite)'s synchronous fast
// path.
func (t *Task) fastPathWait() bool {
	t.mu.Lock()
	status := t.status
	pool := t.pool
	t.mu.Unlock()

	if status == Pending && pool != nil {
		// Two-step race-safe removal: try to pull the task back out of
		// the queue; a concurrent
		// worker may have already dequeued it, so recheck status
		// after the attempt before deciding to run inline.
		removed := pool.tryRemoveQueued(t)

		t.mu.Lock()
		if removed && t.status == Pending {
			t.status = Ready
			t.queued = false
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	stillReady := t.status == Ready
	t.mu.Unlock()

	if stillReady {
		t.run_()
	}

	t.mu.Lock()
	for t.status != Finished {
		t.cond.Wait()
	}
	t.mu.Unlock()
	return true
}

// Join waits for Finished unconditionally and returns the run
// function's return code.
func (t *Task) Join() int {
	t.Wait(Finished, Infinite)
	return t.Ret()
}

// Dropped reports tyerr.ErrDropped, the sentinel a task's Err()
// carries when its pool shut down before the task could run: either it
// was still queued at Shutdown or it was started on a pool already
// shut down.
var Dropped = tyerr.ErrDropped
