package task

import (
	"sync"
	"time"
)

// Default pool tuning, overridden by internal/config.
const (
	DefaultMaxThreads    = 16
	DefaultUnusedTimeout = 10 * time.Second
)

// Pool is an elastic collection of worker goroutines that run queued
// tasks. Workers are spawned on demand up to MaxThreads and exit after
// sitting idle past UnusedTimeout, or immediately on noticing the pool
// has shrunk out from under them. MaxThreads may be read directly, but changing it must go through
// SetMaxThreads: a bare field write would race with workerLoop and
// would not wake the idle workers that need to notice the new ceiling.
type Pool struct {
	MaxThreads    int
	UnusedTimeout time.Duration

	mu       sync.Mutex
	pending  []*Task
	workers  int
	idle     int
	wg       sync.WaitGroup
	shutdown bool
	wake     chan struct{} // closed and replaced to broadcast a wakeup to every idle worker
}

// NewPool creates a pool with the given tuning. A maxThreads <= 0
// falls back to DefaultMaxThreads; an unusedTimeout <= 0 falls back to
// DefaultUnusedTimeout.
func NewPool(maxThreads int, unusedTimeout time.Duration) *Pool {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	if unusedTimeout <= 0 {
		unusedTimeout = DefaultUnusedTimeout
	}
	return &Pool{
		MaxThreads:    maxThreads,
		UnusedTimeout: unusedTimeout,
		wake:          make(chan struct{}),
	}
}

// SetMaxThreads changes the worker ceiling and wakes every idle worker
// so it can re-check the new value immediately, rather than waiting out
// its own UnusedTimeout. A n <= 0 falls back to DefaultMaxThreads.
func (p *Pool) SetMaxThreads(n int) {
	if n <= 0 {
		n = DefaultMaxThreads
	}
	p.mu.Lock()
	p.MaxThreads = n
	p.broadcastLocked()
	p.mu.Unlock()
}

// dispatch enqueues t and spawns a worker if there is spare capacity
// and no worker is currently idle waiting for work.
func (p *Pool) dispatch(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		t.mu.Lock()
		t.ret, t.err = -1, Dropped
		t.queued = false
		t.setStatusLocked(Finished)
		t.mu.Unlock()
		return
	}

	p.pending = append(p.pending, t)
	if p.idle > 0 {
		p.broadcastLocked()
		return
	}
	if p.workers < p.MaxThreads {
		p.workers++
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// broadcastLocked wakes every worker currently parked in workerLoop's
// select, by closing the current wake channel and installing a fresh
// one for subsequent waits. Callers hold p.mu.
func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// tryRemoveQueued removes t from the pending queue if it is still
// there, reporting whether it found and removed it. Called from the
// synchronous fast path of Task.Wait before running a still-Pending
// task inline; this is the first of two steps in a race-safe removal.
func (p *Pool) tryRemoveQueued(t *Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.pending {
		if q == t {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// workerLoop pulls tasks off the queue and runs them until either
// UnusedTimeout elapses with nothing to do, or the worker notices the
// pool has more workers than MaxThreads allows. The shrink check runs
// at the top of every iteration, ahead of picking up queued work, so a
// lowered ceiling is honored as soon as an idle worker wakes instead of
// trickling out one UnusedTimeout at a time.
func (p *Pool) workerLoop() {
	defer p.wg.Done()
	timer := time.NewTimer(p.UnusedTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.workers > p.MaxThreads {
			p.workers--
			p.mu.Unlock()
			return
		}

		if len(p.pending) == 0 {
			p.idle++
			shutdown := p.shutdown
			wake := p.wake
			p.mu.Unlock()

			if shutdown {
				p.mu.Lock()
				p.idle--
				p.workers--
				p.mu.Unlock()
				return
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.UnusedTimeout)

			select {
			case <-wake:
				p.mu.Lock()
				p.idle--
				p.mu.Unlock()
				continue
			case <-timer.C:
				p.mu.Lock()
				p.idle--
				p.workers--
				p.mu.Unlock()
				return
			}
		}

		t := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		t.mu.Lock()
		t.queued = false
		ready := t.status == Pending
		t.mu.Unlock()

		if ready {
			t.run_()
		}
	}
}

// Shutdown marks the pool closed: further Start calls finish their
// tasks immediately with Dropped, and waits for running workers to
// drain their current task before returning.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	pending := p.pending
	p.pending = nil
	wake := p.wake
	p.mu.Unlock()

	for _, t := range pending {
		t.mu.Lock()
		t.ret, t.err = -1, Dropped
		t.queued = false
		t.setStatusLocked(Finished)
		t.mu.Unlock()
	}

	close(wake)
	p.wg.Wait()
}

// Active reports the number of live worker goroutines, for tests and
// diagnostics.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}
