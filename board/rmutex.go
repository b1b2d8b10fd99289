package board

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// rmutex is a recursive mutex: the goroutine already holding it may
// lock it again without deadlocking. Board uses it as its lock so that
// code already holding the board lock may call the board's own locking
// accessors. The capability façades (Upload, Reset, ...) do not hold it
// while calling into a usbif.Vtable: GetInterface takes it only long
// enough to retain the routed interface. Go's sync.Mutex
// has no such mode, so ownership is tracked by
// goroutine id, the same trick used by the handful of Go codebases
// that need a genuinely reentrant lock rather than restructuring
// around ownership passing.
type rmutex struct {
	mu    sync.Mutex
	free  sync.Cond
	owner int64
	depth int
}

func newRMutex() *rmutex {
	m := &rmutex{}
	m.free.L = &m.mu
	return m
}

func (m *rmutex) Lock() {
	id := goroutineID()

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.owner != 0 && m.owner != id {
		m.free.Wait()
	}
	m.owner = id
	m.depth++
}

func (m *rmutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner != goroutineID() {
		panic("board: rmutex unlock by non-owner")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.free.Signal()
	}
}

// goroutineID extracts the calling goroutine's id by parsing its own
// stack trace header ("goroutine 123 [running]:"). It is used only to
// detect reentrant Lock calls from the same goroutine; it is never
// exposed outside this file and never compared across goroutines for
// any purpose beyond that.
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}
	buf = buf[len(prefix):]

	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return 0
	}

	id, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
