package task

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// currentByID tracks, per goroutine id, the task bound to the
// goroutine presently running its work function, if any. Go has no
// goroutine-local storage, so this is kept as a map
// keyed by goroutine id, guarded by its own mutex -- a narrower,
// read-mostly cousin of the board package's rmutex owner tracking.
var (
	currentMu   sync.Mutex
	currentByID = make(map[int64]*Task)
)

// swapCurrentTask binds t as the current task for the calling
// goroutine and returns whatever was bound before it, so callers can
// restore it on return (supports a task's run function itself waiting
// on and running a nested task).
func swapCurrentTask(t *Task) *Task {
	id := goroutineID()
	currentMu.Lock()
	defer currentMu.Unlock()
	prev := currentByID[id]
	if t == nil {
		delete(currentByID, id)
	} else {
		currentByID[id] = t
	}
	return prev
}

// Current returns the task running on the calling goroutine, or nil
// if none, letting a task body inspect its own Task.
func Current() *Task {
	id := goroutineID()
	currentMu.Lock()
	defer currentMu.Unlock()
	return currentByID[id]
}

// goroutineID extracts the calling goroutine's id by parsing its own
// stack trace header, the same idiom board.rmutex uses for ownership
// tracking -- kept as a private duplicate here since Go has no shared
// package-private helpers across packages.
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
