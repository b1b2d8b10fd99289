package board

import (
	"sync"
	"time"

	"github.com/tytools-go/tyfleet/bus"
	"github.com/tytools-go/tyfleet/internal/config"
	"github.com/tytools-go/tyfleet/tyerr"
	"github.com/tytools-go/tyfleet/usbdev"
	"github.com/tytools-go/tyfleet/usbif"
)

// EventKind distinguishes the four board lifecycle notifications the
// manager fans out to callbacks.
type EventKind int

// Event kinds.
const (
	Added EventKind = iota
	Changed
	Disappeared
	Dropped
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Disappeared:
		return "disappeared"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Event is one board lifecycle notification delivered to callbacks.
type Event struct {
	Kind  EventKind
	Board *Board
}

// Callback observes board events. Returning a non-nil error
// self-deregisters the callback after this delivery; the sentinel
// ErrShortCircuit instead aborts delivery of the current event to any
// remaining callbacks without deregistering.
type Callback func(Event) error

// ErrShortCircuit, returned by a Callback, stops delivery of the
// current event to subsequent callbacks without removing the callback
// that returned it.
var ErrShortCircuit = tyerr.New(tyerr.Other, "board: callback short-circuited event delivery")

// DropDelay is the default grace period a board may stay Missing
// before being dropped. NewManager uses config.Conf.DropDelay instead
// when that is positive.
const DropDelay = 5000 * time.Millisecond

type callbackEntry struct {
	id int32
	fn Callback
}

// devKey identifies a physical USB device slot across the Added event
// that created an interface and the later Removed event that tears it
// down. gousb hands back a fresh *usbdev.Device on every open, so
// unlike a pointer-identity hash the manager keys on (bus, address)
// instead.
type devKey struct{ bus, address int }

func keyOf(d usbdev.Descriptor) devKey { return devKey{d.Bus, d.Address} }

type deviceEntry struct {
	iface *usbif.Interface
	board *Board
}

// deviceMonitor is the subset of *usbdev.Monitor the manager drives.
// Declared as an interface, rather than depending on the concrete type
// directly, so tests can exercise the refresh/wait_for control flow
// with a fake monitor instead of a real USB bus.
type deviceMonitor interface {
	Poll() ([]usbdev.Event, error)
	Open(usbdev.Descriptor) (*usbdev.Device, error)
}

// Manager runs the device-event state machine: it consumes
// Added/Removed device events, aggregates usbif.Interface values into
// Board values sharing a location, schedules missing-board drop
// timers, and fans out Event notifications to registered callbacks.
//
// Manager state is protected implicitly by single-threaded event
// delivery: callers must not call Refresh concurrently from two
// goroutines. The separate refresh mutex+condvar exist only to wake
// WaitFor's parallel waiters.
type Manager struct {
	monitor deviceMonitor

	mu         sync.Mutex
	boards     []*Board
	byLocation map[string]*Board
	byDevice   map[devKey]deviceEntry
	callbacks  []callbackEntry
	nextID     int32

	dropDelay    time.Duration
	enumerated   bool
	missingTimer *time.Timer
	missingList  []missingEntry

	refreshMu sync.Mutex
	refresh   sync.Cond

	wake chan struct{}
}

// NewManager creates a Manager polling devices through monitor.
func NewManager(monitor *usbdev.Monitor) *Manager {
	dropDelay := config.Conf.DropDelay
	if dropDelay <= 0 {
		dropDelay = DropDelay
	}
	m := &Manager{
		monitor:    monitor,
		byLocation: make(map[string]*Board),
		byDevice:   make(map[devKey]deviceEntry),
		dropDelay:  dropDelay,
		wake:       make(chan struct{}, 1),
	}
	m.refresh.L = &m.refreshMu

	go func() {
		for range monitor.Tick {
			m.signalWake()
		}
	}()

	return m
}

// Wakeups returns the manager's waitable descriptor set: a channel
// signaled whenever the device monitor observes a change or the drop
// timer for the earliest missing board expires. A poll loop selects on
// it and calls Refresh whenever it fires.
func (m *Manager) Wakeups() <-chan struct{} { return m.wake }

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// AddCallback registers fn, returning a monotonically increasing id
// usable with RemoveCallback.
func (m *Manager) AddCallback(fn Callback) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.callbacks = append(m.callbacks, callbackEntry{id: id, fn: fn})
	return id
}

// RemoveCallback deregisters the callback previously returned by
// AddCallback. Removing an unknown id is a no-op.
func (m *Manager) RemoveCallback(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCallbackLocked(id)
}

func (m *Manager) removeCallbackLocked(id int32) {
	for i, cb := range m.callbacks {
		if cb.id == id {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// triggerLocked invokes every registered callback with ev, in
// registration order, self-deregistering any callback whose return
// value is non-nil and not ErrShortCircuit, and stopping delivery
// entirely on ErrShortCircuit.
func (m *Manager) triggerLocked(ev Event) {
	callbacks := append([]callbackEntry(nil), m.callbacks...)
	for _, cb := range callbacks {
		err := cb.fn(ev)
		if err == nil {
			continue
		}
		if err == ErrShortCircuit {
			return
		}
		m.removeCallbackLocked(cb.id)
	}
}

// Boards returns every tracked board (online and missing), each with
// its reference count incremented.
func (m *Manager) Boards() []*Board {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Board, len(m.boards))
	for i, b := range m.boards {
		out[i] = b.Retain()
	}
	return out
}

// Find returns the first tracked board matching identity spec, or
// tyerr.NotFound if none matches.
func (m *Manager) Find(identity string) (*Board, error) {
	m.mu.Lock()
	boards := append([]*Board(nil), m.boards...)
	m.mu.Unlock()

	for _, b := range boards {
		ok, err := b.MatchesIdentity(identity)
		if err != nil {
			return nil, err
		}
		if ok {
			return b.Retain(), nil
		}
	}
	return nil, tyerr.New(tyerr.NotFound, "board: no board matches %q", identity)
}

// dropBoardLocked transitions b to Dropped, fires Dropped, and unlinks
// it from the manager's tracking structures.
func (m *Manager) dropBoardLocked(b *Board) {
	b.mu.Lock()
	b.state = Dropped
	loc := b.location
	b.mu.Unlock()

	for i, cand := range m.boards {
		if cand == b {
			m.boards = append(m.boards[:i], m.boards[i+1:]...)
			break
		}
	}
	if m.byLocation[loc] == b {
		delete(m.byLocation, loc)
	}

	m.triggerLocked(Event{Kind: Dropped, Board: b})
	b.Release()
}

// handleAdded opens the interface a newly added device exposes,
// soft-failing on not-found, before handing off to addInterface for
// the aggregation steps.
func (m *Manager) handleAdded(dev *usbdev.Device) {
	iface, err := usbif.OpenInterface(dev)
	if err != nil {
		if tyerr.Is(err, tyerr.NotFound) {
			return // not a managed device; silently ignore
		}
		bus.Log(bus.LevelError, "board: open_interface failed: %v", err)
		return
	}

	m.addInterface(dev.Descriptor(), iface)
}

// addInterface aggregates an already-opened interface into the board
// at its location, given the descriptor it was opened from. Split out
// from handleAdded so the aggregation logic is exercised directly by
// tests without a real USB device.
func (m *Manager) addInterface(desc usbdev.Descriptor, iface *usbif.Interface) {
	loc := desc.Location()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.byLocation[loc]

	if existing != nil && isReplacement(existing, iface) {
		m.dropBoardLocked(existing)
		existing = nil
	}

	kind := Changed

	if existing != nil {
		existing.mu.Lock()
		if existing.vid != desc.Vendor || existing.pid != desc.Product {
			// VID/PID change at the same location: close existing
			// interfaces first, keep the board and identity.
			for _, old := range existing.ifaces {
				old.Release()
			}
			existing.ifaces = nil
			existing.recomputeLocked()
			existing.vid, existing.pid = desc.Vendor, desc.Product
			existing.mu.Unlock()
			m.triggerLocked(Event{Kind: Disappeared, Board: existing})
			existing.mu.Lock()
		}

		if iface.HasModel {
			existing.model, existing.hasModel = iface.Model, true
		}
		if iface.Serial != 0 {
			existing.serial = iface.Serial
		}
		existing.mu.Unlock()
	} else {
		b := newBoard(loc)
		b.vid, b.pid = desc.Vendor, desc.Product
		if iface.HasModel {
			b.model, b.hasModel = iface.Model, true
		}
		b.serial = iface.Serial

		m.boards = append(m.boards, b)
		m.byLocation[loc] = b
		existing = b
		kind = Added
	}

	existing.mu.Lock()
	existing.ifaces = append(existing.ifaces, iface)
	existing.recomputeLocked()
	wasMissing := existing.state == Missing
	existing.state = Online
	existing.mu.Unlock()

	m.byDevice[keyOf(desc)] = deviceEntry{iface: iface, board: existing}

	if wasMissing {
		m.removeFromMissingLocked(existing)
	}

	m.triggerLocked(Event{Kind: kind, Board: existing})
}

// isReplacement reports whether iface carries a valid-and-different
// model or a nonzero-and-different serial compared to existing, the
// signal that a different physical board now sits at the same
// location.
func isReplacement(existing *Board, iface *usbif.Interface) bool {
	existing.mu.Lock()
	defer existing.mu.Unlock()

	if existing.hasModel && iface.HasModel && existing.model.Name != iface.Model.Name {
		return true
	}
	if existing.serial != 0 && iface.Serial != 0 && existing.serial != iface.Serial {
		return true
	}
	return false
}

// missingEntry tracks a board in the Missing state with its drop
// deadline, kept separate from m.boards ordering so the earliest
// deadline is always at index 0.
type missingEntry struct {
	board    *Board
	deadline time.Time
}

func (m *Manager) removeFromMissingLocked(b *Board) {
	for i, e := range m.missingList {
		if e.board == b {
			m.missingList = append(m.missingList[:i], m.missingList[i+1:]...)
			return
		}
	}
}

// handleRemoved tears down the interface a removed device owned.
// Unlike Added, Removed carries only the descriptor the device last
// enumerated under -- the device itself is already gone, so the
// owning interface is found by a hash lookup rather than by reopening
// anything.
func (m *Manager) handleRemoved(desc usbdev.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.byDevice[keyOf(desc)]
	if !ok {
		return // not ours
	}
	delete(m.byDevice, keyOf(desc))

	iface, owner := entry.iface, entry.board

	owner.mu.Lock()
	for i, candidate := range owner.ifaces {
		if candidate == iface {
			owner.ifaces = append(owner.ifaces[:i], owner.ifaces[i+1:]...)
			break
		}
	}
	owner.recomputeLocked()
	empty := len(owner.ifaces) == 0
	if empty {
		owner.state = Missing
		owner.missingSince = now()
	}
	owner.mu.Unlock()
	iface.Release()

	if empty {
		m.missingList = append(m.missingList, missingEntry{board: owner, deadline: owner.missingSince.Add(m.dropDelay)})
		m.rearmDropTimerLocked()
		m.triggerLocked(Event{Kind: Disappeared, Board: owner})
		return
	}

	m.triggerLocked(Event{Kind: Changed, Board: owner})
}

func (m *Manager) rearmDropTimerLocked() {
	if len(m.missingList) == 0 {
		if m.missingTimer != nil {
			m.missingTimer.Stop()
		}
		return
	}

	head := m.missingList[0].deadline
	for _, e := range m.missingList {
		if e.deadline.Before(head) {
			head = e.deadline
		}
	}

	delay := time.Until(head)
	if delay < 0 {
		delay = 0
	}
	if m.missingTimer != nil {
		m.missingTimer.Stop()
	}
	m.missingTimer = time.AfterFunc(delay, m.signalWake)
}

// Refresh drains the drop timer, performs the initial enumeration on
// first call, drains device-monitor events, and wakes any goroutines
// blocked in WaitFor's parallel path. It is non-blocking.
func (m *Manager) Refresh() error {
	var initial []usbdev.Event
	m.mu.Lock()
	if !m.enumerated {
		m.enumerated = true
		m.mu.Unlock()
		evs, err := m.monitor.Poll()
		if err != nil {
			return tyerr.Wrap(tyerr.IO, err, "board: initial enumeration")
		}
		initial = evs
	} else {
		m.mu.Unlock()
	}

	m.mu.Lock()
	deadline := time.Time{}
	if len(m.missingList) > 0 {
		deadline = m.missingList[0].deadline
		for _, e := range m.missingList {
			if e.deadline.Before(deadline) {
				deadline = e.deadline
			}
		}
	}
	m.mu.Unlock()

	if !deadline.IsZero() && !now().Before(deadline) {
		m.drainExpiredMissing()
	}

	events, err := m.monitor.Poll()
	if err != nil {
		return tyerr.Wrap(tyerr.IO, err, "board: poll")
	}
	for _, ev := range append(initial, events...) {
		switch ev.Kind {
		case usbdev.Added:
			dev, derr := m.monitor.Open(ev.Desc)
			if derr != nil {
				continue
			}
			m.handleAdded(dev)
		case usbdev.Removed:
			m.handleRemoved(ev.Desc)
		}
	}

	m.refreshMu.Lock()
	m.refresh.Broadcast()
	m.refreshMu.Unlock()

	return nil
}

func (m *Manager) drainExpiredMissing() {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := now()
	for len(m.missingList) > 0 {
		head := 0
		for i, e := range m.missingList {
			if e.deadline.Before(m.missingList[head].deadline) {
				head = i
			}
		}
		if m.missingList[head].deadline.After(t) {
			break
		}
		b := m.missingList[head].board
		m.missingList = append(m.missingList[:head], m.missingList[head+1:]...)
		m.dropBoardLocked(b)
	}
	m.rearmDropTimerLocked()
}

// WaitFor blocks until board exposes cap, board is dropped, or timeout
// elapses. When parallel is false, the caller drives its own refresh
// loop (the "main thread" path); when true, it instead waits on the
// shared refresh condvar, relying on another goroutine to be calling
// Refresh (the "worker thread" path).
func (m *Manager) WaitFor(b *Board, cap usbif.Capability, parallel bool, timeout time.Duration) error {
	deadline := now().Add(timeout)
	infinite := timeout < 0

	for {
		if b.State() == Dropped {
			return tyerr.New(tyerr.NotFound, "board: %s was dropped", b.Identity())
		}
		if b.HasCapability(cap) {
			return nil
		}
		if !infinite && !now().Before(deadline) {
			return tyerr.ErrTimeout
		}

		if parallel {
			m.refreshMu.Lock()
			m.refresh.Wait()
			m.refreshMu.Unlock()
			continue
		}

		remaining := time.Duration(0)
		if !infinite {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return tyerr.ErrTimeout
			}
			if remaining > 50*time.Millisecond {
				remaining = 50 * time.Millisecond
			}
		} else {
			remaining = 50 * time.Millisecond
		}

		if err := m.Refresh(); err != nil {
			return err
		}
		time.Sleep(remaining)
	}
}

var now = time.Now
