// Package board implements the logical view of one physical USB
// board assembled from one or more usbif.Interface values sharing a
// location, and the device-hotplug state machine that builds and
// maintains it.
package board

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tytools-go/tyfleet/model"
	"github.com/tytools-go/tyfleet/tyerr"
	"github.com/tytools-go/tyfleet/usbif"
)

// State is a board's lifecycle state.
type State int

// Board states. Online has at least one interface; Missing has none
// but is still tracked for the drop-delay grace period; Dropped is
// terminal.
const (
	Online State = iota
	Missing
	Dropped
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Missing:
		return "missing"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Board aggregates the interfaces of one physical USB device sharing
// a location.
type Board struct {
	mu   *rmutex
	refs int32

	location string
	serial   uint64
	vid, pid uint16
	model    model.Model
	hasModel bool

	state State
	ifaces []*usbif.Interface
	cap2iface [usbif.NumCapabilities]*usbif.Interface
	capabilities uint32 // usbif.Capability, read via atomic outside the lock

	missingSince time.Time

	// UserData is an opaque slot for callers; tyfleet does not read or
	// write it.
	UserData interface{}
}

func newBoard(location string) *Board {
	return &Board{mu: newRMutex(), refs: 1, location: location, state: Online}
}

// Retain increments the board's reference count.
func (b *Board) Retain() *Board {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release decrements the board's reference count. Boards are owned by
// the manager's board list until dropped; Release is for callers
// holding an independent reference across manager operations.
func (b *Board) Release() {
	atomic.AddInt32(&b.refs, -1)
}

// Identity renders "<location>#<serial>", omitting the "#<serial>"
// suffix when serial is zero.
func (b *Board) Identity() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identityLocked()
}

func (b *Board) identityLocked() string {
	if b.serial == 0 {
		return b.location
	}
	return b.location + "#" + strconv.FormatUint(b.serial, 10)
}

// Location returns the board's USB topological path.
func (b *Board) Location() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.location
}

// State returns the board's current lifecycle state.
func (b *Board) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Model returns the board's currently detected model, if any.
func (b *Board) Model() (model.Model, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model, b.hasModel
}

// Serial returns the board's USB serial number (0 if unreadable).
func (b *Board) Serial() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serial
}

// HasCapability is a lock-free read of the capability bitset:
// capabilities is maintained as an atomic word precisely so callers
// can poll it without taking the board lock.
func (b *Board) HasCapability(cap usbif.Capability) bool {
	caps := usbif.Capability(atomic.LoadUint32(&b.capabilities))
	return caps&cap == cap
}

// Capabilities returns the full capability bitset.
func (b *Board) Capabilities() usbif.Capability {
	return usbif.Capability(atomic.LoadUint32(&b.capabilities))
}

// GetInterface returns the interface currently routed for cap, with
// its reference count incremented; the caller must Release it.
func (b *Board) GetInterface(cap usbif.Capability) (*usbif.Interface, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bit := cap.Bit()
	if bit < 0 {
		return nil, false
	}
	iface := b.cap2iface[bit]
	if iface == nil {
		return nil, false
	}
	return iface.Retain(), true
}

// ListInterfaces iterates the board's interfaces under the lock,
// stopping and propagating the first non-nil error a visitor returns.
func (b *Board) ListInterfaces(visit func(*usbif.Interface) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, iface := range b.ifaces {
		if err := visit(iface); err != nil {
			return err
		}
	}
	return nil
}

// MatchesIdentity parses spec as "[location][#serial]" (either side
// may be empty) and reports whether this board matches it. An empty
// spec matches any board. A malformed serial is a parameter error.
func (b *Board) MatchesIdentity(spec string) (bool, error) {
	location, serial, ok := splitIdentity(spec)
	if !ok {
		return false, tyerr.New(tyerr.Param, "board: malformed identity %q", spec)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if location != "" && location != b.location {
		return false, nil
	}
	if serial != 0 && serial != b.serial {
		return false, nil
	}
	return true, nil
}

// splitIdentity parses "[location][#serial]". ok is false only when a
// present serial suffix fails to parse as a decimal uint64.
func splitIdentity(spec string) (location string, serial uint64, ok bool) {
	if spec == "" {
		return "", 0, true
	}

	hash := strings.IndexByte(spec, '#')
	if hash < 0 {
		return spec, 0, true
	}

	location = spec[:hash]
	serialStr := spec[hash+1:]
	if serialStr == "" {
		return location, 0, true
	}

	n, err := strconv.ParseUint(serialStr, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return location, n, true
}

// recomputeLocked rebuilds cap2iface and capabilities from the current
// interface list. Must be called with the lock held.
func (b *Board) recomputeLocked() {
	var caps usbif.Capability
	b.cap2iface = [usbif.NumCapabilities]*usbif.Interface{}

	for _, iface := range b.ifaces {
		caps |= iface.Capability
		for _, bit := range []usbif.Capability{usbif.CapUpload, usbif.CapReset, usbif.CapReboot, usbif.CapSerial} {
			if iface.Capability&bit == bit {
				b.cap2iface[bit.Bit()] = iface
			}
		}
	}

	atomic.StoreUint32(&b.capabilities, uint32(caps))
}

// withCapability resolves cap, failing with a mode error if absent,
// runs fn against the resolved interface, and releases the reference
// regardless of fn's outcome -- the shared body of every capability
// façade.
func (b *Board) withCapability(cap usbif.Capability, fn func(*usbif.Interface) error) error {
	iface, ok := b.GetInterface(cap)
	if !ok {
		return tyerr.Wrap(tyerr.Mode, tyerr.ErrNoCapacity, "board: "+cap.String())
	}
	defer iface.Release()

	return fn(iface)
}

// Upload delegates to the routed upload interface's vtable.
func (b *Board) Upload(image []byte, progress func(sent, total int)) error {
	return b.withCapability(usbif.CapUpload, func(iface *usbif.Interface) error {
		return iface.Vtable.Upload(image, progress)
	})
}

// Reset delegates to the routed reset interface's vtable.
func (b *Board) Reset() error {
	return b.withCapability(usbif.CapReset, func(iface *usbif.Interface) error {
		return iface.Vtable.Reset()
	})
}

// Reboot delegates to the routed reboot interface's vtable.
func (b *Board) Reboot() error {
	return b.withCapability(usbif.CapReboot, func(iface *usbif.Interface) error {
		return iface.Vtable.Reboot()
	})
}

// SerialRead delegates to the routed serial interface's vtable. The
// board lock is not held across the call, since reads can run long
// and GetInterface already returned an independently refcounted
// handle.
func (b *Board) SerialRead(buf []byte) (int, error) {
	var n int
	err := b.withCapability(usbif.CapSerial, func(iface *usbif.Interface) error {
		var err error
		n, err = iface.Vtable.SerialRead(buf)
		return err
	})
	return n, err
}

// SerialWrite delegates to the routed serial interface's vtable.
func (b *Board) SerialWrite(buf []byte) (int, error) {
	var n int
	err := b.withCapability(usbif.CapSerial, func(iface *usbif.Interface) error {
		var err error
		n, err = iface.Vtable.SerialWrite(buf)
		return err
	})
	return n, err
}

// SerialSetAttributes delegates to the routed serial interface's vtable.
func (b *Board) SerialSetAttributes(baud int) error {
	return b.withCapability(usbif.CapSerial, func(iface *usbif.Interface) error {
		return iface.Vtable.SerialSetAttributes(baud)
	})
}
