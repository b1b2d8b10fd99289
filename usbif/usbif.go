// Package usbif turns one opened usbdev.Device into an Interface
// exposing a capability bitset and a Vtable of operations, by walking a
// registered chain of vendor drivers and picking whichever one claims
// the interface's class/subclass/protocol triple -- here, a
// Teensy-family role (bootloader vs. application) rather than a single
// fixed protocol.
package usbif

import (
	"sync/atomic"

	"github.com/tytools-go/tyfleet/model"
	"github.com/tytools-go/tyfleet/tyerr"
	"github.com/tytools-go/tyfleet/usbdev"
)

// Capability is a bitset of the operations a board's current USB
// interface(s) make reachable.
type Capability uint8

// Capability bits, indexed 0..3 to match the cap2iface[4] routing
// array.
const (
	CapUpload Capability = 1 << iota
	CapReset
	CapReboot
	CapSerial

	NumCapabilities = 4
)

// Bit returns the cap2iface index for a single-bit Capability, or -1
// if c is not exactly one bit.
func (c Capability) Bit() int {
	switch c {
	case CapUpload:
		return 0
	case CapReset:
		return 1
	case CapReboot:
		return 2
	case CapSerial:
		return 3
	default:
		return -1
	}
}

// String renders a human-readable capability list, e.g. "upload,serial".
func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{CapUpload, "upload"},
		{CapReset, "reset"},
		{CapReboot, "reboot"},
		{CapSerial, "serial"},
	}

	s := ""
	for _, n := range names {
		if c&n.bit != 0 {
			if s != "" {
				s += ","
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Vtable is the set of capability operations an Interface forwards to
// its concrete transport. Every method tolerates being called while
// the owning board's lock is held; operations not supported by a
// given interface's role are simply absent from its exposed
// Capability bitset, so callers never invoke them.
type Vtable interface {
	Upload(image []byte, progress func(sent, total int)) error
	Reset() error
	Reboot() error
	SerialRead(buf []byte) (int, error)
	SerialWrite(buf []byte) (int, error)
	SerialSetAttributes(baud int) error
}

// Interface represents one opened USB interface of one board. It is
// reference-counted: Release must be called once per Retain, including
// the Retain that board.Board.GetInterface performs.
type Interface struct {
	refs int32

	Device     *usbdev.Device
	Model      model.Model
	HasModel   bool
	Serial     uint64
	Capability Capability
	Vtable     Vtable
}

// Retain increments the interface's reference count.
func (i *Interface) Retain() *Interface {
	atomic.AddInt32(&i.refs, 1)
	return i
}

// Release decrements the reference count, closing the underlying
// device handle when it reaches zero.
func (i *Interface) Release() {
	if atomic.AddInt32(&i.refs, -1) == 0 {
		if i.Device != nil {
			i.Device.Close()
		}
	}
}

// HasCapability reports whether cap is a subset of the interface's
// exposed capabilities.
func (i *Interface) HasCapability(cap Capability) bool {
	return i.Capability&cap == cap
}

// Driver probes one opened device and, if it recognizes it, populates
// an Interface. Walking a driver chain: each driver may report
// success, a soft not-found ("try the next driver"), or a hard error.
type Driver interface {
	// Name identifies the driver for logging.
	Name() string
	// Probe attempts to claim dev as this driver's kind of
	// interface. ok=false, err=nil means "not mine, try the next
	// driver". err!=nil is a hard failure that aborts the chain.
	Probe(dev *usbdev.Device) (iface *Interface, ok bool, err error)
}

// errNotSupported reports that capability cap has no implementation on
// driver's vtable, used by the zero-capability methods of a driver's
// Vtable so calling them is always safe even if a caller bypasses the
// board package's capability check.
func errNotSupported(cap, driver string) error {
	return tyerr.New(tyerr.Mode, "usbif: %s: %s not supported", driver, cap)
}

var drivers []Driver

// Register adds d to the end of the driver chain. Call from an init()
// func in the package defining the driver, so the chain is built up
// once at package load time.
func Register(d Driver) {
	drivers = append(drivers, d)
}

// OpenInterface walks the registered driver chain in registration
// order. A "not-found" answer from every driver means dev is not a
// board tyfleet manages, and is reported as tyerr.NotFound so the
// board manager can silently ignore it.
func OpenInterface(dev *usbdev.Device) (*Interface, error) {
	for _, d := range drivers {
		iface, ok, err := d.Probe(dev)
		if err != nil {
			return nil, tyerr.Wrap(tyerr.IO, err, "usbif: "+d.Name()+": probe failed")
		}
		if ok {
			iface.refs = 1
			return iface, nil
		}
	}
	return nil, tyerr.New(tyerr.NotFound, "usbif: no driver recognizes this device")
}
