package board

import (
	"github.com/tytools-go/tyfleet/model"
	"github.com/tytools-go/tyfleet/usbif"
)

// NewTestBoard constructs a Board outside the manager's device-event
// state machine, for packages above board (upload, cmd/tyfleet) that
// need a board fixture without a real USB bus. This lives in a regular
// file rather than export_test.go: _test.go files are only linked
// into a package's own test binary, not into the test binaries of
// packages that import it, so a downstream package's tests need a
// real exported constructor to build fixtures at all.
func NewTestBoard(location string) *Board {
	return newBoard(location)
}

// SetInterfacesForTest replaces a test board's interface list and
// recomputes its capability bitset and routing table.
func (b *Board) SetInterfacesForTest(ifaces ...*usbif.Interface) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ifaces = ifaces
	b.recomputeLocked()
}

// SetModelForTest stamps a test board's detected model.
func (b *Board) SetModelForTest(m model.Model) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model = m
	b.hasModel = true
}

// SetSerialForTest stamps a test board's USB serial number, used by
// identity-matching fixtures.
func (b *Board) SetSerialForTest(serial uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serial = serial
}
