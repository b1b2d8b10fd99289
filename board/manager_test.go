package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytools-go/tyfleet/model"
	"github.com/tytools-go/tyfleet/tyerr"
	"github.com/tytools-go/tyfleet/usbdev"
	"github.com/tytools-go/tyfleet/usbif"
)

func descAt(bus, addr int) usbdev.Descriptor {
	return usbdev.Descriptor{Bus: bus, Address: addr, Path: []int{addr}, Vendor: 0x16c0, Product: 0x0478}
}

func newTestManager() *Manager {
	return &Manager{
		byLocation: make(map[string]*Board),
		byDevice:   make(map[devKey]deviceEntry),
		dropDelay:  DropDelay,
		wake:       make(chan struct{}, 1),
	}
}

func recordEvents(m *Manager) *[]Event {
	events := &[]Event{}
	m.AddCallback(func(ev Event) error {
		*events = append(*events, ev)
		return nil
	})
	return events
}

func TestAddInterfaceCreatesBoard(t *testing.T) {
	m := newTestManager()
	events := recordEvents(m)

	desc := descAt(1, 2)
	m.addInterface(desc, &usbif.Interface{Capability: usbif.CapSerial, Vtable: &fakeVtable{}})

	require.Len(t, *events, 1)
	assert.Equal(t, Added, (*events)[0].Kind)
	assert.Equal(t, "1-2", (*events)[0].Board.Identity())
	assert.True(t, (*events)[0].Board.HasCapability(usbif.CapSerial))
}

func TestAddInterfaceSameLocationIsChanged(t *testing.T) {
	m := newTestManager()
	desc := descAt(1, 2)
	m.addInterface(desc, &usbif.Interface{Capability: usbif.CapSerial, Vtable: &fakeVtable{}})

	events := recordEvents(m)
	m.addInterface(desc, &usbif.Interface{Capability: usbif.CapReset, Vtable: &fakeVtable{}})

	require.Len(t, *events, 1)
	assert.Equal(t, Changed, (*events)[0].Kind)
	assert.True(t, (*events)[0].Board.HasCapability(usbif.CapSerial))
	assert.True(t, (*events)[0].Board.HasCapability(usbif.CapReset))
}

func TestAddInterfaceModelMismatchReplacesBoard(t *testing.T) {
	m := newTestManager()
	// Same location (topological path), different OS-assigned address --
	// the way a board's address changes across a bootloader transition
	// while its hub-port location stays fixed.
	loc := usbdev.Descriptor{Bus: 1, Path: []int{2}}
	first := loc
	first.Address = 5
	second := loc
	second.Address = 6

	m.addInterface(first, &usbif.Interface{
		Capability: usbif.CapSerial,
		Model:      model.Model{Name: "teensy_31"},
		HasModel:   true,
		Vtable:     &fakeVtable{},
	})
	original := m.byLocation["1-2"]
	require.NotNil(t, original)

	events := recordEvents(m)
	m.addInterface(second, &usbif.Interface{
		Capability: usbif.CapUpload,
		Model:      model.Model{Name: "teensy_40"},
		HasModel:   true,
		Vtable:     &fakeVtable{},
	})

	require.Len(t, *events, 2)
	assert.Equal(t, Dropped, (*events)[0].Kind)
	assert.Equal(t, original, (*events)[0].Board)
	assert.Equal(t, Added, (*events)[1].Kind)
	assert.NotEqual(t, original, (*events)[1].Board)
	assert.Equal(t, Dropped, original.State())
}

func TestRemoveInterfaceMarksBoardMissing(t *testing.T) {
	m := newTestManager()
	desc := descAt(1, 2)
	m.addInterface(desc, &usbif.Interface{Capability: usbif.CapSerial, Vtable: &fakeVtable{}})

	events := recordEvents(m)
	m.handleRemoved(desc)

	require.Len(t, *events, 1)
	assert.Equal(t, Disappeared, (*events)[0].Kind)
	assert.Equal(t, Missing, (*events)[0].Board.State())
}

func TestRemoveInterfaceUnknownDeviceIsNoop(t *testing.T) {
	m := newTestManager()
	events := recordEvents(m)
	m.handleRemoved(descAt(9, 9))
	assert.Empty(t, *events)
}

func TestCallbackSelfDeregisters(t *testing.T) {
	m := newTestManager()
	calls := 0
	m.AddCallback(func(ev Event) error {
		calls++
		return assert.AnError // remove after first delivery
	})

	m.addInterface(descAt(1, 2), &usbif.Interface{Capability: usbif.CapSerial, Vtable: &fakeVtable{}})
	m.addInterface(descAt(1, 2), &usbif.Interface{Capability: usbif.CapReset, Vtable: &fakeVtable{}})

	assert.Equal(t, 1, calls)
	assert.Empty(t, m.callbacks)
}

func TestDropBoardAfterDelayRemovesFromLocation(t *testing.T) {
	m := newTestManager()
	desc := descAt(1, 2)
	m.addInterface(desc, &usbif.Interface{Capability: usbif.CapSerial, Vtable: &fakeVtable{}})
	b := m.byLocation["1-2"]

	m.handleRemoved(desc)
	assert.Equal(t, Missing, b.State())

	// simulate drop_delay elapsing
	m.missingList[0].deadline = time.Now().Add(-time.Millisecond)
	m.drainExpiredMissing()

	assert.Equal(t, Dropped, b.State())
	_, stillThere := m.byLocation["1-2"]
	assert.False(t, stillThere)
}

// fakeMonitor is a deviceMonitor that never reports any device
// activity, letting WaitFor's refresh loop run without a real USB bus.
type fakeMonitor struct{}

func (fakeMonitor) Poll() ([]usbdev.Event, error)                  { return nil, nil }
func (fakeMonitor) Open(usbdev.Descriptor) (*usbdev.Device, error) { return nil, assert.AnError }

func TestWaitForSucceedsOnceCapabilityAppears(t *testing.T) {
	m := newTestManager()
	m.monitor = fakeMonitor{}
	b := newBoard("1-2")
	m.boards = append(m.boards, b)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.mu.Lock()
		b.ifaces = []*usbif.Interface{{Capability: usbif.CapUpload}}
		b.recomputeLocked()
		b.mu.Unlock()
	}()

	err := m.WaitFor(b, usbif.CapUpload, false, 500*time.Millisecond)
	assert.NoError(t, err)
}

func TestWaitForTimesOut(t *testing.T) {
	m := newTestManager()
	m.monitor = fakeMonitor{}
	b := newBoard("1-2")
	m.boards = append(m.boards, b)

	err := m.WaitFor(b, usbif.CapUpload, false, 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, tyerr.NotFound, tyerr.KindOf(err))
}

func TestWaitForFailsWhenDropped(t *testing.T) {
	m := newTestManager()
	m.monitor = fakeMonitor{}
	b := newBoard("1-2")
	b.state = Dropped

	err := m.WaitFor(b, usbif.CapUpload, false, 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, tyerr.NotFound, tyerr.KindOf(err))
}
