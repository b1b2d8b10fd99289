package usbdev

import (
	"sort"
	"sync"
	"time"
)

// key identifies one physical USB device slot (bus + address) across
// polls.
type key struct {
	bus, address int
}

func (k key) less(o key) bool {
	return k.bus < o.bus || (k.bus == o.bus && k.address < o.address)
}

// descSet is a sorted set of Descriptor, keyed by (bus, address),
// supporting binary-search insert/diff -- needed because gousb, unlike
// raw libusb, exposes no hotplug callback: the only portable way to
// discover Added/Removed devices is to poll and diff two enumerations.
type descSet []Descriptor

func (s descSet) find(k key) int {
	i := sort.Search(len(s), func(n int) bool {
		return !(key{s[n].Bus, s[n].Address}).less(k)
	})
	if i < len(s) && s[i].Bus == k.bus && s[i].Address == k.address {
		return i
	}
	return -1
}

// diff reports the descriptors present in next but not in s (added)
// and present in s but not in next (removed), mirroring
// UsbAddrList.Diff.
func (s descSet) diff(next descSet) (added, removed []Descriptor) {
	for _, d := range next {
		if s.find(key{d.Bus, d.Address}) < 0 {
			added = append(added, d)
		}
	}
	for _, d := range s {
		if next.find(key{d.Bus, d.Address}) < 0 {
			removed = append(removed, d)
		}
	}
	return added, removed
}

func sortedSet(descs []Descriptor) descSet {
	out := append(descSet(nil), descs...)
	sort.Slice(out, func(i, j int) bool {
		return (key{out[i].Bus, out[i].Address}).less(key{out[j].Bus, out[j].Address})
	})
	return out
}

// EventKind distinguishes an Added from a Removed device event.
type EventKind int

// Event kinds.
const (
	Added EventKind = iota
	Removed
)

// Event is one device hotplug notification.
type Event struct {
	Kind EventKind
	Desc Descriptor
}

// Monitor polls Context.Enumerate and turns the diff between
// consecutive polls into Added/Removed events.
// Board.Manager drives it from its own refresh cycle by calling Poll;
// Monitor starts no goroutine of its own unless Run is called, so the
// caller fully controls when I/O happens, matching the manager's
// single-threaded-event-delivery assumption.
type Monitor struct {
	ctx  *Context
	mu   sync.Mutex
	last descSet

	// Tick is signaled once per Poll call that found at least one
	// change, a waitable stand-in since gousb exposes no hotplug
	// callback or descriptor of its own.
	Tick chan struct{}
}

// NewMonitor creates a Monitor over ctx. Call Poll once before relying
// on diffs, to perform the initial enumeration.
func NewMonitor(ctx *Context) *Monitor {
	return &Monitor{ctx: ctx, Tick: make(chan struct{}, 1)}
}

// Open opens the device identified by desc, for use after an Added
// event: the descriptor came from the same enumeration the event diff
// was computed over.
func (m *Monitor) Open(desc Descriptor) (*Device, error) {
	return m.ctx.Open(desc)
}

// Poll enumerates the bus once and returns the events produced since
// the previous Poll call. The very first call after NewMonitor treats
// every currently attached device as Added.
func (m *Monitor) Poll() ([]Event, error) {
	descs, err := m.ctx.Enumerate()
	if err != nil {
		return nil, err
	}

	next := sortedSet(descs)

	m.mu.Lock()
	prev := m.last
	m.last = next
	m.mu.Unlock()

	added, removed := prev.diff(next)
	if len(added) == 0 && len(removed) == 0 {
		return nil, nil
	}

	events := make([]Event, 0, len(added)+len(removed))
	for _, d := range added {
		events = append(events, Event{Kind: Added, Desc: d})
	}
	for _, d := range removed {
		events = append(events, Event{Kind: Removed, Desc: d})
	}

	select {
	case m.Tick <- struct{}{}:
	default:
	}

	return events, nil
}

// Run polls on a fixed interval until stop is closed, pushing events
// onto the returned channel. This is the convenience loop a
// standalone daemon drives; board.Manager.Refresh can equally be
// driven by calling Poll directly from an explicit event loop, as the
// upload/list commands do.
func (m *Monitor) Run(interval time.Duration, stop <-chan struct{}) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				events, err := m.Poll()
				if err != nil {
					continue
				}
				for _, ev := range events {
					select {
					case out <- ev:
					case <-stop:
						return
					}
				}
			}
		}
	}()

	return out
}
