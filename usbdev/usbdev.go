// Package usbdev wraps google/gousb with the narrow set of
// primitives tyfleet's Interface Adapter and device monitor need:
// opening a device, reading its identity strings, claiming an
// interface and moving bytes across it, on top of the gousb API
// instead of hand-written cgo bindings.
package usbdev

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/tytools-go/tyfleet/tyerr"
)

// Context owns the underlying libusb context for the process. tyfleet
// creates exactly one, shared by the device monitor and every opened
// Device.
type Context struct {
	raw       *gousb.Context
	vendorIDs []uint16 // empty means no filtering, every vendor is scanned
}

// NewContext opens a fresh libusb context.
func NewContext() *Context {
	return &Context{raw: gousb.NewContext()}
}

// SetVendorFilter restricts Enumerate to devices whose vendor id
// appears in ids. Passing an empty slice removes the filter again
// (every vendor is scanned, the default).
func (c *Context) SetVendorFilter(ids []uint16) {
	c.vendorIDs = ids
}

func (c *Context) vendorAllowed(vendor uint16) bool {
	if len(c.vendorIDs) == 0 {
		return true
	}
	for _, id := range c.vendorIDs {
		if id == vendor {
			return true
		}
	}
	return false
}

// Close releases the libusb context. No Device opened from it may be
// used afterward.
func (c *Context) Close() error {
	return c.raw.Close()
}

// Descriptor is the subset of a USB device's identity tyfleet's
// hotplug diff and board aggregation need, captured without opening
// the device.
type Descriptor struct {
	Bus, Address int
	Port         int
	Path         []int // USB topological path, e.g. hub port chain
	Vendor, Product uint16
	Class, SubClass, Protocol int
}

// Location renders the USB topological path in a form stable across a
// bootloader/application mode switch of the same physical device,
// because it names hub ports, not a bus address that libusb may
// reassign.
func (d Descriptor) Location() string {
	loc := fmt.Sprintf("%d", d.Bus)
	for _, p := range d.Path {
		loc += fmt.Sprintf("-%d", p)
	}
	return loc
}

// Enumerate lists the descriptors of every currently attached USB
// device whose vendor id passes SetVendorFilter (everything, if no
// filter is set), used both for the device monitor's initial
// enumeration and for each subsequent poll.
func (c *Context) Enumerate() ([]Descriptor, error) {
	var out []Descriptor

	devs, err := c.raw.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if !c.vendorAllowed(uint16(desc.Vendor)) {
			return false
		}
		out = append(out, Descriptor{
			Bus:      desc.Bus,
			Address:  desc.Address,
			Port:     desc.Port,
			Path:     append([]int(nil), desc.Path...),
			Vendor:   uint16(desc.Vendor),
			Product:  uint16(desc.Product),
			Class:    int(desc.Class),
			SubClass: int(desc.SubClass),
			Protocol: int(desc.Protocol),
		})
		return false // never actually open here; Enumerate only lists
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, tyerr.Wrap(tyerr.IO, err, "usbdev: enumerate")
	}

	return out, nil
}

// Device is one opened USB device.
type Device struct {
	raw  *gousb.Device
	desc Descriptor
}

// Open opens the device matching desc. Descriptor.Bus/Address must
// still identify a currently attached device.
func (c *Context) Open(desc Descriptor) (*Device, error) {
	devs, err := c.raw.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == desc.Bus && d.Address == desc.Address
	})
	if err != nil {
		return nil, tyerr.Wrap(tyerr.IO, err, "usbdev: open")
	}
	if len(devs) == 0 {
		return nil, tyerr.New(tyerr.NotFound, "usbdev: device %s no longer present", desc.Location())
	}
	if len(devs) > 1 {
		for _, d := range devs[1:] {
			d.Close()
		}
	}

	return &Device{raw: devs[0], desc: desc}, nil
}

// Descriptor returns the descriptor the Device was opened from.
func (dev *Device) Descriptor() Descriptor { return dev.desc }

// InterfaceSetting describes one (config, interface, altsetting) triple
// available on a device, without claiming it -- the information a
// usbif.Driver needs to decide whether it recognizes an interface.
type InterfaceSetting struct {
	Config, Number, Alt       int
	Class, SubClass, Protocol int
	InEndpoint, OutEndpoint   int
}

// InterfaceSettings lists every altsetting of every interface of every
// configuration the device descriptor advertises, for probing by
// usbif drivers.
func (dev *Device) InterfaceSettings() []InterfaceSetting {
	var out []InterfaceSetting

	for cfgNum, cfg := range dev.raw.Desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				s := InterfaceSetting{
					Config:   cfgNum,
					Number:   intf.Number,
					Alt:      alt.Alternate,
					Class:    int(alt.Class),
					SubClass: int(alt.SubClass),
					Protocol: int(alt.Protocol),
				}
				for addr, ep := range alt.Endpoints {
					if addr.Direction() == gousb.EndpointDirectionIn {
						s.InEndpoint = int(ep.Number)
					} else {
						s.OutEndpoint = int(ep.Number)
					}
				}
				out = append(out, s)
			}
		}
	}

	return out
}

// SerialNumber reads the device's serial number string descriptor,
// returning "" (not an error) when the descriptor is absent or
// unreadable, the numeric equivalent of "" being 0 once parsed.
func (dev *Device) SerialNumber() string {
	s, err := dev.raw.SerialNumber()
	if err != nil {
		return ""
	}
	return s
}

// Manufacturer reads the manufacturer string descriptor, best-effort.
func (dev *Device) Manufacturer() string {
	s, _ := dev.raw.Manufacturer()
	return s
}

// Product reads the product string descriptor, best-effort.
func (dev *Device) Product() string {
	s, _ := dev.raw.Product()
	return s
}

// Close releases the device handle.
func (dev *Device) Close() error {
	return dev.raw.Close()
}

// Reset issues a USB port reset, used by the "hard" reboot path when
// an interface has no software reset/reboot request of its own.
func (dev *Device) Reset() error {
	return dev.raw.Reset()
}

// Interface is one claimed (config, interface, altsetting) triple on
// an open Device, with its bulk endpoints ready for I/O.
type Interface struct {
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// ClaimInterfaceOpts describes which endpoints to open on the
// claimed interface; either may be zero when that direction is
// unused (e.g. a HID-only bootloader interface uses control
// transfers exclusively).
type ClaimInterfaceOpts struct {
	Config, Number, Alt int
	InEndpoint          int
	OutEndpoint         int
}

// ClaimInterface selects a configuration, claims one interface and
// opens its endpoints.
func (dev *Device) ClaimInterface(opts ClaimInterfaceOpts) (*Interface, error) {
	cfg, err := dev.raw.Config(opts.Config)
	if err != nil {
		return nil, tyerr.Wrap(tyerr.IO, err, "usbdev: set config")
	}

	intf, err := cfg.Interface(opts.Number, opts.Alt)
	if err != nil {
		cfg.Close()
		return nil, tyerr.Wrap(tyerr.IO, err, "usbdev: claim interface")
	}

	iface := &Interface{cfg: cfg, intf: intf}

	if opts.InEndpoint != 0 {
		iface.in, err = intf.InEndpoint(opts.InEndpoint)
		if err != nil {
			iface.Close()
			return nil, tyerr.Wrap(tyerr.IO, err, "usbdev: open in endpoint")
		}
	}
	if opts.OutEndpoint != 0 {
		iface.out, err = intf.OutEndpoint(opts.OutEndpoint)
		if err != nil {
			iface.Close()
			return nil, tyerr.Wrap(tyerr.IO, err, "usbdev: open out endpoint")
		}
	}

	return iface, nil
}

// Close releases the interface and its configuration claim.
func (iface *Interface) Close() {
	if iface.intf != nil {
		iface.intf.Close()
	}
	if iface.cfg != nil {
		iface.cfg.Close()
	}
}

// Write sends data on the claimed OUT endpoint.
func (iface *Interface) Write(data []byte) (int, error) {
	if iface.out == nil {
		return 0, tyerr.New(tyerr.Mode, "usbdev: no out endpoint claimed")
	}
	n, err := iface.out.Write(data)
	if err != nil {
		return n, tyerr.Wrap(tyerr.IO, err, "usbdev: write")
	}
	return n, nil
}

// Read receives data on the claimed IN endpoint, bounded by timeout.
func (iface *Interface) Read(buf []byte, timeout time.Duration) (int, error) {
	if iface.in == nil {
		return 0, tyerr.New(tyerr.Mode, "usbdev: no in endpoint claimed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := iface.in.ReadContext(ctx, buf)
	if err != nil {
		return n, tyerr.Wrap(tyerr.IO, err, "usbdev: read")
	}
	return n, nil
}
