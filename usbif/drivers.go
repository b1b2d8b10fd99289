package usbif

import (
	"strconv"
	"time"

	"github.com/tytools-go/tyfleet/model"
	"github.com/tytools-go/tyfleet/usbdev"
)

// USB class/subclass/protocol constants used by the two concrete
// drivers below. HalfKay is Teensy's bootloader: a vendor-defined HID
// interface (class 0x03) taking the image one flash page at a time
// (halfkayPageSize bytes here). The application side exposes a standard
// CDC-ACM (class 0x02) interface for its serial port.
const (
	classHID    = 0x03
	classCDCACM = 0x02

	halfkaySubClass = 0x00
	halfkayProtocol = 0x00
)

func init() {
	Register(&halfkayDriver{})
	Register(&serialDriver{})
}

// identify reads a device's serial number and cross-references its
// vendor/product id against the model registry, so a driver's Probe
// can populate Interface.Serial/Model/HasModel from the live device
// itself rather than leaving them at their zero values -- a board's
// identity string and replacement check both depend on a nonzero
// serial, and model reassignment depends on a known model, being
// reachable on real hardware.
func identify(dev *usbdev.Device) (serial uint64, m model.Model, hasModel bool) {
	serial, _ = strconv.ParseUint(dev.SerialNumber(), 10, 64)
	desc := dev.Descriptor()
	m, hasModel = model.FindByUSBID(desc.Vendor, desc.Product)
	return serial, m, hasModel
}

// halfkayDriver recognizes a Teensy in bootloader mode: a single
// vendor HID interface with no bulk endpoints, all communication done
// via control transfer SET_REPORT requests carrying one flash page
// per request. Matches on the interface's class/subclass/protocol
// triple, one candidate interface at a time.
type halfkayDriver struct{}

func (*halfkayDriver) Name() string { return "halfkay" }

func (d *halfkayDriver) Probe(dev *usbdev.Device) (*Interface, bool, error) {
	for _, s := range dev.InterfaceSettings() {
		if s.Class != classHID || s.SubClass != halfkaySubClass || s.Protocol != halfkayProtocol {
			continue
		}

		iface, err := dev.ClaimInterface(usbdev.ClaimInterfaceOpts{
			Config: s.Config,
			Number: s.Number,
			Alt:    s.Alt,
		})
		if err != nil {
			return nil, false, err
		}

		serial, m, hasModel := identify(dev)
		return &Interface{
			Device:     dev,
			Model:      m,
			HasModel:   hasModel,
			Serial:     serial,
			Capability: CapUpload,
			Vtable:     &halfkayVtable{dev: dev, iface: iface},
		}, true, nil
	}

	return nil, false, nil
}

// halfkayVtable speaks HalfKay's page-oriented upload protocol over
// USB control transfers. Reset/Reboot/Serial are not meaningful in
// bootloader mode and return tyerr.Mode via the zero-value
// capabilities never routing to them (board package enforces this by
// construction).
type halfkayVtable struct {
	dev   *usbdev.Device
	iface *usbdev.Interface
}

// halfkayPageSize is the AVR-family page size; ARM Teensy models use a
// larger page negotiated from the model registry's CodeSize in a full
// implementation. Kept as the common denominator the two 8-bit models
// in the registry share.
const halfkayPageSize = 128

func (v *halfkayVtable) Upload(image []byte, progress func(sent, total int)) error {
	total := len(image)
	for offset := 0; offset < total; offset += halfkayPageSize {
		end := offset + halfkayPageSize
		if end > total {
			end = total
		}
		page := make([]byte, halfkayPageSize)
		copy(page, image[offset:end])

		if _, err := v.iface.Write(page); err != nil {
			return err
		}
		if progress != nil {
			progress(end, total)
		}
	}
	return nil
}

func (v *halfkayVtable) Reset() error                        { return errNotSupported("reset", "halfkay") }
func (v *halfkayVtable) Reboot() error                       { return errNotSupported("reboot", "halfkay") }
func (v *halfkayVtable) SerialRead(buf []byte) (int, error)  { return 0, errNotSupported("serial", "halfkay") }
func (v *halfkayVtable) SerialWrite(buf []byte) (int, error) { return 0, errNotSupported("serial", "halfkay") }
func (v *halfkayVtable) SerialSetAttributes(baud int) error  { return errNotSupported("serial", "halfkay") }

// serialDriver recognizes a Teensy's application-mode CDC-ACM
// interface, exposing the serial/reset/reboot capability trio. Reboot
// uses the well-known "touch at 1200 baud" convention real Teensy
// loaders rely on to ask a running sketch to jump back into HalfKay.
type serialDriver struct{}

func (*serialDriver) Name() string { return "serial" }

func (d *serialDriver) Probe(dev *usbdev.Device) (*Interface, bool, error) {
	for _, s := range dev.InterfaceSettings() {
		if s.Class != classCDCACM || s.OutEndpoint == 0 {
			continue
		}

		iface, err := dev.ClaimInterface(usbdev.ClaimInterfaceOpts{
			Config:      s.Config,
			Number:      s.Number,
			Alt:         s.Alt,
			InEndpoint:  s.InEndpoint,
			OutEndpoint: s.OutEndpoint,
		})
		if err != nil {
			return nil, false, err
		}

		serial, m, hasModel := identify(dev)
		return &Interface{
			Device:     dev,
			Model:      m,
			HasModel:   hasModel,
			Serial:     serial,
			Capability: CapSerial | CapReset | CapReboot,
			Vtable:     &serialVtable{dev: dev, iface: iface},
		}, true, nil
	}

	return nil, false, nil
}

type serialVtable struct {
	dev   *usbdev.Device
	iface *usbdev.Interface
	baud  int
}

func (v *serialVtable) Upload(image []byte, progress func(sent, total int)) error {
	return errNotSupported("upload", "serial")
}

// Reset issues a USB port reset, the "hard" path when no bootloader
// transition is requested.
func (v *serialVtable) Reset() error {
	return v.dev.Reset()
}

// Reboot asks a running sketch to re-enter HalfKay by opening and
// closing the port at 1200 baud, the convention Teensy/Arduino-Uno
// bootloaders share. It does not wait for the re-enumeration; callers
// use the board manager's refresh cycle to observe the device coming
// back.
func (v *serialVtable) Reboot() error {
	if err := v.SerialSetAttributes(1200); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

func (v *serialVtable) SerialRead(buf []byte) (int, error) {
	return v.iface.Read(buf, 2*time.Second)
}

func (v *serialVtable) SerialWrite(buf []byte) (int, error) {
	return v.iface.Write(buf)
}

func (v *serialVtable) SerialSetAttributes(baud int) error {
	v.baud = baud
	return nil
}
