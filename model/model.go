// Package model implements the static board model registry (spec
// section 4.1): a small, fixed table of known boards plus a
// signature-matching advisory check used to classify a firmware image
// before it is uploaded.
package model

// SignatureLen is the fixed width of a model's firmware signature.
const SignatureLen = 8

// Model is an immutable record describing one supported board.
type Model struct {
	Name         string             // Short identifier, e.g. "teensy_40"
	MCU          string             // Microcontroller identifier, e.g. "imxrt1062"
	Desc         string             // Human-readable label
	CodeSize     int                // Bytes of flash available for firmware
	Signature    [SignatureLen]byte // Pattern guaranteed to appear in firmware built for this model
	VendorID     uint16             // USB vendor id, shared by every model (PJRC's)
	ProductID    uint16             // USB product id in application/serial mode
	BootloaderID uint16             // USB product id while sitting in HalfKay
}

// pjrcVendorID is the USB vendor id every model in the registry shares.
const pjrcVendorID = 0x16C0

// registry is the package-level, immutable model table. The five
// entries mirror two signature families: an AVR-style pattern shared
// by the 8-bit boards and an ARM-style pattern shared by the 32-bit
// ones, with distinct code sizes so oversize refusal is reachable per
// model.
var registry = []Model{
	{
		Name:         "teensy_2",
		MCU:          "atmega32u4",
		Desc:         "Teensy 2.0",
		CodeSize:     32256,
		Signature:    [SignatureLen]byte{0x0C, 0x94, 0x00, 0x00, 0xFF, 0xCF, 0xF8, 0x94},
		VendorID:     pjrcVendorID,
		ProductID:    0x0483,
		BootloaderID: 0x0478,
	},
	{
		Name:         "teensy_20",
		MCU:          "at90usb1286",
		Desc:         "Teensy++ 2.0",
		CodeSize:     130048,
		Signature:    [SignatureLen]byte{0x0C, 0x94, 0x00, 0x3F, 0xFF, 0xCF, 0xF8, 0x94},
		VendorID:     pjrcVendorID,
		ProductID:    0x0482,
		BootloaderID: 0x0477,
	},
	{
		Name:         "teensy_30",
		MCU:          "mk20dx128",
		Desc:         "Teensy 3.0",
		CodeSize:     131072,
		Signature:    [SignatureLen]byte{0x30, 0x80, 0x04, 0x40, 0x82, 0x3F, 0x04, 0x00},
		VendorID:     pjrcVendorID,
		ProductID:    0x0486,
		BootloaderID: 0x0479,
	},
	{
		Name:         "teensy_31",
		MCU:          "mk20dx256",
		Desc:         "Teensy 3.1 / 3.2",
		CodeSize:     262144,
		Signature:    [SignatureLen]byte{0x38, 0x80, 0x04, 0x40, 0x82, 0x3F, 0x04, 0x00},
		VendorID:     pjrcVendorID,
		ProductID:    0x0489,
		BootloaderID: 0x0487,
	},
	{
		Name:         "teensy_40",
		MCU:          "imxrt1062",
		Desc:         "Teensy 4.0",
		CodeSize:     2031616,
		Signature:    [SignatureLen]byte{0x38, 0x80, 0x04, 0x40, 0x82, 0x3F, 0x04, 0x00},
		VendorID:     pjrcVendorID,
		ProductID:    0x0490,
		BootloaderID: 0x0476,
	},
}

// Models returns a defensive copy of the registry, so callers can
// never mutate the live package-level slice.
func Models() []Model {
	out := make([]Model, len(registry))
	copy(out, registry)
	return out
}

// Find looks a model up by exact, case-sensitive match on either its
// name or its mcu identifier.
func Find(nameOrMCU string) (Model, bool) {
	for _, m := range registry {
		if m.Name == nameOrMCU || m.MCU == nameOrMCU {
			return m, true
		}
	}
	return Model{}, false
}

// FindByUSBID looks a model up by the vendor/product id pair its
// device descriptor presents, matching either the application-mode
// ProductID or the BootloaderID the device reports while sitting in
// HalfKay, so a live device can be classified before any firmware is
// read -- unlike TestFirmware, which only classifies an image.
func FindByUSBID(vendorID, productID uint16) (Model, bool) {
	for _, m := range registry {
		if m.VendorID != vendorID {
			continue
		}
		if m.ProductID == productID || m.BootloaderID == productID {
			return m, true
		}
	}
	return Model{}, false
}

// TestFirmware scans image for the first occurrence, at the lowest
// offset, of any registered model's signature, returning the first
// model (in registration order) whose signature matches at that
// offset. Ties at the same offset are broken by registry order so the
// result is deterministic regardless of map iteration or signature
// overlap.
//
// If image is shorter than SignatureLen, no scan is possible and
// TestFirmware reports no match -- this is the boundary exercised by
// the boundary a too-short random image hits.
func TestFirmware(image []byte) (Model, bool) {
	if len(image) < SignatureLen {
		return Model{}, false
	}

	last := len(image) - SignatureLen
	for off := 0; off <= last; off++ {
		window := image[off : off+SignatureLen]
		for _, m := range registry {
			if matchesAt(window, m.Signature) {
				return m, true
			}
		}
	}

	return Model{}, false
}

func matchesAt(window []byte, sig [SignatureLen]byte) bool {
	for i := 0; i < SignatureLen; i++ {
		if window[i] != sig[i] {
			return false
		}
	}
	return true
}
