package upload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytools-go/tyfleet/board"
	"github.com/tytools-go/tyfleet/model"
	"github.com/tytools-go/tyfleet/tyerr"
	"github.com/tytools-go/tyfleet/usbif"
)

// fakeVtable is a minimal usbif.Vtable recording what was asked of it.
type fakeVtable struct {
	uploaded    []byte
	uploadErr   error
	resetCalled bool
	rebootCalled bool
	onReboot    func() // simulates the board re-enumerating into bootloader mode
}

func (v *fakeVtable) Upload(image []byte, progress func(sent, total int)) error {
	v.uploaded = image
	if progress != nil {
		progress(len(image), len(image))
	}
	return v.uploadErr
}
func (v *fakeVtable) Reset() error {
	v.resetCalled = true
	return nil
}
func (v *fakeVtable) Reboot() error {
	v.rebootCalled = true
	if v.onReboot != nil {
		v.onReboot()
	}
	return nil
}
func (v *fakeVtable) SerialRead([]byte) (int, error)        { return 0, nil }
func (v *fakeVtable) SerialWrite(buf []byte) (int, error)   { return len(buf), nil }
func (v *fakeVtable) SerialSetAttributes(baud int) error    { return nil }

// fakeFinder implements Finder against a fixed, in-memory board.
// waitSequence lets a test script the outcome of each successive
// WaitFor call, including mutating the board's interfaces to simulate
// the device re-enumerating into the bootloader -- the real-world
// effect a genuine manager refresh would have produced.
type fakeFinder struct {
	b            *board.Board
	waitCalls    int
	waitSequence []func(b *board.Board) error
}

func (f *fakeFinder) Find(identity string) (*board.Board, error) {
	ok, err := f.b.MatchesIdentity(identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tyerr.New(tyerr.NotFound, "no such board")
	}
	return f.b.Retain(), nil
}

func (f *fakeFinder) WaitFor(b *board.Board, cap usbif.Capability, parallel bool, timeout time.Duration) error {
	idx := f.waitCalls
	f.waitCalls++
	if idx < len(f.waitSequence) {
		return f.waitSequence[idx](b)
	}
	if b.HasCapability(cap) {
		return nil
	}
	return tyerr.ErrTimeout
}

func writeBin(t *testing.T, image []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	require.NoError(t, os.WriteFile(path, image, 0o644))
	return path
}

// teensy20Image embeds the AVR-style signature at a nonzero offset,
// matching model.Find("teensy_20").
func teensy20Image(size int) []byte {
	img := make([]byte, size)
	sig := []byte{0x0C, 0x94, 0x00, 0x3F, 0xFF, 0xCF, 0xF8, 0x94}
	copy(img[4:], sig)
	return img
}

func TestRunUploadsWhenCapabilityAlreadyPresent(t *testing.T) {
	vt := &fakeVtable{}
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload | usbif.CapReset, Vtable: vt})

	path := writeBin(t, teensy20Image(64))
	finder := &fakeFinder{b: b}

	err := Run(finder, path, Options{})
	require.NoError(t, err)
	assert.Len(t, vt.uploaded, 64)
	assert.True(t, vt.resetCalled)
}

func TestRunNoResetLeavesAdvisory(t *testing.T) {
	vt := &fakeVtable{}
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload, Vtable: vt})

	path := writeBin(t, teensy20Image(64))
	finder := &fakeFinder{b: b}

	err := Run(finder, path, Options{NoReset: true})
	require.NoError(t, err)
	assert.False(t, vt.resetCalled)
}

func TestRunRebootsThenWaitsForUpload(t *testing.T) {
	vt := &fakeVtable{}
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapReboot | usbif.CapSerial, Vtable: vt})

	path := writeBin(t, teensy20Image(64))
	finder := &fakeFinder{
		b: b,
		waitSequence: []func(b *board.Board) error{
			func(b *board.Board) error {
				b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload, Vtable: vt})
				return nil
			},
		},
	}

	err := Run(finder, path, Options{})
	require.NoError(t, err)
	assert.True(t, vt.rebootCalled)
	assert.Equal(t, 1, finder.waitCalls)
}

func TestRunFallsBackToManualButtonPress(t *testing.T) {
	vt := &fakeVtable{} // no reboot capability at all
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapSerial, Vtable: vt})

	path := writeBin(t, teensy20Image(64))
	finder := &fakeFinder{
		b: b,
		waitSequence: []func(b *board.Board) error{
			func(b *board.Board) error {
				b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload, Vtable: vt})
				return nil
			},
		},
	}

	err := Run(finder, path, Options{})
	require.NoError(t, err)
	assert.False(t, vt.rebootCalled)
	assert.Equal(t, 1, finder.waitCalls)
}

func TestRunRefusesModelMismatch(t *testing.T) {
	vt := &fakeVtable{}
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload, Vtable: vt})
	teensy31, _ := model.Find("teensy_31")
	b.SetModelForTest(teensy31)

	path := writeBin(t, teensy20Image(64)) // signature says teensy_20
	finder := &fakeFinder{b: b}

	err := Run(finder, path, Options{})
	require.Error(t, err)
	assert.Equal(t, tyerr.Firmware, tyerr.KindOf(err))
	assert.Nil(t, vt.uploaded)
}

func TestRunRefusesUnrecognizedImageWithoutNoCheck(t *testing.T) {
	vt := &fakeVtable{}
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload, Vtable: vt})

	path := writeBin(t, []byte{1, 2, 3}) // too short to match any signature
	finder := &fakeFinder{b: b}

	err := Run(finder, path, Options{})
	require.Error(t, err)
	assert.Equal(t, tyerr.Firmware, tyerr.KindOf(err))
}

func TestRunNoCheckAllowsUnrecognizedImage(t *testing.T) {
	vt := &fakeVtable{}
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload, Vtable: vt})

	path := writeBin(t, []byte{1, 2, 3})
	finder := &fakeFinder{b: b}

	err := Run(finder, path, Options{NoCheck: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, vt.uploaded)
}

func TestRunRefusesOversizeImage(t *testing.T) {
	vt := &fakeVtable{}
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload, Vtable: vt})
	teensy20, _ := model.Find("teensy_20")

	path := writeBin(t, teensy20Image(teensy20.CodeSize+1))
	finder := &fakeFinder{b: b}

	err := Run(finder, path, Options{})
	require.Error(t, err)
	assert.Equal(t, tyerr.Range, tyerr.KindOf(err))
	assert.Nil(t, vt.uploaded)
}

func TestRunPropagatesUploadFailure(t *testing.T) {
	vt := &fakeVtable{uploadErr: assert.AnError}
	b := board.NewTestBoard("1-2")
	b.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload, Vtable: vt})

	path := writeBin(t, teensy20Image(64))
	finder := &fakeFinder{b: b}

	err := Run(finder, path, Options{})
	require.Error(t, err)
	assert.Equal(t, tyerr.Firmware, tyerr.KindOf(err))
}
