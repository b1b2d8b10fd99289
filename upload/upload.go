// Package upload implements the upload driver: the orchestration
// between a firmware image, the model registry, and a board's
// capability-routed interfaces, driving a board through a bootloader
// transition when necessary.
package upload

import (
	"time"

	"github.com/tytools-go/tyfleet/board"
	"github.com/tytools-go/tyfleet/bus"
	"github.com/tytools-go/tyfleet/firmware"
	"github.com/tytools-go/tyfleet/model"
	"github.com/tytools-go/tyfleet/task"
	"github.com/tytools-go/tyfleet/tyerr"
	"github.com/tytools-go/tyfleet/usbif"
)

// BootloaderWait is the bounded wait the driver gives a board to enter
// the bootloader after a reboot request before switching into
// unbounded wait mode.
const BootloaderWait = 4000 * time.Millisecond

// Finder is the subset of *board.Manager the driver needs: resolving a
// board by identity and waiting for a capability to appear. Narrowing
// to an interface lets tests exercise Run without a real device
// monitor; *board.Manager satisfies it as-is.
type Finder interface {
	Find(identity string) (*board.Board, error)
	WaitFor(b *board.Board, cap usbif.Capability, parallel bool, timeout time.Duration) error
}

// Options configures one upload run, corresponding to the CLI's
// `upload` subcommand flags.
type Options struct {
	Format   firmware.Format // empty autodetects from the file extension
	NoReset  bool            // skip the post-upload reset request
	Wait     bool            // wait for the bootloader instead of requesting a reboot
	NoCheck  bool            // upload even if the image matches no known model
	Identity string          // board selector, "" matches any board
}

// Run drives one full upload against mgr: initial load, board
// acquisition, bootloader transition, reload-if-changed, model
// cross-check, delegated upload, and post-upload reset or advisory.
// User-facing progress is emitted on the message bus, attributed to
// the calling goroutine's current task when one is bound.
func Run(mgr Finder, path string, opts Options) error {
	fw, err := firmware.Load(path, opts.Format)
	if err != nil {
		return err
	}

	b, err := mgr.Find(opts.Identity)
	if err != nil {
		return err
	}
	defer b.Release()

	if err := enterBootloader(mgr, b, opts.Wait); err != nil {
		return err
	}

	fw, err = reloadIfChanged(path, opts.Format, fw)
	if err != nil {
		return err
	}

	detected, hasDetected := model.TestFirmware(fw.Image)
	if hasDetected {
		bus.Log(bus.LevelInfo, "Model: %s", detected.Desc)
	}
	if err := crossCheckModel(b, fw, detected, hasDetected, opts.NoCheck); err != nil {
		return err
	}

	bus.Log(bus.LevelInfo, "Firmware: %s", path)
	logUsage(fw, detected, hasDetected, b)
	traceHeader(fw.Image)

	bus.Log(bus.LevelInfo, "Uploading firmware…")
	taskName := ""
	if t := task.Current(); t != nil {
		taskName = t.Name
	}
	if err := b.Upload(fw.Image, func(sent, total int) {
		bus.Progress(taskName, "upload", int64(sent), int64(total))
	}); err != nil {
		return tyerr.Wrap(tyerr.Firmware, err, "upload: flashing failed")
	}

	if opts.NoReset || !b.HasCapability(usbif.CapReset) {
		bus.Log(bus.LevelInfo, "Firmware uploaded, reset the board to use it")
		return nil
	}
	bus.Log(bus.LevelInfo, "Sending reset command")
	return b.Reset()
}

// enterBootloader: if the board cannot accept uploads yet, either
// request a reboot or wait for a manual button press, bounded at first
// and falling back to an unbounded wait if the bounded one expires.
func enterBootloader(mgr Finder, b *board.Board, waitRequested bool) error {
	if b.HasCapability(usbif.CapUpload) {
		return nil
	}

	waiting := waitRequested
	if !waiting {
		if b.HasCapability(usbif.CapReboot) {
			bus.Log(bus.LevelInfo, "Triggering board reboot")
			if err := b.Reboot(); err != nil {
				return err
			}
		} else {
			bus.Log(bus.LevelInfo, "Waiting for device… (hint: press button to reboot)")
			waiting = true
		}
	}

	for {
		timeout := BootloaderWait
		if waiting {
			timeout = -1 // infinite
		}
		err := mgr.WaitFor(b, usbif.CapUpload, false, timeout)
		if err == nil {
			return nil
		}
		if waiting {
			return err // board dropped, or a genuinely unbounded wait failing is fatal
		}
		waiting = true
		bus.Log(bus.LevelInfo, "Reboot didn't work, press button manually")
	}
}

// reloadIfChanged re-stats the file, and reparses it if its mtime
// moved since the initial load.
func reloadIfChanged(path string, format firmware.Format, fw *firmware.Firmware) (*firmware.Firmware, error) {
	mtime, err := firmware.Stat(path)
	if err != nil {
		return nil, err
	}
	if mtime == fw.MTime {
		return fw, nil
	}
	bus.Log(bus.LevelInfo, "Firmware file changed on disk, reloading")
	return firmware.Load(path, format)
}

// crossCheckModel refuses a detected-but-mismatched model, refuses an
// undetected image unless nocheck was set, and refuses an oversize
// image against whichever model applies.
func crossCheckModel(b *board.Board, fw *firmware.Firmware, detected model.Model, hasDetected bool, noCheck bool) error {
	boardModel, hasBoardModel := b.Model()

	if !hasDetected {
		if !noCheck {
			return tyerr.New(tyerr.Firmware, "upload: firmware does not match any known model (use --nocheck to override)")
		}
		return nil
	}

	if hasBoardModel && detected.Name != boardModel.Name {
		return tyerr.New(tyerr.Firmware, "upload: firmware built for %s does not match board model %s", detected.Name, boardModel.Name)
	}

	if fw.Size > detected.CodeSize {
		return tyerr.New(tyerr.Range, "upload: firmware image (%d bytes) exceeds %s code size (%d bytes)", fw.Size, detected.Name, detected.CodeSize)
	}

	return nil
}

// traceHeader dumps the image's leading bytes at debug level, for
// diagnosing a cross-check refusal against the actual bytes read.
func traceHeader(image []byte) {
	n := len(image)
	if n > 64 {
		n = 64
	}
	bus.HexDumpDebug(image[:n])
}

// logUsage emits the CLI's one-shot flash-usage line, when a model is
// known to compute a percentage against.
func logUsage(fw *firmware.Firmware, detected model.Model, hasDetected bool, b *board.Board) {
	m := detected
	ok := hasDetected
	if !ok {
		m, ok = b.Model()
	}
	if !ok || m.CodeSize == 0 {
		return
	}
	percent := float64(fw.Size) / float64(m.CodeSize) * 100
	bus.Log(bus.LevelInfo, "Usage: %.1f%% (%d bytes)", percent, fw.Size)
}
