package main

import (
	"fmt"
	"os"

	"github.com/tytools-go/tyfleet/board"
	"github.com/tytools-go/tyfleet/bus"
	"github.com/tytools-go/tyfleet/internal/config"
	"github.com/tytools-go/tyfleet/task"
	"github.com/tytools-go/tyfleet/usbdev"
)

// runtime bundles the long-lived objects a CLI invocation needs: the
// USB context, the board manager built on top of it, and the worker
// pool tasks run on. One runtime is built per process invocation and
// torn down before main returns.
type runtime struct {
	ctx     *usbdev.Context
	monitor *usbdev.Monitor
	manager *board.Manager
	pool    *task.Pool
	logger  *bus.Logger
}

// setupBus loads configuration and installs the message bus handler
// that renders Log-kind messages on stdout (the CLI's only output
// channel), returning a bus.Logger sending diagnostic-level output to
// stderr. Shared by every subcommand, including watch, which needs
// the bus wired but not a board.Manager.
func setupBus() (*bus.Logger, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}

	logger := bus.NewLogger()
	logger.SetLevel(config.Conf.LogLevel)
	logger.Backend().SetOutput(os.Stderr)

	bus.SetHandler(func(msg bus.Message) {
		if msg.Kind == bus.KindLog && msg.Level <= config.Conf.LogLevel {
			fmt.Println(msg.Text)
		}
	})

	return logger, nil
}

// newRuntime wires the bus and opens the board manager that a
// one-shot command (upload, list) needs.
func newRuntime() (*runtime, error) {
	logger, err := setupBus()
	if err != nil {
		return nil, err
	}

	ctx := usbdev.NewContext()
	ctx.SetVendorFilter(config.Conf.VendorIDs)
	monitor := usbdev.NewMonitor(ctx)
	mgr := board.NewManager(monitor)
	pool := task.NewPool(config.Conf.PoolMaxThreads, config.Conf.PoolUnusedTimeout)

	return &runtime{ctx: ctx, monitor: monitor, manager: mgr, pool: pool, logger: logger}, nil
}

// enumerate performs the initial device enumeration, so Find/list see
// whatever is already attached.
func (rt *runtime) enumerate() error {
	rt.logger.Debug('i', "enumerating attached USB devices")
	return rt.manager.Refresh()
}

func (rt *runtime) Close() {
	rt.pool.Shutdown()
	rt.ctx.Close()
}
