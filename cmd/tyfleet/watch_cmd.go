package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tytools-go/tyfleet/bus"
	"github.com/tytools-go/tyfleet/internal/config"
	"github.com/tytools-go/tyfleet/usbdev"
)

// pollInterval is how often watch re-enumerates the USB bus, in the
// absence of gousb exposing a native hotplug callback (usbdev.Monitor's
// doc comment).
const pollInterval = 500 * time.Millisecond

// watchCommand runs forever, logging each device Added/Removed event
// as usbdev.Monitor.Run observes it. board.Manager itself never calls
// Run (the manager is driven by direct Poll calls from upload/list's
// one-shot Refresh instead) -- this command is the one caller
// exercising that streaming mode.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print device add/remove events until interrupted",
		Action: func(c *cli.Context) error {
			if _, err := setupBus(); err != nil {
				return err
			}

			ctx := usbdev.NewContext()
			ctx.SetVendorFilter(config.Conf.VendorIDs)
			defer ctx.Close()
			monitor := usbdev.NewMonitor(ctx)

			stop := make(chan struct{})
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			go func() {
				<-sig
				close(stop)
			}()

			for ev := range monitor.Run(pollInterval, stop) {
				kind := "added"
				if ev.Kind == usbdev.Removed {
					kind = "removed"
				}
				bus.Log(bus.LevelInfo, "%s: %s", kind, ev.Desc.Location())
			}
			return nil
		},
	}
}
