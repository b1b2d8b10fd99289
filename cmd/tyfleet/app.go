package main

import (
	"github.com/urfave/cli/v2"
)

// newApp assembles the tyfleet CLI: the upload subcommand, plus the
// supplemental list and watch subcommands.
func newApp() *cli.App {
	return &cli.App{
		Name:  "tyfleet",
		Usage: "manage Teensy-family boards over USB",
		Commands: []*cli.Command{
			uploadCommand(),
			listCommand(),
			watchCommand(),
		},
	}
}
