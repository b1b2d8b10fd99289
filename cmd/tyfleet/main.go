// Command tyfleet is the CLI surface of the upload driver and board
// manager: an "upload" subcommand implementing the external interface
// exactly, plus supplemental "list" and "watch" subcommands for
// operational visibility.
package main

import (
	"fmt"
	"os"

	"github.com/tytools-go/tyfleet/tyerr"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tyfleet:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps tyfleet's error-kind taxonomy onto a process exit
// status, so a non-zero exit mirrors the internal error taxonomy. 0 is
// reserved for success; tyerr.Other maps to 1, matching the
// conventional "unspecified failure" status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch tyerr.KindOf(err) {
	case tyerr.Memory:
		return 2
	case tyerr.Param:
		return 3
	case tyerr.Range:
		return 4
	case tyerr.Mode:
		return 5
	case tyerr.NotFound:
		return 6
	case tyerr.IO:
		return 7
	case tyerr.Access:
		return 8
	case tyerr.Busy:
		return 9
	case tyerr.Firmware:
		return 10
	default:
		return 1
	}
}
