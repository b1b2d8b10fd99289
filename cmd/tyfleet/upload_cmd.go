package main

import (
	"github.com/urfave/cli/v2"

	"github.com/tytools-go/tyfleet/firmware"
	"github.com/tytools-go/tyfleet/task"
	"github.com/tytools-go/tyfleet/tyerr"
	"github.com/tytools-go/tyfleet/upload"
)

// uploadCommand implements the CLI's upload contract:
// `upload [-f|--format <fmt>] [--noreset] [-w|--wait] <filename>`.
func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "flash firmware to a board",
		ArgsUsage: "<filename>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "firmware format: bin or hex (autodetected from extension when omitted)"},
			&cli.BoolFlag{Name: "noreset", Usage: "leave the board in bootloader mode after uploading"},
			&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "wait for a manual button press instead of requesting a reboot"},
			&cli.StringFlag{Name: "id", Usage: "select a board by \"location#serial\" (default: any board)"},
			&cli.BoolFlag{Name: "nocheck", Usage: "upload even if the image matches no known model"},
		},
		Action: runUpload,
	}
}

func runUpload(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return tyerr.New(tyerr.Param, "upload: missing firmware filename")
	}

	format, err := parseFormatFlag(c.String("format"))
	if err != nil {
		return err
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.enumerate(); err != nil {
		return err
	}

	opts := upload.Options{
		Format:   format,
		NoReset:  c.Bool("noreset"),
		Wait:     c.Bool("wait"),
		NoCheck:  c.Bool("nocheck"),
		Identity: c.String("id"),
	}

	t := task.New("upload", func() (int, error) {
		return 0, upload.Run(rt.manager, path, opts)
	})
	t.Start(rt.pool)
	t.Join()
	return t.Err()
}

// parseFormatFlag maps the CLI's -f/--format flag onto firmware.Format,
// leaving it empty (autodetect) when the flag is unset.
func parseFormatFlag(value string) (firmware.Format, error) {
	switch value {
	case "":
		return "", nil
	case "bin":
		return firmware.FormatBin, nil
	case "hex":
		return firmware.FormatHex, nil
	default:
		return "", tyerr.New(tyerr.Param, "upload: unknown format %q (want bin or hex)", value)
	}
}
