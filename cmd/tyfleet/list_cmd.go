package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tytools-go/tyfleet/board"
)

// listCommand is a supplemental operation, prints one line per
// tracked board.
func listCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "print known boards",
		Action: runList,
	}
}

func runList(c *cli.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.enumerate(); err != nil {
		return err
	}

	boards := rt.manager.Boards()
	defer func() {
		for _, b := range boards {
			b.Release()
		}
	}()

	fmt.Print(formatBoards(boards))
	return nil
}

// formatBoards renders one line per board ("<identity>  <state>
// <model>  <capabilities>"), sorted by identity. Split out from
// runList so it is exercisable without a real USB context.
func formatBoards(boards []*board.Board) string {
	if len(boards) == 0 {
		return "no boards found\n"
	}

	type row struct {
		identity, state, model, caps string
	}
	rows := make([]row, len(boards))
	for i, b := range boards {
		modelName := "unknown"
		if m, ok := b.Model(); ok {
			modelName = m.Name
		}
		rows[i] = row{
			identity: b.Identity(),
			state:    b.State().String(),
			model:    modelName,
			caps:     b.Capabilities().String(),
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].identity < rows[j].identity })

	var buf strings.Builder
	fmt.Fprintf(&buf, "%-24s %-8s %-16s %s\n", "IDENTITY", "STATE", "MODEL", "CAPABILITIES")
	for _, r := range rows {
		fmt.Fprintf(&buf, "%-24s %-8s %-16s %s\n", r.identity, r.state, r.model, r.caps)
	}
	return buf.String()
}
