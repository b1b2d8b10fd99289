package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tytools-go/tyfleet/board"
	"github.com/tytools-go/tyfleet/model"
	"github.com/tytools-go/tyfleet/usbif"
)

func TestFormatBoardsEmpty(t *testing.T) {
	assert.Equal(t, "no boards found\n", formatBoards(nil))
}

func TestFormatBoardsSortsByIdentityAndRendersModel(t *testing.T) {
	b1 := board.NewTestBoard("2-1")
	b1.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapSerial})

	b2 := board.NewTestBoard("1-1")
	b2.SetInterfacesForTest(&usbif.Interface{Capability: usbif.CapUpload})
	teensy40, ok := model.Find("teensy_40")
	assert.True(t, ok)
	b2.SetModelForTest(teensy40)

	out := formatBoards([]*board.Board{b1, b2})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	assert.Contains(t, lines[1], "1-1")
	assert.Contains(t, lines[1], "teensy_40")
	assert.Contains(t, lines[1], "upload")
	assert.Contains(t, lines[2], "2-1")
	assert.Contains(t, lines[2], "unknown")
	assert.Contains(t, lines[2], "serial")
}
