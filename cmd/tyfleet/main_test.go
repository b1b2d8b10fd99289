package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tytools-go/tyfleet/tyerr"
)

func TestExitCodeMapsKindsToDistinctNonzeroCodes(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))

	seen := map[int]tyerr.Kind{}
	kinds := []tyerr.Kind{
		tyerr.Other, tyerr.Memory, tyerr.Param, tyerr.Range, tyerr.Mode,
		tyerr.NotFound, tyerr.IO, tyerr.Access, tyerr.Busy, tyerr.Firmware,
	}
	for _, k := range kinds {
		code := exitCode(tyerr.New(k, "boom"))
		assert.NotZero(t, code)
		if other, ok := seen[code]; ok {
			t.Fatalf("kinds %v and %v share exit code %d", other, k, code)
		}
		seen[code] = k
	}
}

func TestParseFormatFlag(t *testing.T) {
	f, err := parseFormatFlag("")
	assert.NoError(t, err)
	assert.Equal(t, "", string(f))

	f, err = parseFormatFlag("hex")
	assert.NoError(t, err)
	assert.Equal(t, "hex", string(f))

	_, err = parseFormatFlag("elf")
	assert.Error(t, err)
}
