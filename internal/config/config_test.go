package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytools-go/tyfleet/bus"
)

func resetConf() {
	Conf = Configuration{
		PoolMaxThreads:    16,
		PoolUnusedTimeout: 10 * time.Second,
		DropDelay:         5000 * time.Millisecond,
		LogLevel:          bus.LevelInfo,
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	resetConf()
	dir := t.TempDir()
	path := filepath.Join(dir, "tyfleet.conf")
	text := "[pool]\nmax_threads = 4\nunused_timeout = 2500\n\n[manager]\ndrop_delay = 1000\n\n[logging]\nlevel = debug\n\n[devices]\nvendor_ids = 16c0, 0483\n"
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	require.NoError(t, loadFile(path))

	assert.Equal(t, 4, Conf.PoolMaxThreads)
	assert.Equal(t, 2500*time.Millisecond, Conf.PoolUnusedTimeout)
	assert.Equal(t, 1000*time.Millisecond, Conf.DropDelay)
	assert.Equal(t, bus.LevelDebug, Conf.LogLevel)
	assert.Equal(t, []uint16{0x16c0, 0x0483}, Conf.VendorIDs)
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	resetConf()
	err := loadFile(filepath.Join(t.TempDir(), "nonexistent.conf"))
	assert.NoError(t, err)
}

func TestLoadFileRejectsInvalidLogLevel(t *testing.T) {
	resetConf()
	dir := t.TempDir()
	path := filepath.Join(dir, "tyfleet.conf")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = loud\n"), 0o644))

	err := loadFile(path)
	assert.Error(t, err)
}

func TestParseVendorIDsSkipsBlankFields(t *testing.T) {
	ids, err := parseVendorIDs(" 16c0 , , 0483")
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x16c0, 0x0483}, ids)
}

func TestParseVendorIDsRejectsNonHex(t *testing.T) {
	_, err := parseVendorIDs("zzzz")
	assert.Error(t, err)
}
