package firmware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBinRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	fw, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, payload, fw.Image)
	assert.Equal(t, 4, fw.Size)
}

func TestLoadDetectsFormatFromExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.hex")
	hexText := ":0400000001020304F4\n:00000001FF\n"
	require.NoError(t, os.WriteFile(path, []byte(hexText), 0o644))

	fw, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, fw.Image)
}

func TestLoadUnknownExtensionFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.xyz")
	require.NoError(t, os.WriteFile(path, []byte{0}, 0o644))

	_, err := Load(path, "")
	require.Error(t, err)
}

func TestLoadELFIsUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.elf")
	require.NoError(t, os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644))

	_, err := Load(path, "")
	assert.ErrorIs(t, err, ErrFormatUnsupported)
}

func TestParseIntelHexFillsGapsWithFF(t *testing.T) {
	// Two records with a gap between them: bytes 2-7 should read 0xFF.
	text := ":02000000AABBD9\n:0200080011223C\n:00000001FF\n"
	image, err := parseIntelHex([]byte(text))
	require.NoError(t, err)
	require.Len(t, image, 10)
	assert.Equal(t, []byte{0xAA, 0xBB}, image[0:2])
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, image[2:8])
	assert.Equal(t, []byte{0x11, 0x22}, image[8:10])
}

func TestParseIntelHexRequiresEndOfFileRecord(t *testing.T) {
	_, err := parseIntelHex([]byte(":0400000001020304F4\n"))
	require.Error(t, err)
}

func TestParseIntelHexRejectsBadColon(t *testing.T) {
	_, err := parseIntelHex([]byte("0400000001020304F4\n"))
	require.Error(t, err)
}

func TestParseIntelHexExtendedLinearAddress(t *testing.T) {
	// :02000004 0001 F9 -- sets upper 16 bits of address to 0x0001.
	text := ":020000040001F9\n:0200000011223C\n:00000001FF\n"
	image, err := parseIntelHex([]byte(text))
	require.NoError(t, err)
	require.Len(t, image, 0x10002)
	assert.Equal(t, []byte{0x11, 0x22}, image[0x10000:0x10002])
}

func TestStatReportsMTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	require.NoError(t, os.WriteFile(path, []byte{1}, 0o644))

	mtime, err := Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, mtime)
}
