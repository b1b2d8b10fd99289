// Package firmware implements the small set of concrete firmware file
// parsers the upload driver treats as an external boundary: raw binary
// images and Intel HEX, with extension autodetection from the file
// path.
package firmware

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tytools-go/tyfleet/tyerr"
)

// Firmware is a loaded image ready for cross-checking against the
// model registry and uploading.
type Firmware struct {
	Path  string
	Image []byte
	Size  int
	MTime int64 // unix nanoseconds, for the driver's reload-if-changed check
}

// Format names a parser, either given explicitly by the caller or
// autodetected from the file extension.
type Format string

// Supported formats.
const (
	FormatBin Format = "bin"
	FormatHex Format = "hex"
	FormatELF Format = "elf"
)

// ErrFormatUnsupported is returned for formats tyfleet recognizes by
// name but does not implement a parser for. ELF is the one example: a
// full loader is out of scope here and nothing in this repo needs one.
var ErrFormatUnsupported = tyerr.New(tyerr.Param, "firmware: format not implemented")

// detectFormat autodetects a format from path's extension when format
// is empty.
func detectFormat(path string, format Format) (Format, error) {
	if format != "" {
		return format, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex":
		return FormatHex, nil
	case ".bin":
		return FormatBin, nil
	case ".elf":
		return FormatELF, nil
	default:
		return "", tyerr.New(tyerr.Param, "firmware: cannot autodetect format for %q", path)
	}
}

// Load reads path, parses it according to format (or the format
// autodetected from its extension when format is empty), and returns
// the resulting image plus the file's current mtime so the caller can
// detect later edits.
func Load(path string, format Format) (*Firmware, error) {
	fmt, err := detectFormat(path, format)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, tyerr.Wrapf(tyerr.IO, err, "firmware: stat %q", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, tyerr.Wrapf(tyerr.IO, err, "firmware: read %q", path)
	}

	var image []byte
	switch fmt {
	case FormatBin:
		image = raw
	case FormatHex:
		image, err = parseIntelHex(raw)
		if err != nil {
			return nil, err
		}
	case FormatELF:
		return nil, ErrFormatUnsupported
	default:
		return nil, tyerr.New(tyerr.Param, "firmware: unknown format %q", fmt)
	}

	return &Firmware{
		Path:  path,
		Image: image,
		Size:  len(image),
		MTime: info.ModTime().UnixNano(),
	}, nil
}

// Stat reports path's current mtime without reloading it, for the
// driver's reload-if-changed check.
func Stat(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, tyerr.Wrapf(tyerr.IO, err, "firmware: stat %q", path)
	}
	return info.ModTime().UnixNano(), nil
}
