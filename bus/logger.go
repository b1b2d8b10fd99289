package bus

import (
	"github.com/sirupsen/logrus"
)

// Logger wires a *logrus.Logger to the message bus: calling its
// Error/Info/Debug methods both logs through logrus and emits the
// matching bus.Message, so a single call site drives both the log
// file and any GUI/CLI subscriber. The marker rune argument tags each
// line with a one-character category, carried as a logrus field
// ("mark") rather than glued onto the text.
type Logger struct {
	backend *logrus.Logger
}

// NewLogger creates a Logger backed by a fresh logrus.Logger writing
// to stderr in text format.
func NewLogger() *Logger {
	l := logrus.New()
	return &Logger{backend: l}
}

// Backend returns the underlying logrus.Logger, for callers (cmd/tyfleet)
// that need to reconfigure the output (formatter, level, destination).
func (lg *Logger) Backend() *logrus.Logger { return lg.backend }

// SetLevel adjusts the minimum severity the backend emits.
func (lg *Logger) SetLevel(level Level) {
	switch level {
	case LevelError:
		lg.backend.SetLevel(logrus.ErrorLevel)
	case LevelDebug:
		lg.backend.SetLevel(logrus.DebugLevel)
	default:
		lg.backend.SetLevel(logrus.InfoLevel)
	}
}

func (lg *Logger) emit(level Level, mark rune, format string, args []interface{}) {
	entry := lg.backend.WithField("mark", string(mark))
	Log(level, format, args...)
	switch level {
	case LevelError:
		entry.Errorf(format, args...)
	case LevelDebug:
		entry.Debugf(format, args...)
	default:
		entry.Infof(format, args...)
	}
}

// Error logs and emits an error-level message.
func (lg *Logger) Error(mark rune, format string, args ...interface{}) {
	lg.emit(LevelError, mark, format, args)
}

// Info logs and emits an info-level message.
func (lg *Logger) Info(mark rune, format string, args ...interface{}) {
	lg.emit(LevelInfo, mark, format, args)
}

// Debug logs and emits a debug-level message.
func (lg *Logger) Debug(mark rune, format string, args ...interface{}) {
	lg.emit(LevelDebug, mark, format, args)
}

// HexDump writes data as a classic 16-bytes-per-line hex/ASCII dump at
// debug level: offset, 16 space-separated hex bytes, then the ASCII
// rendering (non-printable bytes shown as '.'). Used to trace the
// leading bytes of a loaded firmware image when debug logging is on.
func (lg *Logger) HexDump(data []byte) {
	off := 0
	for len(data) > 0 {
		n := len(data)
		if n > 16 {
			n = 16
		}

		hex := make([]byte, 0, 48)
		chr := make([]byte, 0, 16)
		for i := 0; i < n; i++ {
			c := data[i]
			hex = append(hex, hexDigits[c>>4], hexDigits[c&0xf], ' ')
			if 0x20 <= c && c < 0x80 {
				chr = append(chr, c)
			} else {
				chr = append(chr, '.')
			}
		}

		lg.Debug(' ', "%4.4x: %-48s %s", off, string(hex), string(chr))

		off += n
		data = data[n:]
	}
}

const hexDigits = "0123456789abcdef"

// trace is the package-wide Logger used by packages below cmd/tyfleet
// that want to emit a debug-level trace without carrying a *Logger of
// their own through every call site. Its own logrus backend keeps
// logrus's default level and is never reconfigured; every line it logs
// is also emitted through bus.Log, so what reaches the CLI is decided
// by the bus handler's level filter, not by this backend.
var trace = NewLogger()

// HexDumpDebug emits a debug-level hex/ASCII dump of data through the
// package-wide trace Logger, for callers (upload) that want to surface
// the first bytes of a loaded image without holding a *Logger.
func HexDumpDebug(data []byte) {
	trace.HexDump(data)
}
