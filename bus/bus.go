// Package bus implements tyfleet's process-wide message bus: a single
// fan-out of Log, Status and Progress messages to one handler, emitted
// synchronously on the caller's goroutine. It also hosts Logger, a
// leveled, marker-rune-tagged logging facility backed by logrus that
// mirrors every message at a matching level.
package bus

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind discriminates the tagged union of Message.
type Kind int

// Message kinds.
const (
	KindLog Kind = iota
	KindStatus
	KindProgress
)

// Level is a logging severity, simplified to the subset tyfleet's
// domain needs.
type Level int

// Log levels, most to least severe.
const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
)

// Message is the tagged union emitted on the bus. Exactly one of the
// Log/Status/Progress fields is meaningful, selected by Kind.
type Message struct {
	Kind Kind

	// Log
	Level Level
	Text  string

	// Status
	TaskName string
	Status   string

	// Progress
	Action string
	Value  int64
	Max    int64
}

// Handler receives every Message emitted on the bus.
type Handler func(Message)

var (
	mu      sync.RWMutex
	handler Handler
)

// SetHandler installs the process-wide handler. Passing nil disables
// fan-out (messages are silently dropped, matching "no handler
// attached yet" during early startup).
func SetHandler(h Handler) {
	mu.Lock()
	handler = h
	mu.Unlock()
}

// Emit delivers msg to the installed handler, synchronously, on the
// caller's goroutine -- emission never blocks beyond whatever the
// handler itself does.
func Emit(msg Message) {
	mu.RLock()
	h := handler
	mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

// Log emits a KindLog message.
func Log(level Level, format string, args ...interface{}) {
	Emit(Message{Kind: KindLog, Level: level, Text: fmt.Sprintf(format, args...)})
}

// TaskStatus emits a KindStatus message.
func TaskStatus(taskName, status string) {
	Emit(Message{Kind: KindStatus, TaskName: taskName, Status: status})
}

// Progress emits a KindProgress message.
func Progress(taskName, action string, value, max int64) {
	Emit(Message{Kind: KindProgress, TaskName: taskName, Action: action, Value: value, Max: max})
}

// logrusLevel maps a bus Level to the matching logrus level.
func logrusLevel(l Level) logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}
