// Package tyerr implements the error-kind taxonomy shared across
// tyfleet: every operation that can fail returns an error whose kind
// can be recovered with KindOf, without requiring callers to inspect
// string text or sentinel identity.
package tyerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error the way the board manager, pool and upload
// driver need to branch on failure: by category, not by message text.
type Kind int

// Error kinds. Memory and Other are catch-alls; the rest name a
// specific, recoverable condition callers are expected to branch on.
const (
	Other Kind = iota
	Memory
	Param
	Range
	Mode
	NotFound
	IO
	Access
	Busy
	Firmware
)

// String returns a short, lower-case name for the kind.
func (k Kind) String() string {
	switch k {
	case Memory:
		return "memory"
	case Param:
		return "param"
	case Range:
		return "range"
	case Mode:
		return "mode"
	case NotFound:
		return "not_found"
	case IO:
		return "io"
	case Access:
		return "access"
	case Busy:
		return "busy"
	case Firmware:
		return "firmware"
	default:
		return "other"
	}
}

// kindError pairs an error with its kind. It is never exported
// directly; callers interact with it through New, Wrap and KindOf.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Cause() error  { return e.err }
func (e *kindError) Unwrap() error { return e.err }

// New creates an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with a message and assigns it a kind. A nil err
// returns nil, matching errors.Wrap's convention.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, message)}
}

// Wrapf is Wrap with a format string.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// KindOf returns the Kind attached to err by New/Wrap, or Other if err
// was not produced by this package.
func KindOf(err error) Kind {
	var ke *kindError
	for err != nil {
		if k, ok := err.(*kindError); ok {
			ke = k
			break
		}
		err = errors.Unwrap(err)
	}
	if ke == nil {
		return Other
	}
	return ke.kind
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinel errors used across the board/task runtime.
var (
	ErrDropped    = New(NotFound, "board was dropped")
	ErrNoCapacity = New(Mode, "board does not expose the requested capability")
	ErrTimeout    = New(NotFound, "timed out waiting for condition")
	ErrShutdown   = New(Other, "pool is shutting down")
)
