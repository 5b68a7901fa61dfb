package device

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoDeviceFound = errors.New("no haptic device found")
	ErrOpenFailed    = errors.New("failed to open haptic device")
	ErrReadFault     = errors.New("failed to read device state")
	ErrWriteFault    = errors.New("failed to send force to device")
	ErrReleased      = errors.New("device handle released")
)

// Kind classifies device errors.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNoDeviceFound
	KindOpenFailed
	KindReadFault
	KindWriteFault
)

func (k Kind) String() string {
	switch k {
	case KindNoDeviceFound:
		return "no_device_found"
	case KindOpenFailed:
		return "open_failed"
	case KindReadFault:
		return "read_fault"
	case KindWriteFault:
		return "write_fault"
	default:
		return "unknown"
	}
}

var kindSentinels = map[Kind]error{
	KindNoDeviceFound: ErrNoDeviceFound,
	KindOpenFailed:    ErrOpenFailed,
	KindReadFault:     ErrReadFault,
	KindWriteFault:    ErrWriteFault,
}

// Error is a device error with the operation and driver cause attached.
// errors.Is matches it against the sentinel of its Kind.
type Error struct {
	Kind      Kind
	Index     int
	Op        string
	Cause     error
	Timestamp time.Time
}

func newError(kind Kind, index int, op string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Index:     index,
		Op:        op,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	msg := kindSentinels[e.Kind]
	if msg == nil {
		msg = errors.New("device error")
	}
	s := fmt.Sprintf("%s (device %d, %s)", msg, e.Index, e.Op)
	if e.Cause != nil {
		return s + ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// IsFatal reports whether the error prevents the control loop from running.
// Only acquisition failures are fatal; per-iteration faults never are.
func (e *Error) IsFatal() bool {
	return e.Kind == KindNoDeviceFound || e.Kind == KindOpenFailed
}

// IsTemporary reports whether the next iteration may succeed.
func (e *Error) IsTemporary() bool {
	return e.Kind == KindReadFault || e.Kind == KindWriteFault
}

// IsFatal is the errors.As shortcut for *Error.IsFatal.
func IsFatal(err error) bool {
	var devErr *Error
	if errors.As(err, &devErr) {
		return devErr.IsFatal()
	}
	return false
}
