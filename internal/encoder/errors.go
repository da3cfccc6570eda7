package encoder

import (
	"errors"
	"fmt"
)

// Kind classifies an encoder failure.
type Kind string

const (
	// KindSpawn means the process could not be started.
	KindSpawn Kind = "spawn"
	// KindFailed means the encoder ran and reported failure.
	KindFailed Kind = "failed"
	// KindTimeout means the wall-clock limit expired and the process was killed.
	KindTimeout Kind = "timeout"
	// KindCanceled means the caller's context ended and the process was killed.
	KindCanceled Kind = "canceled"
)

var (
	ErrSpawn    = errors.New("encoder could not be started")
	ErrFailed   = errors.New("encoder failed")
	ErrTimeout  = errors.New("encoder timed out")
	ErrCanceled = errors.New("encoder canceled")
)

func (k Kind) sentinel() error {
	switch k {
	case KindSpawn:
		return ErrSpawn
	case KindTimeout:
		return ErrTimeout
	case KindCanceled:
		return ErrCanceled
	default:
		return ErrFailed
	}
}

// Error is returned by Supervisor.Run for every unsuccessful run.
// errors.Is matches the sentinel for its Kind as well as the underlying cause.
type Error struct {
	Kind Kind
	// Code is the exit status, or -1 when the process was killed by a signal.
	Code int
	// Diagnostics is the tail of the encoder's stderr and stdout.
	Diagnostics string
	Err         error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindFailed:
		msg = fmt.Sprintf("encoder exited with code %d", e.Code)
	default:
		msg = e.Kind.sentinel().Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if line := lastLine(e.Diagnostics); line != "" {
		msg += " (" + line + ")"
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}
