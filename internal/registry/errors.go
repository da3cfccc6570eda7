package registry

import (
	"errors"
	"fmt"
	"strings"

	"transcoderexpress/internal/job"
)

var (
	// ErrNotFound is returned for an id the registry has never seen.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is wrapped by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrCorrupt is returned by New when persisted state cannot be loaded.
	ErrCorrupt = errors.New("registry state corrupt")
)

// TransitionError reports a compare-and-swap that lost: the job was not in
// any of the expected states. Losing a claim race is the common cause and is
// not a failure of the job itself.
type TransitionError struct {
	ID      string
	Current job.State
	From    []job.State
	To      job.State
}

func (e *TransitionError) Error() string {
	from := make([]string, len(e.From))
	for i, s := range e.From {
		from[i] = string(s)
	}
	return fmt.Sprintf("job %s: cannot move %s -> %s (expected one of [%s])",
		e.ID, e.Current, e.To, strings.Join(from, ","))
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
