package link

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the retry budget was exhausted without an
	// acknowledgement. The command may or may not have been executed.
	ErrTimeout = errors.New("link: command acknowledgement timed out")

	// ErrMalformed marks a frame that could not be parsed. Malformed frames
	// are dropped and logged; they never count as an acknowledgement.
	ErrMalformed = errors.New("link: malformed frame")

	// ErrAmbiguousLockState is the one safety fault: a command was partially
	// written to the wire, so neither an ack nor a clean timeout can tell us
	// whether the actuator acted. Callers must treat the physical lock state
	// as unknown.
	ErrAmbiguousLockState = errors.New("link: ambiguous lock state")
)

// RejectedError is returned when the actuator answered ERROR <reason>.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("link: command rejected: %s", e.Reason)
}
