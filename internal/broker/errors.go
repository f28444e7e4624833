package broker

import (
	"errors"
	"fmt"
)

// Sentinel failure kinds. Every gateway method wraps one of these so callers
// can classify with errors.Is without parsing strings.
var (
	// ErrTransport means the channel itself failed (connection, IO).
	ErrTransport = errors.New("broker: transport failure")
	// ErrTimeout means the operation exceeded its budget.
	ErrTimeout = errors.New("broker: timeout")
	// ErrMalformed means the response was missing required fields or had
	// the wrong types.
	ErrMalformed = errors.New("broker: malformed response")
	// ErrCancelled means shutdown was signaled while the call was pending.
	ErrCancelled = errors.New("broker: cancelled")
	// ErrInvariant means a precondition inside the core was violated.
	// It is fatal to the control loop.
	ErrInvariant = errors.New("broker: invariant violation")
)

// RejectedError is returned when the broker answered with success=false or
// a negative acknowledgement.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("broker: %s rejected", e.Op)
	}
	return fmt.Sprintf("broker: %s rejected: %s", e.Op, e.Reason)
}

// IsRejected reports whether err is a broker rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsRetryable reports whether a read operation may be retried. Only
// transport and timeout failures qualify; rejections and malformed
// responses are final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}
