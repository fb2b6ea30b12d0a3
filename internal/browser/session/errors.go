// internal/browser/session/errors.go
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the debugging endpoint could not be reached
	// within the connect budget.
	ErrConnection = errors.New("session: debugging endpoint unreachable")
	// ErrTimeout is returned when a command or event wait outlives its deadline.
	ErrTimeout = errors.New("session: deadline exceeded")
	// ErrSessionClosed is returned to every caller still waiting when the session closes.
	ErrSessionClosed = errors.New("session: closed")
)

// ProtocolError is a command response that carried an error payload instead of a result.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %s (%d)", e.Method, e.Message, e.Code)
}
