// internal/browser/errors.go
package browser

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when no usable browser executable is configured or found.
	ErrConfiguration = errors.New("browser: configuration error")
	// ErrClosed is returned by page operations on a closed instance.
	ErrClosed = errors.New("browser: instance is closed")
	// ErrElementNotFound is returned when a selector matches no element.
	ErrElementNotFound = errors.New("browser: element not found")
	// ErrNavigation is returned when the browser refuses or fails a navigation.
	ErrNavigation = errors.New("browser: navigation failed")
)

// ScriptError is an exception thrown by evaluated page script.
type ScriptError struct {
	Text        string
	Description string
	Line        int64
	Column      int64
}

func (e *ScriptError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Text
	}
	return fmt.Sprintf("script error at %d:%d: %s", e.Line, e.Column, msg)
}
