package mdns

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by Transport.Receive when no packet arrived before the timeout.
var ErrTimeout = errors.New("mdns: receive timeout")

// ErrClosed is returned by operations on a closed engine or transport.
var ErrClosed = errors.New("mdns: closed")

// A FormatError reports malformed wire data. Received packets that fail to decode are dropped,
// so this error is only surfaced by Encode and Decode themselves.
type FormatError struct {
	Offset int // Byte offset of the problem, or -1 if unknown
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "mdns: format error: " + e.Reason
	if e.Offset >= 0 {
		msg = fmt.Sprintf("%s (offset %d)", msg, e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(off int, format string, args ...any) *FormatError {
	return &FormatError{Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// A TransportError reports a socket failure, e.g. a bind, multicast join or send error.
// The engine never retries socket setup on its own.
type TransportError struct {
	Op  string // "listen", "join", "send", ...
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mdns: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// A NameConflictError is returned by Register when probing kept running into conflicting names
// and the rename attempts were exhausted.
type NameConflictError struct {
	Name     string // The last name that was attempted
	Attempts int
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("mdns: name conflict for %q after %d attempts", e.Name, e.Attempts)
}

// A DuplicateError is returned by Register when an identical service (type, name and port) is
// already registered with the same engine.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("mdns: service %q is already registered", e.Name)
}
