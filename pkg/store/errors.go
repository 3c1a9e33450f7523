package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
)

// Sentinel errors surfaced by store operations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition indicates a task phase transition outside the
	// pipeline order.
	ErrIllegalTransition = errors.New("illegal phase transition")

	// ErrTaskTerminal indicates a write against a task whose status is
	// already terminal.
	ErrTaskTerminal = errors.New("task is terminal")
)

// UnavailableError wraps a connection-level failure that survived the retry
// budget. Callers treat it as "store down", not as a data error.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a store-unavailable failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// isTransient classifies errors worth retrying: connection resets, refused
// dials, bad pooled connections. Logic errors (not found, illegal
// transition) and context cancellation are never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrTaskTerminal) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// database/sql surfaces dead pooled connections as ErrBadConn.
	return errors.Is(err, driver.ErrBadConn)
}
