package treadmill

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a command is sent before the session reaches Ready.
	ErrNotReady = errors.New("treadmill not ready")
	// ErrMissingCharacteristic is returned when the connected device lacks the FTMS
	// service or one of the characteristics this client needs.
	ErrMissingCharacteristic = errors.New("required characteristic missing")
)

// TransportError wraps a failure reported by the transport. It always ends the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
