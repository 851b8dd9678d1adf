package qmp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the qmp package.
var (
	// ErrNotConnected is returned when the client has no live connection.
	ErrNotConnected = errors.New("qmp: not connected")

	// ErrNotNegotiated is returned when a command is issued before
	// capabilities negotiation has completed.
	ErrNotNegotiated = errors.New("qmp: capabilities not negotiated")

	// ErrTimeout is returned when a bounded read elapsed with no complete
	// response. The connection remains usable.
	ErrTimeout = errors.New("qmp: receive timeout")

	// ErrClosed is returned when operations are attempted on a closed client.
	ErrClosed = errors.New("qmp: client closed")

	// ErrProtocol is returned for malformed or unexpected responses.
	// The connection should be considered suspect.
	ErrProtocol = errors.New("qmp: protocol error")

	// ErrVersionUnsupported is returned when the simulator reports a
	// version older than the supported baseline.
	ErrVersionUnsupported = errors.New("qmp: simulator version unsupported")
)

// RemoteError is an error the simulator explicitly reported for a command.
type RemoteError struct {
	// Class is the simulator's error class (e.g. "GenericError").
	Class string
	// Desc is the simulator's human-readable description.
	Desc string
}

// Error returns the simulator's message.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("qmp: %s: %s", e.Class, e.Desc)
}
