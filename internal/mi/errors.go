package mi

import (
	"errors"
	"fmt"
)

// Sentinel errors for the mi package.
var (
	// ErrClosed is returned when operations are attempted on a closed bridge.
	ErrClosed = errors.New("mi: bridge closed")

	// ErrTimeout is returned when a command receives no result record
	// within its deadline.
	ErrTimeout = errors.New("mi: command timeout")

	// ErrProtocol is returned for output that does not fit the
	// machine-interface grammar or arrives with an unexpected class.
	ErrProtocol = errors.New("mi: protocol error")

	// ErrInvalidArgument is returned for caller mistakes detected before
	// any command is sent.
	ErrInvalidArgument = errors.New("mi: invalid argument")

	// ErrUnresolvedSymbol is returned when the debugger cannot resolve a
	// symbol, typically because no symbol file has been loaded.
	ErrUnresolvedSymbol = errors.New("mi: unresolved symbol")
)

// CommandError is an error the debugger explicitly reported for a
// command. Msg carries the debugger's message verbatim.
type CommandError struct {
	// Command is the command that failed.
	Command string
	// Msg is the debugger's error message.
	Msg string
}

// Error returns the debugger's message.
func (e *CommandError) Error() string {
	return fmt.Sprintf("mi: %s: %s", e.Command, e.Msg)
}
