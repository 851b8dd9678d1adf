package session

import "errors"

// Sentinel errors for the session package.
var (
	// ErrNotReady is returned when an operation requires a started,
	// non-terminated session.
	ErrNotReady = errors.New("session: not ready")

	// ErrAlreadyStarted is returned when Start is called on a session
	// that is past NotStarted.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrSessionExists is returned when a live session already holds the
	// requested name.
	ErrSessionExists = errors.New("session: name already in use")

	// ErrSessionNotFound is returned for lookups of unknown session names.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrNoSnapshot is returned when deleting a snapshot the session has
	// no record of.
	ErrNoSnapshot = errors.New("session: unknown snapshot")
)
