package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session is neither live nor recorded.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when the live session cap is reached.
	ErrTooManySessions = errors.New("maximum number of sessions reached")

	// ErrSpawnFailed is returned when tmux or the attach PTY could not be started.
	ErrSpawnFailed = errors.New("failed to start terminal process")

	// ErrSessionClosed is returned when an operation targets a session that has been destroyed.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidSessionID is returned when a session id does not follow the naming convention.
	ErrInvalidSessionID = errors.New("invalid session id")
)
