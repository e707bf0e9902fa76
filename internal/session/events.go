package session

import (
	"context"
	"time"
)

const (
	inboxSize = 256

	// maxPendingInput caps input held back before the attach client is ready.
	maxPendingInput = 64 * 1024
)

// event is a message for a session actor.
type event interface{}

type attachEvent struct {
	ctx        context.Context
	conn       Conn
	cols, rows int
	reply      chan<- error
}

type detachEvent struct {
	conn Conn
}

type inputEvent struct {
	conn Conn
	data []byte
}

type resizeEvent struct {
	conn       Conn
	cols, rows int
}

type pongEvent struct {
	conn Conn
}

// PTY events carry the attachment generation they belong to; events from a
// replaced or killed PTY are discarded.
type ptyOutputEvent struct {
	gen  uint64
	data []byte
}

type ptyExitEvent struct {
	gen  uint64
	code int
}

// readyEvent fires when an attach client produced no output in time.
type readyEvent struct {
	gen uint64
}

// Timer events carry the generation of the timer that fired.
type heartbeatEvent struct {
	gen uint64
}

type graceEvent struct {
	gen uint64
}

type reclaimEvent struct {
	detachedAt time.Time
	remaining  time.Duration
}

type destroyEvent struct {
	reply chan<- error
}

type shutdownEvent struct {
	reply chan<- error
}
