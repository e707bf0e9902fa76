package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionIDPrefix marks tmux sessions owned by the broker.
const SessionIDPrefix = "shell-"

var sessionIDPattern = regexp.MustCompile(`^shell-[A-Za-z0-9_-]{4,64}$`)

// NewSessionID returns a fresh session id, which is also the tmux session name.
func NewSessionID() string {
	return SessionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ValidSessionID reports whether id follows the broker's naming convention.
// Ids that fail this check are never passed to tmux.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SessionStatus is the last known lifecycle state recorded in the ledger.
type SessionStatus string

const (
	SessionStatusAttached SessionStatus = "attached"
	SessionStatusDetached SessionStatus = "detached"
	SessionStatusExited   SessionStatus = "exited"
	SessionStatusReaped   SessionStatus = "reaped"
	SessionStatusKilled   SessionStatus = "killed"
)

// Terminal reports whether the status ends the session for good.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusExited, SessionStatusReaped, SessionStatusKilled:
		return true
	}
	return false
}

// SessionRecord is one row of the session ledger. Terminal content is never stored.
type SessionRecord struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	Cols        int           `json:"cols"`
	Rows        int           `json:"rows"`
	AttachCount int           `json:"attachCount"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	DetachedAt  *time.Time    `json:"detachedAt,omitempty"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
}

// SessionState is the in-memory state of a live session.
type SessionState string

const (
	SessionStateUnattached SessionState = "unattached"
	SessionStateAttached   SessionState = "attached"
	SessionStateDestroyed  SessionState = "destroyed"
)

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID         string       `json:"id"`
	State      SessionState `json:"state"`
	Cols       int          `json:"cols"`
	Rows       int          `json:"rows"`
	PID        int          `json:"pid,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	DetachedAt *time.Time   `json:"detachedAt,omitempty"`
}
