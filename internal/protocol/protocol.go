// Package protocol defines the JSON frames exchanged with terminal clients.
//
// Inbound frames are decoded into a closed set of types; anything else is
// rejected with a *DecodeError so malformed input never reaches a session.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame type tags.
const (
	TypeInput      = "input"
	TypeResize     = "resize"
	TypeCommand    = "command"
	TypePing       = "ping"
	TypeExec       = "exec"
	TypeSession    = "session"
	TypeOutput     = "output"
	TypeExit       = "exit"
	TypeError      = "error"
	TypePong       = "pong"
	TypeExecResult = "exec-result"
)

// MaxDimension bounds resize requests.
const MaxDimension = 10000

// Inbound is a validated client frame.
type Inbound interface {
	Kind() string
}

// Input is raw keystroke data for the PTY.
type Input struct {
	Data string
}

// Resize changes the terminal dimensions.
type Resize struct {
	Cols int
	Rows int
}

// Command is a line of text submitted with a trailing carriage return.
type Command struct {
	Data string
}

// Ping asks for an application-level pong.
type Ping struct{}

// Exec runs a command out of band. ID is echoed verbatim in the result.
type Exec struct {
	ID      json.RawMessage
	Command string
}

func (Input) Kind() string   { return TypeInput }
func (Resize) Kind() string  { return TypeResize }
func (Command) Kind() string { return TypeCommand }
func (Ping) Kind() string    { return TypePing }
func (Exec) Kind() string    { return TypeExec }

// Line returns the bytes written to the PTY for a command frame.
func (c Command) Line() []byte {
	return []byte(c.Data + "\r")
}

// DecodeError describes a rejected inbound frame.
type DecodeError struct {
	Type   string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "invalid frame: " + e.Reason
	}
	return fmt.Sprintf("invalid %q frame: %s", e.Type, e.Reason)
}

type envelope struct {
	Type    *string         `json:"type"`
	Data    *string         `json:"data"`
	Cols    *int            `json:"cols"`
	Rows    *int            `json:"rows"`
	ID      json.RawMessage `json:"id"`
	Command *string         `json:"command"`
}

// Decode parses and validates one inbound frame.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed json"}
	}
	if env.Type == nil {
		return nil, &DecodeError{Reason: "missing type"}
	}

	kind := *env.Type
	switch kind {
	case TypeInput:
		if env.Data == nil {
			return nil, &DecodeError{Type: kind, Reason: "missing data"}
		}
		return Input{Data: *env.Data}, nil

	case TypeCommand:
		if env.Data == nil {
			return nil, &DecodeError{Type: kind, Reason: "missing data"}
		}
		return Command{Data: *env.Data}, nil

	case TypeResize:
		if env.Cols == nil || env.Rows == nil {
			return nil, &DecodeError{Type: kind, Reason: "missing cols or rows"}
		}
		if !ValidSize(*env.Cols, *env.Rows) {
			return nil, &DecodeError{Type: kind, Reason: fmt.Sprintf("invalid size %dx%d", *env.Cols, *env.Rows)}
		}
		return Resize{Cols: *env.Cols, Rows: *env.Rows}, nil

	case TypePing:
		return Ping{}, nil

	case TypeExec:
		if !validExecID(env.ID) {
			return nil, &DecodeError{Type: kind, Reason: "id must be a non-empty string or a number"}
		}
		if env.Command == nil || *env.Command == "" {
			return nil, &DecodeError{Type: kind, Reason: "missing command"}
		}
		return Exec{ID: env.ID, Command: *env.Command}, nil
	}

	return nil, &DecodeError{Type: kind, Reason: "unknown type"}
}

// ValidSize reports whether cols x rows is an acceptable terminal size.
func ValidSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= MaxDimension && rows <= MaxDimension
}

func validExecID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return false
	}
	switch id[0] {
	case '"':
		var s string
		return json.Unmarshal(id, &s) == nil && s != ""
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(id, &n) == nil
	}
	return false
}
