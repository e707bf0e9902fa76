package protocol

import (
	"encoding/json"
)

// Outbound is a server frame ready to be encoded.
type Outbound interface {
	Kind() string
}

// SessionFrame tells the client which session it is attached to.
type SessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// OutputFrame carries terminal output.
type OutputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ExitFrame reports that the shell exited.
type ExitFrame struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

// ErrorFrame reports a fatal condition before the connection closes.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongFrame answers an application-level ping.
type PongFrame struct {
	Type string `json:"type"`
}

// ExecResultFrame carries the result of an exec frame. Error is null on success.
type ExecResultFrame struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Stdout string          `json:"stdout"`
	Stderr string          `json:"stderr"`
	Error  *string         `json:"error"`
}

func (SessionFrame) Kind() string    { return TypeSession }
func (OutputFrame) Kind() string     { return TypeOutput }
func (ExitFrame) Kind() string       { return TypeExit }
func (ErrorFrame) Kind() string      { return TypeError }
func (PongFrame) Kind() string       { return TypePong }
func (ExecResultFrame) Kind() string { return TypeExecResult }

// NewSession builds a session frame.
func NewSession(id string) SessionFrame {
	return SessionFrame{Type: TypeSession, SessionID: id}
}

// NewOutput builds an output frame.
func NewOutput(data []byte) OutputFrame {
	return OutputFrame{Type: TypeOutput, Data: string(data)}
}

// NewExit builds an exit frame.
func NewExit(code int) ExitFrame {
	return ExitFrame{Type: TypeExit, Code: code}
}

// NewError builds an error frame.
func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

// NewPong builds a pong frame.
func NewPong() PongFrame {
	return PongFrame{Type: TypePong}
}

// NewExecResult builds an exec-result frame. A nil err marks success.
func NewExecResult(id json.RawMessage, stdout, stderr string, err error) ExecResultFrame {
	f := ExecResultFrame{Type: TypeExecResult, ID: id, Stdout: stdout, Stderr: stderr}
	if err != nil {
		msg := err.Error()
		f.Error = &msg
	}
	return f
}

// Encode marshals an outbound frame.
func Encode(f Outbound) ([]byte, error) {
	return json.Marshal(f)
}
