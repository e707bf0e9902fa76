// Package ws bridges WebSocket connections to terminal sessions.
//
// The package implements:
//   - Client: one connection with a bounded control queue and a drop-oldest
//     output ring, written by a single writer goroutine
//   - Handler: upgrades requests, resolves and attaches the session, and
//     dispatches inbound frames (input, resize, command, ping, exec)
//
// A connection carries at most one session and a session has at most one
// connection. Closing the socket detaches it; the session survives for the
// grace window and a reconnect with the same sessionId resumes it.
package ws
