package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("transport is closed")

// TransportError wraps an I/O failure reading or writing the channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteClosedError reports that the peer closed the channel: a close frame
// on a websocket, or EOF on the driver pipe.
type RemoteClosedError struct {
	// StatusCode is the websocket close status, or -1 for a pipe.
	StatusCode int
	Reason     string
}

func (e *RemoteClosedError) Error() string {
	if e.StatusCode < 0 {
		return "remote closed the connection"
	}
	return fmt.Sprintf("remote closed the connection (status %d): %s", e.StatusCode, e.Reason)
}

// ProtocolError reports a malformed frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}
