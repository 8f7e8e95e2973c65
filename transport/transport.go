// Package transport provides the message transports used to talk to an
// automation driver: a length-prefixed pipe over the driver's stdio, and a
// websocket connection to a remote endpoint. Both deliver discrete messages
// to registered handlers from a single background reader and report closure
// exactly once.
package transport

import (
	"context"
	"sync"
)

// Transport is a bidirectional message channel. Handlers must be registered
// before Start; after Start they are invoked from the transport's reader
// goroutine, in registration order.
type Transport interface {
	// Start launches the background reader.
	Start() error

	// Send writes one message. Concurrent sends are serialized; partial
	// frames of two messages never interleave.
	Send(ctx context.Context, msg []byte) error

	// OnMessage registers a handler for received messages.
	OnMessage(fn func(msg []byte))

	// OnClose registers a handler invoked exactly once when the transport
	// closes. reason is nil for a clean local close.
	OnClose(fn func(reason error))

	// Close shuts the transport down. Idempotent; only the first call's
	// reason is reported.
	Close(reason error)

	// Dispose closes the transport and blocks until the background reader
	// has exited, then releases the underlying channel.
	Dispose(ctx context.Context) error
}

// handlers is the ordered, synchronous event fan-out shared by the transport
// implementations.
type handlers struct {
	mu      sync.Mutex
	message []func([]byte)
	closed  []func(error)
	logLine []func(string)
}

func (h *handlers) OnMessage(fn func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.message = append(h.message, fn)
}

func (h *handlers) OnClose(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, fn)
}

func (h *handlers) OnLog(fn func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logLine = append(h.logLine, fn)
}

func (h *handlers) emitMessage(msg []byte) {
	h.mu.Lock()
	fns := h.message
	h.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (h *handlers) emitClosed(reason error) {
	h.mu.Lock()
	fns := h.closed
	h.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

func (h *handlers) emitLog(line string) {
	h.mu.Lock()
	fns := h.logLine
	h.mu.Unlock()
	for _, fn := range fns {
		fn(line)
	}
}
