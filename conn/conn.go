// Package conn implements the connection layer between the host and an
// automation driver: it encodes outgoing calls, correlates responses to the
// callers waiting on them, routes events to registered remote objects, and
// cascades a shutdown through everything that depends on the transport when
// the transport goes away.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mus65/driverlink/transport"
	"go.uber.org/zap"
)

// RemoteObject is the local proxy side of a server-side object. The
// connection delivers events targeted at the object's guid to OnEvent, and
// calls OnClose exactly once when the connection shuts down while the object
// is still registered.
type RemoteObject interface {
	OnEvent(method string, params json.RawMessage)
	OnClose(reason error)
}

// Connection drives exactly one transport. It is safe for concurrent use;
// any number of goroutines may issue calls while the transport's reader
// dispatches incoming messages.
type Connection struct {
	log        *zap.SugaredLogger
	transport  transport.Transport
	serializer Serializer

	mu          sync.Mutex
	lastID      uint64
	pending     map[uint64]*pendingCall
	objects     map[string]RemoteObject
	closed      bool
	closeReason error
	preClose    []func(error)
	onClose     func(error)
	isRemote    bool
}

type pendingCall struct {
	id       uint64
	issuedAt time.Time
	done     chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

type Option func(c *Connection)

// WithSerializer replaces the default JSON serializer.
func WithSerializer(s Serializer) Option {
	return func(c *Connection) {
		c.serializer = s
	}
}

// New builds a connection over t and wires itself to the transport's message
// and close events. The caller still has to Start the connection.
func New(log *zap.SugaredLogger, t transport.Transport, opts ...Option) *Connection {
	c := &Connection{
		log:        log.Named("connection"),
		transport:  t,
		serializer: JSONSerializer{},
		pending:    map[uint64]*pendingCall{},
		objects:    map[string]RemoteObject{},
	}
	for _, o := range opts {
		o(c)
	}

	t.OnMessage(c.dispatch)
	t.OnClose(c.transportClosed)

	return c
}

// Start launches the transport's background reader.
func (c *Connection) Start() error {
	return c.transport.Start()
}

// MarkRemote flags the connection as driving a remote endpoint rather than a
// local subprocess. Set it before issuing calls; it only informs downstream
// negotiation, never dispatch.
func (c *Connection) MarkRemote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isRemote = true
}

func (c *Connection) IsRemote() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRemote
}

// Call invokes method on the remote object named by call.GUID and suspends
// the caller until the matching response arrives, ctx is done, or the
// connection closes. After closure it fails immediately with a ClosedError.
func (c *Connection) Call(ctx context.Context, call Call) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		reason := c.closeReason
		c.mu.Unlock()
		return nil, &ClosedError{Reason: reason}
	}
	c.lastID++
	pc := &pendingCall{
		id:       c.lastID,
		issuedAt: time.Now(),
		done:     make(chan callResult, 1),
	}
	c.pending[pc.id] = pc
	c.mu.Unlock()

	b, err := c.serializer.Encode(outgoingMessage{
		ID:     pc.id,
		GUID:   call.GUID,
		Method: call.Method,
		Params: call.Params,
	}, call.KeepNulls)
	if err != nil {
		c.removePending(pc.id)
		return nil, fmt.Errorf("encoding call %s: %w", call.Method, err)
	}

	c.log.Debugw("-> call", "ID", pc.id, "GUID", call.GUID, "Method", call.Method)
	if err := c.transport.Send(ctx, b); err != nil {
		c.removePending(pc.id)
		return nil, fmt.Errorf("sending call %s: %w", call.Method, err)
	}

	select {
	case res := <-pc.done:
		return res.result, res.err
	case <-ctx.Done():
		c.removePending(pc.id)
		return nil, ctx.Err()
	}
}

func (c *Connection) removePending(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// dispatch routes one decoded incoming message: responses resolve the pending
// call with the matching correlation id, everything else is delivered to the
// registered object the guid names. Unknown ids and guids are dropped; they
// model the benign race where the local side already gave up on the call or
// disposed the object.
func (c *Connection) dispatch(b []byte) {
	var msg message
	if err := c.serializer.Decode(b, &msg); err != nil {
		c.log.Debugf("closing: undecodable message: %s", err)
		c.Close(&transport.ProtocolError{Reason: fmt.Sprintf("undecodable message: %s", err)})
		return
	}

	switch {
	case msg.ID != 0:
		c.mu.Lock()
		pc, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debugf("dropping response for unknown call %d", msg.ID)
			return
		}
		c.log.Debugw("<- response", "ID", msg.ID, "After", time.Since(pc.issuedAt))
		if msg.Error != nil {
			pc.done <- callResult{err: &RemoteError{Payload: msg.Error}}
			return
		}
		pc.done <- callResult{result: msg.Result}

	case msg.GUID != "":
		c.mu.Lock()
		obj, ok := c.objects[msg.GUID]
		c.mu.Unlock()
		if !ok {
			c.log.Debugf("dropping %s event for unknown object %q", msg.Method, msg.GUID)
			return
		}
		obj.OnEvent(msg.Method, msg.Params)

	default:
		c.log.Debugf("dropping message with neither id nor guid: %s", b)
	}
}

// Register adds obj to the registry under guid. If the connection is already
// closed the object is notified immediately instead.
func (c *Connection) Register(guid string, obj RemoteObject) {
	c.mu.Lock()
	if c.closed {
		reason := c.closeReason
		c.mu.Unlock()
		obj.OnClose(reason)
		return
	}
	c.objects[guid] = obj
	c.mu.Unlock()
}

// Unregister removes guid from the registry. The object receives no further
// events or close notification afterwards.
func (c *Connection) Unregister(guid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, guid)
}

// OnPreClose registers a hook run before the generic close cascade, in
// registration order. The embedding layer uses these to walk its own object
// tree (browser, contexts, pages) before the registry is torn down.
func (c *Connection) OnPreClose(fn func(reason error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preClose = append(c.preClose, fn)
}

// SetOnClose installs the top-level hook invoked after the cascade finishes.
func (c *Connection) SetOnClose(fn func(reason error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *Connection) transportClosed(reason error) {
	c.Close(reason)
}

// Close shuts the connection down: pre-close hooks first, then every pending
// call resolves with a ClosedError carrying reason, then every registered
// object is notified exactly once, then the top-level hook. Closing twice, or
// racing a local close against a transport failure, is a no-op the second
// time.
func (c *Connection) Close(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason

	pending := make([]*pendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		pending = append(pending, pc)
	}
	c.pending = map[uint64]*pendingCall{}

	objects := make([]RemoteObject, 0, len(c.objects))
	for _, obj := range c.objects {
		objects = append(objects, obj)
	}
	c.objects = map[string]RemoteObject{}

	hooks := c.preClose
	onClose := c.onClose
	c.mu.Unlock()

	c.log.Debugw("closing connection", "Reason", reason, "Pending", len(pending), "Objects", len(objects))

	// Make sure the transport stops regardless of what triggered the close.
	// If the trigger was the transport itself this is a no-op.
	c.transport.Close(reason)

	for _, fn := range hooks {
		fn(reason)
	}

	cerr := &ClosedError{Reason: reason}
	for _, pc := range pending {
		pc.done <- callResult{err: cerr}
	}

	for _, obj := range objects {
		obj.OnClose(reason)
	}

	if onClose != nil {
		onClose(reason)
	}
}

// Dispose closes the connection and waits for the transport's background
// reader to terminate before releasing the underlying channel.
func (c *Connection) Dispose(ctx context.Context) error {
	c.Close(nil)
	return c.transport.Dispose(ctx)
}
