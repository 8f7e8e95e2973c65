package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// LaunchOptionsHeader carries the caller's launch options, JSON-encoded, to
// the remote endpoint during the handshake.
const LaunchOptionsHeader = "X-Driverlink-Launch-Options"

const readChunkSize = 4096

// ErrVersionMismatch is returned by DialWebSocket when the remote endpoint
// rejects the handshake because of an incompatible client version.
var ErrVersionMismatch = errors.New("remote endpoint rejected the client version")

// wsConn is the subset of *websocket.Conn the transport uses. It exists so
// tests can substitute a fake connection.
type wsConn interface {
	Reader(ctx context.Context) (websocket.MessageType, io.Reader, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// WebSocket is a Transport over a websocket connection to a remote automation
// endpoint. Each message is one text message on the wire; the read loop
// reassembles messages that arrive split across frames.
type WebSocket struct {
	handlers

	log  *zap.SugaredLogger
	conn wsConn

	readCtx    context.Context
	readCancel context.CancelFunc

	writeMu sync.Mutex

	// closeMu guards isClosed. A plain flag instead of sync.Once: the closed
	// event can re-enter Close through the connection layer's cascade, and a
	// reentrant once.Do would deadlock.
	closeMu    sync.Mutex
	isClosed   bool
	closed     chan struct{}
	readerDone chan struct{}
}

type wsDialConfig struct {
	headers       http.Header
	launchOptions any
	httpClient    *http.Client
}

type WSOption func(c *wsDialConfig)

// WithHeaders adds caller-supplied headers to the handshake request.
func WithHeaders(h http.Header) WSOption {
	return func(c *wsDialConfig) {
		c.headers = h
	}
}

// WithLaunchOptions sends the given options to the remote endpoint as a JSON
// blob in the handshake headers.
func WithLaunchOptions(v any) WSOption {
	return func(c *wsDialConfig) {
		c.launchOptions = v
	}
}

func WithHTTPClient(client *http.Client) WSOption {
	return func(c *wsDialConfig) {
		c.httpClient = client
	}
}

// DialWebSocket connects to a remote automation endpoint. The handshake
// advertises the client label and version; a rejection with HTTP 426 is
// surfaced as ErrVersionMismatch and never retried.
func DialWebSocket(ctx context.Context, log *zap.SugaredLogger, url string, opts ...WSOption) (*WebSocket, error) {
	var cfg wsDialConfig
	for _, o := range opts {
		o(&cfg)
	}

	headers := http.Header{}
	for k, vs := range cfg.headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	headers.Set("User-Agent", fmt.Sprintf("%s/%s", ClientLabel, Version))
	if cfg.launchOptions != nil {
		b, err := json.Marshal(cfg.launchOptions)
		if err != nil {
			return nil, fmt.Errorf("encoding launch options: %w", err)
		}
		headers.Set(LaunchOptionsHeader, string(b))
	}

	log.Debugw("dialing automation endpoint", "URL", url)
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: cfg.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUpgradeRequired {
			return nil, fmt.Errorf("connecting to %s: %w", url, ErrVersionMismatch)
		}
		return nil, fmt.Errorf("establishing websocket conn to %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	return newWebSocket(log, conn), nil
}

func newWebSocket(log *zap.SugaredLogger, conn wsConn) *WebSocket {
	readCtx, readCancel := context.WithCancel(context.Background())
	return &WebSocket{
		log:        log.Named("ws_transport"),
		conn:       conn,
		readCtx:    readCtx,
		readCancel: readCancel,
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (t *WebSocket) Start() error {
	go t.readLoop()
	return nil
}

func (t *WebSocket) readLoop() {
	defer close(t.readerDone)

	chunk := make([]byte, readChunkSize)
	for {
		_, r, err := t.conn.Reader(t.readCtx)
		if err != nil {
			t.handleReadError(err)
			return
		}

		// A logical message may arrive split across frames; accumulate
		// until the reader reports end of message.
		var buf bytes.Buffer
		for {
			n, err := r.Read(chunk)
			buf.Write(chunk[:n])
			if err == io.EOF {
				break
			}
			if err != nil {
				t.handleReadError(err)
				return
			}
		}
		t.emitMessage(buf.Bytes())
	}
}

func (t *WebSocket) handleReadError(err error) {
	select {
	case <-t.closed:
		return
	default:
	}
	if t.readCtx.Err() != nil {
		// Cancelled by a local close; silent exit.
		return
	}
	if status := websocket.CloseStatus(err); status != -1 {
		reason := ""
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		t.log.Debugf("remote peer closed the connection: %s", err)
		t.Close(&RemoteClosedError{StatusCode: int(status), Reason: reason})
		return
	}
	t.Close(&TransportError{Op: "read", Err: err})
}

func (t *WebSocket) Send(ctx context.Context, msg []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *WebSocket) Close(reason error) {
	t.closeMu.Lock()
	if t.isClosed {
		t.closeMu.Unlock()
		return
	}
	t.isClosed = true
	t.closeMu.Unlock()

	close(t.closed)
	t.readCancel()

	code := websocket.StatusNormalClosure
	msg := ""
	if reason != nil {
		code = websocket.StatusInternalError
		msg = reason.Error()
	}
	// websocket close reasons can't be above 123 chars
	if len(msg) > 100 {
		msg = msg[0:100]
	}
	if err := t.conn.Close(code, msg); err != nil {
		t.log.Debugf("error closing conn: %s", err)
	}

	t.emitClosed(reason)
}

func (t *WebSocket) Dispose(ctx context.Context) error {
	t.Close(nil)
	select {
	case <-t.readerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Transport = (*WebSocket)(nil)
var _ wsConn = (*websocket.Conn)(nil)
