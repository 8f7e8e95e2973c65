package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// LogStdoutEnvVar switches the default sink for driver log lines from stderr
// to stdout. It affects only where log lines go, never message framing.
const LogStdoutEnvVar = "DRIVERLINK_LOG_STDOUT"

// maxFrameSize bounds a single length-prefixed frame. Anything larger is
// treated as a corrupted stream rather than an allocation request.
const maxFrameSize = 1 << 28

// Pipe is a Transport over the stdio of a driver subprocess. Messages are
// framed with a 4-byte little-endian length prefix. The driver's stdout is
// the read side and its stdin the write side; an optional stderr reader is a
// line-oriented log side channel surfaced through OnLog.
type Pipe struct {
	handlers

	log    *zap.SugaredLogger
	reader io.Reader
	writer io.Writer
	stderr io.Reader

	writeMu sync.Mutex

	// closeMu guards isClosed. A plain flag instead of sync.Once: the closed
	// event can re-enter Close through the connection layer's cascade, and a
	// reentrant once.Do would deadlock.
	closeMu    sync.Mutex
	isClosed   bool
	closed     chan struct{}
	readerDone chan struct{}
	stderrDone chan struct{}
}

// driverLogSink picks where driver log lines go by default. Test harnesses
// that capture stderr set LogStdoutEnvVar to move them to stdout.
func driverLogSink() *os.File {
	if os.Getenv(LogStdoutEnvVar) != "" {
		return os.Stdout
	}
	return os.Stderr
}

type PipeOption func(p *Pipe)

// WithPipeStderr attaches the driver's stderr as the log side channel.
func WithPipeStderr(r io.Reader) PipeOption {
	return func(p *Pipe) {
		p.stderr = r
	}
}

// NewPipe builds a pipe transport over the given read and write sides.
// If either side implements io.Closer it is closed when the transport closes,
// which also unblocks the background reader.
func NewPipe(log *zap.SugaredLogger, r io.Reader, w io.Writer, opts ...PipeOption) *Pipe {
	p := &Pipe{
		log:        log.Named("pipe_transport"),
		reader:     r,
		writer:     w,
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	logSink := driverLogSink()
	p.OnLog(func(line string) {
		fmt.Fprintln(logSink, line)
	})

	return p
}

func (p *Pipe) Start() error {
	go p.readLoop()
	if p.stderr != nil {
		go p.readStderr()
	} else {
		close(p.stderrDone)
	}
	return nil
}

func (p *Pipe) readLoop() {
	defer close(p.readerDone)

	br := bufio.NewReader(p.reader)
	var prefix [4]byte
	for {
		if _, err := io.ReadFull(br, prefix[:]); err != nil {
			p.handleReadError(err)
			return
		}
		n := binary.LittleEndian.Uint32(prefix[:])
		if n > maxFrameSize {
			p.Close(&ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", n)})
			return
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(br, msg); err != nil {
			p.handleReadError(err)
			return
		}
		p.emitMessage(msg)
	}
}

func (p *Pipe) handleReadError(err error) {
	select {
	case <-p.closed:
		// Local close tore down the underlying pipe; not an error.
		return
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		p.log.Debugf("driver pipe closed by remote: %s", err)
		p.Close(&RemoteClosedError{StatusCode: -1})
		return
	}
	p.Close(&TransportError{Op: "read", Err: err})
}

func (p *Pipe) readStderr() {
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		p.emitLog(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.log.Debugf("driver stderr reader stopped: %s", err)
	}
}

func (p *Pipe) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.writer.Write(buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (p *Pipe) Close(reason error) {
	p.closeMu.Lock()
	if p.isClosed {
		p.closeMu.Unlock()
		return
	}
	p.isClosed = true
	p.closeMu.Unlock()

	close(p.closed)
	if c, ok := p.reader.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := p.writer.(io.Closer); ok {
		_ = c.Close()
	}
	p.emitClosed(reason)
}

func (p *Pipe) Dispose(ctx context.Context) error {
	p.Close(nil)
	for _, done := range []chan struct{}{p.readerDone, p.stderrDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ Transport = (*Pipe)(nil)
