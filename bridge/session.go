package bridge

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mus65/driverlink/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const disposeTimeout = 10 * time.Second

// session relays between one accepted websocket and one driver subprocess.
// Messages from the client become length-prefixed frames on the driver's
// stdin; each frame off the driver's stdout becomes one websocket text
// message.
type session struct {
	id   string
	log  *zap.SugaredLogger
	conn *websocket.Conn

	cmd  *exec.Cmd
	pipe *transport.Pipe

	closeConnOnce sync.Once
}

func newSession(log *zap.SugaredLogger, conn *websocket.Conn, driverCmd string, driverArgs []string) *session {
	id := uuid.NewString()
	return &session{
		id:   id,
		log:  log.Named("session").With("SessionID", id),
		conn: conn,
		cmd:  exec.Command(driverCmd, driverArgs...),
	}
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.startDriver(ctx, cancel); err != nil {
		s.log.Debugf("error starting driver: %s", err)
		s.close(websocket.StatusInternalError, err.Error())
		return
	}
	s.log.Debugw("driver started", "PID", s.cmd.Process.Pid)

	s.readClient(ctx)

	cancel()
	disposeCtx, disposeCancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer disposeCancel()
	if err := s.pipe.Dispose(disposeCtx); err != nil {
		s.log.Debugf("error disposing driver pipe: %s", err)
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.log.Debug("session finished")
}

func (s *session) startDriver(ctx context.Context, cancel context.CancelFunc) error {
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := s.cmd.Start(); err != nil {
		return err
	}

	s.pipe = transport.NewPipe(s.log, stdout, stdin, transport.WithPipeStderr(stderr))
	s.pipe.OnMessage(func(msg []byte) {
		// Runs on the pipe's reader goroutine only, so writes don't race.
		if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
			s.log.Debugf("error relaying driver message to client: %s", err)
			cancel()
		}
	})
	s.pipe.OnClose(func(reason error) {
		s.log.Debugw("driver pipe closed", "Reason", reason)
		if reason == nil {
			s.close(websocket.StatusNormalClosure, "")
			return
		}
		s.close(websocket.StatusInternalError, reason.Error())
	})
	s.pipe.OnLog(func(line string) {
		s.log.Debugw("driver log", "Line", line)
	})

	return s.pipe.Start()
}

// readClient forwards client messages into the driver until the client
// disconnects or the session is torn down.
func (s *session) readClient(ctx context.Context) {
	for {
		_, b, err := s.conn.Read(ctx)
		if websocket.CloseStatus(err) != -1 {
			s.log.Debugf("client closed the connection: %s", err)
			s.close(websocket.StatusNormalClosure, "")
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debugf("client reader got error: %s", err)
				s.close(websocket.StatusInternalError, err.Error())
			}
			return
		}
		if err := s.pipe.Send(ctx, b); err != nil {
			s.log.Debugf("error relaying client message to driver: %s", err)
			s.close(websocket.StatusInternalError, err.Error())
			return
		}
	}
}

func (s *session) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	s.closeConnOnce.Do(func() {
		err := s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}
