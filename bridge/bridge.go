// Package bridge serves the remote end of a websocket connection: it accepts
// clients on an HTTP endpoint, launches the automation driver for each
// session, and relays messages between the client's websocket and the
// driver's stdio pipe.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/mus65/driverlink/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server hosts driver sessions. Each accepted websocket gets its own driver
// subprocess.
type Server struct {
	log        *zap.SugaredLogger
	driverCmd  string
	driverArgs []string
	listenAddr string

	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("bridge").Sugar()
	}
}

func WithDriverArgs(args ...string) Option {
	return func(s *Server) {
		s.driverArgs = args
	}
}

// NewServer builds a bridge that launches driverCmd for each session.
func NewServer(driverCmd string, opts ...Option) (*Server, error) {
	if driverCmd == "" {
		return nil, errors.New("no driver command given")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:        logger.Named("bridge").Sugar(),
		driverCmd:  driverCmd,
		listenAddr: "127.0.0.1:4444",
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/health", s.health)
	router.GET("/session", s.session)

	server := http.Server{Handler: router}
	s.httpServer = &server

	s.log.Debugw("bridge listening", "Addr", s.listenAddr)
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := struct {
		Status  string
		Version string
	}{
		Status:  "ok",
		Version: transport.Version,
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.log.Debugf("error marshaling health response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := checkClientVersion(r.Header.Get("User-Agent")); err != nil {
		s.log.Debugf("rejecting client: %s", err)
		http.Error(w, err.Error(), http.StatusUpgradeRequired)
		return
	}
	if opts := r.Header.Get(transport.LaunchOptionsHeader); opts != "" {
		s.log.Debugw("client sent launch options", "Options", opts)
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("error accepting websocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	sess := newSession(s.log, wsConn, s.driverCmd, s.driverArgs)
	sess.run(r.Context())
}

// checkClientVersion verifies the handshake's User-Agent advertises a client
// with a matching major.minor version.
func checkClientVersion(userAgent string) error {
	label, version, ok := strings.Cut(userAgent, "/")
	if !ok || label != transport.ClientLabel {
		return fmt.Errorf("unrecognized client %q", userAgent)
	}
	if majorMinor(version) != majorMinor(transport.Version) {
		return fmt.Errorf("client version %s is incompatible with server version %s", version, transport.Version)
	}
	return nil
}

func majorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}
