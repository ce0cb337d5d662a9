// Package server implements the companion chat server: clients connect
// over newline-framed TCP or WebSocket, pick a unique screen name and
// then share one room.  In echo mode every line is reflected back
// verbatim instead, which is handy for round-trip tests.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gochat/config"
	"gochat/internal/metrics"
	"gochat/internal/transport"
	"gochat/util"
)

// QuitCommand ends a client's membership.
const QuitCommand = "/quit"

// Options configures a Server.
type Options struct {
	Transport     string // config.TransportTCP (default) or config.TransportWS
	WSPath        string // default "/chat"
	MetricsPath   string // default "/metrics"
	Echo          bool
	Broker        Broker // default: an in-memory broker
	MaxLineLength int
	WriteTimeout  time.Duration
	GracePeriod   time.Duration
	Logger        *util.Logger
	Metrics       *metrics.Collector
}

// Server accepts chat clients.
type Server struct {
	opts     Options
	hub      *Hub
	logger   *util.Logger
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[transport.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a server.  It fails only if the broker cannot be
// subscribed to.
func New(opts Options) (*Server, error) {
	if opts.Transport == "" {
		opts.Transport = config.TransportTCP
	}
	if opts.WSPath == "" {
		opts.WSPath = config.DefaultWSPath
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = config.DefaultMetricsPath
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = config.DefaultGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Broker == nil {
		opts.Broker = NewMemoryBroker()
	}

	s := &Server{
		opts:    opts,
		logger:  opts.Logger.Named("server"),
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[transport.Conn]struct{}),
	}
	hub, err := NewHub(opts.Broker, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}
	s.hub = hub
	return s, nil
}

// Hub returns the server's room.
func (s *Server) Hub() *Hub { return s.hub }

// Metrics returns the server's collector.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Serve accepts clients on ln (a local listener or a gateway's remote
// forward) until ctx is done, then disconnects them
// and waits up to the grace period for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mode := "chat"
	if s.opts.Echo {
		mode = "echo"
	}
	s.logger.Info("listening on %s (%s, %s)", ln.Addr(), s.opts.Transport, mode)

	var err error
	if s.opts.Transport == config.TransportWS {
		err = s.serveHTTP(ctx, ln)
	} else {
		err = s.serveTCP(ctx, ln)
	}
	s.shutdown()
	return err
}

// ── TCP ──────────────────────────────────────────────────────────────

func (s *Server) serveTCP(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	// Shut the listener down when the context expires.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.logger.Verbose("connection from %s", conn.RemoteAddr())

		go s.ServeConn(ctx, transport.NewLineConn(conn, s.opts.MaxLineLength))
	}
}

// ── HTTP / WebSocket ─────────────────────────────────────────────────

func (s *Server) serveHTTP(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.GracePeriod)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		s.closeConns()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown: %v", err)
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// ServeConn runs one client to completion.  It closes conn.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	if s.opts.Echo {
		s.echo(conn)
		return
	}
	s.chat(ctx, conn)
}

func (s *Server) echo(conn transport.Conn) {
	for {
		line, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.metrics.MessageReceived(len(line))
		if s.opts.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)) //nolint:errcheck
		}
		if err := conn.WriteMessage(line); err != nil {
			return
		}
		s.metrics.MessageSent(len(line))
	}
}

func (s *Server) chat(ctx context.Context, conn transport.Conn) {
	addr := conn.RemoteAddr()
	m, err := s.hub.admit(conn)
	if err != nil {
		s.logger.Verbose("%s left during handshake: %v", addr, err)
		return
	}
	s.logger.Info("%s joined as %q", addr, m.name)
	s.metrics.ClientJoined()
	defer s.metrics.ClientLeft()

	go m.writeLoop(s.opts.WriteTimeout, s.metrics, s.logger)
	s.publish(ctx, m.name+" has joined")

	for {
		line, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.metrics.MessageReceived(len(line))
		if strings.TrimSpace(line) == QuitCommand {
			break
		}
		s.publish(ctx, m.name+": "+line)
	}

	if s.hub.remove(m) {
		s.publish(ctx, m.name+" has left")
	}
	s.logger.Info("%q left", m.name)
}

func (s *Server) publish(ctx context.Context, text string) {
	if err := s.hub.Publish(ctx, text); err != nil && ctx.Err() == nil {
		s.metrics.RecordError(err.Error())
		s.logger.Warn("publish: %v", err)
	}
}

// ── Connection tracking ──────────────────────────────────────────────

// track registers conn; it fails once shutdown has begun.
func (s *Server) track(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn transport.Conn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// closeConns disconnects every client and refuses new ones.
func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for conn := range conns {
		conn.Close()
	}
}

func (s *Server) shutdown() {
	s.closeConns()
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.GracePeriod):
		s.logger.Warn("handlers still running after %v", s.opts.GracePeriod)
	}
	if err := s.opts.Broker.Close(); err != nil {
		s.logger.Warn("broker close: %v", err)
	}
}
