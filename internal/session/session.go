// Package session implements the client side of a chat connection: a
// Session owns at most one connection to a configured host and port,
// writes user text with Send and delivers incoming messages on a
// channel fed by a dedicated listening goroutine.
//
// A Session is reusable.  After Close (or a failure) it may be
// connected again; each successful connect opens a fresh inbound
// stream.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gochat/config"
	"gochat/internal/errors"
	"gochat/internal/metrics"
	"gochat/internal/retry"
	"gochat/internal/transport"
	"gochat/util"
)

// Options tunes a Session.  The zero value dials newline-framed TCP
// with the default bounds and no reconnection.
type Options struct {
	// Dialer opens the connection (default: TCPDialer).
	Dialer transport.Dialer
	// Timeout bounds a single connect attempt (default 30s).
	Timeout time.Duration
	// WriteTimeout bounds a single Send; zero disables the bound.
	WriteTimeout time.Duration
	// Buffer is the capacity of the inbound channel (default 64).
	Buffer int
	// Reconnect enables automatic re-dialling after a connection that
	// was established drops.  Nil disables it.
	Reconnect *retry.Backoff

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Session is a single logical client connection.
type Session struct {
	id      string
	opts    Options
	dialer  transport.Dialer
	logger  *util.Logger
	metrics *metrics.Collector

	state  atomic.Int32
	stream atomic.Pointer[stream]
	connID atomic.Uint64

	mu              sync.Mutex
	host            string
	port            int
	conn            transport.Conn
	gen             uint64 // bumped by every connect and Close
	cancelDial      context.CancelFunc
	cancelReconnect context.CancelFunc
	observers       []func(from, to State)
	changed         chan struct{}

	writeMu sync.Mutex

	errMu   sync.Mutex
	lastErr error
}

// New creates a disconnected Session for host:port.  No network
// activity happens until Connect.
func New(host string, port int, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultConnTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = config.DefaultInboundBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.TCPDialer{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}

	id := uuid.NewString()
	return &Session{
		id:      id,
		opts:    opts,
		dialer:  opts.Dialer,
		logger:  opts.Logger.Named("session " + id[:8]),
		metrics: opts.Metrics,
		host:    host,
		port:    port,
		changed: make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Addr returns the host:port the session connects to.
func (s *Session) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return util.FormatAddr(s.host, s.port)
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ConnID identifies the most recently established connection.  It
// changes with every successful connect and is stamped on each
// InboundMessage, so a caller can tell lines of an earlier connection
// from those of the current one.  It is zero before the first connect.
func (s *Session) ConnID() uint64 { return s.connID.Load() }

// Err returns the most recent connection failure, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Observe registers fn to be called on every state transition.  fn runs
// with the session lock held and must not call Connect, Send or Close.
func (s *Session) Observe(fn func(from, to State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Connect dials the configured host and port.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	host, port := s.host, s.port
	s.mu.Unlock()
	return s.ConnectTo(ctx, host, port)
}

// ConnectTo retargets the session at host:port and dials it.  It fails
// with ErrAlreadyConnected while a connection exists or is being made,
// with a TimeoutError when no connection is made within the configured
// bound, and with a ConnectionError when the host is unreachable or
// refuses.  Close during the dial makes it fail with ErrCancelled.
func (s *Session) ConnectTo(ctx context.Context, host string, port int) error {
	return s.connect(ctx, host, port, false)
}

// connect performs one connect attempt.  Attempts made by the
// reconnection loop give way to Close and to user-initiated connects.
func (s *Session) connect(ctx context.Context, host string, port int, auto bool) error {
	s.mu.Lock()
	if s.State().active() {
		s.mu.Unlock()
		return errors.ErrAlreadyConnected
	}
	if auto && ctx.Err() != nil {
		s.mu.Unlock()
		return errors.Cancelled("connect")
	}
	if !auto {
		s.stopReconnectLocked()
	}
	s.host, s.port = host, port
	s.gen++
	gen := s.gen
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	s.cancelDial = cancel
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	addr := util.FormatAddr(host, port)
	s.logger.Verbose("connecting to %s", addr)

	conn, err := s.dialer.Dial(dialCtx, addr)
	cause := dialCtx.Err()
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		// Closed while dialling.
		if conn != nil {
			conn.Close()
		}
		return errors.Cancelled("connect")
	}
	s.cancelDial = nil

	if err != nil {
		switch {
		case errors.Is(cause, context.DeadlineExceeded) && !errors.IsTimeout(err):
			err = &errors.TimeoutError{Op: "dial", Addr: addr, After: s.opts.Timeout, Err: err}
		case errors.Is(cause, context.Canceled):
			err = errors.Cancelled("connect")
		}
		err = errors.Classify("dial", addr, s.opts.Timeout, err)
		if errors.IsCancelled(err) {
			s.setStateLocked(Disconnected)
			return err
		}
		s.metrics.ConnectFailed()
		s.metrics.RecordError(err.Error())
		s.setErr(err)
		s.setStateLocked(Failed)
		s.logger.Verbose("connect failed: %v", err)
		return err
	}

	s.conn = conn
	st := newStream(s.opts.Buffer)
	s.stream.Store(st)
	s.connID.Store(gen)
	s.metrics.Connected()
	s.setStateLocked(Connected)
	s.logger.Info("connected to %s", conn.RemoteAddr())

	go s.listen(gen, conn, st)
	return nil
}

// Send writes text to the server as one message.  It fails with
// ErrNotConnected unless the session is Connected, in which case
// nothing is written.  Sends are serialized.
func (s *Session) Send(text string) (OutboundMessage, error) {
	s.mu.Lock()
	if s.State() != Connected || s.conn == nil {
		s.mu.Unlock()
		return OutboundMessage{}, errors.ErrNotConnected
	}
	conn, gen := s.conn, s.gen
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			s.logger.Debug("write timeout not applied: %v", err)
		}
	}
	msg := OutboundMessage{ID: uuid.NewString(), Text: text, Timestamp: time.Now()}
	if err := conn.WriteMessage(text); err != nil {
		if errors.Is(err, transport.ErrEmbeddedNewline) {
			return OutboundMessage{}, err
		}
		return OutboundMessage{}, s.fail(gen, "write", s.opts.WriteTimeout, err)
	}
	s.metrics.MessageSent(len(text))
	s.logger.Debug("sent %d bytes", len(text))
	return msg, nil
}

// Messages returns the inbound stream of the current (or most recent)
// connection.  The channel is closed when that connection ends; a new
// one is opened by the next successful connect.  Before the first
// connect it returns a closed channel.
func (s *Session) Messages() <-chan InboundMessage {
	if st := s.stream.Load(); st != nil {
		return st.msgs
	}
	return closedMessages
}

// Receive returns the next inbound message.  When the stream has
// ended it returns why: ErrCancelled after Close, a ConnectionError
// when the peer hung up.  Cancelling ctx fails it with ErrCancelled
// (or a TimeoutError for a deadline).
func (s *Session) Receive(ctx context.Context) (InboundMessage, error) {
	st := s.stream.Load()
	if st == nil {
		return InboundMessage{}, errors.ErrNotConnected
	}

	select {
	case <-st.done:
		if errors.IsCancelled(st.err) {
			return InboundMessage{}, st.err
		}
	default:
	}

	select {
	case msg, ok := <-st.msgs:
		if !ok {
			return InboundMessage{}, st.err
		}
		return msg, nil
	case <-ctx.Done():
		return InboundMessage{}, errors.Classify("receive", s.Addr(), 0, ctx.Err())
	}
}

// AwaitConnected blocks until the session is Connected.  While a
// connect or an automatic reconnection is under way it keeps waiting;
// otherwise it returns ErrNotConnected (or the last failure).
func (s *Session) AwaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, pending, changed := s.State(), s.cancelReconnect != nil, s.changed
		s.mu.Unlock()

		switch {
		case state == Connected:
			return nil
		case state == Disconnected:
			return errors.ErrNotConnected
		case state == Failed && !pending:
			if err := s.Err(); err != nil {
				return err
			}
			return errors.ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Classify("await", s.Addr(), 0, ctx.Err())
		}
	}
}

// Close releases the connection, cancels an in-flight connect or
// reconnection and ends the inbound stream.  Pending Send and Receive
// calls fail with ErrCancelled.  Close is idempotent and always leaves
// the session Disconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	s.stopReconnectLocked()

	var err error
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.IsClosed(cerr) {
			err = cerr
		}
		s.conn = nil
		s.logger.Verbose("connection closed")
	}
	if st := s.stream.Load(); st != nil {
		st.finish(errors.Cancelled("receive"))
	}
	s.setStateLocked(Disconnected)
	return err
}

// listen is the connection's single reader.  It owns st.msgs and
// closes it on the way out.
func (s *Session) listen(gen uint64, conn transport.Conn, st *stream) {
	defer close(st.msgs)

	origin := conn.RemoteAddr()
	for {
		text, err := conn.ReadMessage()
		if err != nil {
			s.fail(gen, "read", 0, err)
			return
		}
		s.metrics.MessageReceived(len(text))

		msg := InboundMessage{Text: text, Origin: origin, ConnID: gen, Received: time.Now()}
		select {
		case st.msgs <- msg:
		case <-st.done:
			return
		}
	}
}

// fail tears down the connection of generation gen after op failed
// with err, and returns the error to report for op.
func (s *Session) fail(gen uint64, op string, after time.Duration, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return errors.Cancelled(op)
	}
	st := s.stream.Load()
	if s.conn == nil {
		// The other direction already failed.
		return st.err
	}

	err = errors.Classify(op, s.conn.RemoteAddr(), after, err)
	s.conn.Close()
	s.conn = nil
	st.finish(err)

	s.metrics.RecordError(err.Error())
	s.setErr(err)
	s.setStateLocked(Failed)
	s.logger.Warn("connection lost: %v", err)

	if s.opts.Reconnect != nil {
		s.stopReconnectLocked()
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelReconnect = cancel
		s.notifyLocked()
		go s.reconnect(ctx, s.host, s.port)
	}
	return err
}

// reconnect re-dials host:port with exponential backoff until it
// succeeds, the budget runs out or ctx is cancelled.
func (s *Session) reconnect(ctx context.Context, host string, port int) {
	b := *s.opts.Reconnect
	onRetry := b.OnRetry
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("reconnect attempt %d failed: %v (retrying in %v)", attempt, err, wait.Round(time.Millisecond))
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	err := b.Do(ctx, func(attempt int) error {
		s.metrics.Reconnect()
		s.logger.Info("reconnecting to %s (attempt %d)", util.FormatAddr(host, port), attempt)
		err := s.connect(ctx, host, port, true)
		if errors.IsCancelled(err) || errors.Is(err, errors.ErrAlreadyConnected) {
			return retry.Permanent(err)
		}
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() == nil {
		s.cancelReconnect = nil
		s.notifyLocked()
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("giving up on %s: %v", util.FormatAddr(host, port), err)
	}
}

func (s *Session) stopReconnectLocked() {
	if s.cancelReconnect != nil {
		s.cancelReconnect()
		s.cancelReconnect = nil
		s.notifyLocked()
	}
}

// setStateLocked moves the session to `to` and notifies observers.
func (s *Session) setStateLocked(to State) {
	from := State(s.state.Swap(int32(to)))
	s.notifyLocked()
	if from == to {
		return
	}
	s.logger.Debug("state %s -> %s", from, to)
	for _, fn := range s.observers {
		fn(from, to)
	}
}

// notifyLocked wakes AwaitConnected callers.
func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}
