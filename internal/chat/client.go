// Package chat connects a Session to a View: it answers the server's
// name handshake, gates user input until the name is accepted and
// routes inbound lines to the View.
package chat

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gochat/internal/errors"
	"gochat/internal/protocol"
	"gochat/internal/session"
	"gochat/util"
)

var (
	// ErrInputDisabled is returned by Submit before the server has
	// accepted a screen name, or while the session is not connected.
	ErrInputDisabled = errors.New("input is disabled")
	// ErrNameRejected is reported when the server refuses the name the
	// provider keeps offering.
	ErrNameRejected = errors.New("screen name rejected")
)

// Options configures a Client.
type Options struct {
	// Names supplies the screen name on SUBMITNAME.
	Names NameProvider
	// Raw skips the name handshake: input is enabled as soon as the
	// session connects and every line is shown verbatim.
	Raw    bool
	Logger *util.Logger
}

// Client is the chat front end of a Session.
type Client struct {
	sess   *session.Session
	view   View
	names  NameProvider
	raw    bool
	logger *util.Logger

	// mu orders every input decision, so the View sees them in the
	// order they were made.
	mu        sync.Mutex
	enabled   bool
	name      string
	connected bool
	conn      uint64 // session.ConnID of the current connection
	accepted  bool   // the server accepted a name on conn
}

// New binds sess to view.  Input starts disabled.
func New(sess *session.Session, view View, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	c := &Client{
		sess:   sess,
		view:   view,
		names:  opts.Names,
		raw:    opts.Raw,
		logger: opts.Logger.Named("chat"),
	}
	sess.Observe(c.stateChanged)
	return c
}

// Name returns the screen name the server accepted, if any.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// InputEnabled reports whether Submit would be accepted.
func (c *Client) InputEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Submit sends user-entered text.
func (c *Client) Submit(text string) error {
	if !c.InputEnabled() {
		return ErrInputDisabled
	}
	_, err := c.sess.Send(text)
	return err
}

// Close ends the session.
func (c *Client) Close() error {
	return c.sess.Close()
}

// Run connects the session and handles inbound traffic until the
// session is closed, ctx is done or the connection fails for good.
// With automatic reconnection, Run waits for the session to come back
// instead of returning on a dropped connection.  A clean shutdown
// returns nil.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.sess.Close() })
	defer stop()

	if err := c.sess.Connect(ctx); err != nil {
		if errors.IsCancelled(err) {
			return nil
		}
		c.view.ShowError(err)
		return err
	}

	for {
		err := c.consume(ctx)
		if errors.IsCancelled(err) {
			return nil
		}
		c.view.ShowError(err)

		if werr := c.sess.AwaitConnected(ctx); werr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.logger.Verbose("session is back, resuming")
	}
}

// consume handles one connection's inbound stream.
func (c *Client) consume(ctx context.Context) error {
	var (
		offered   string
		offeredOn uint64
	)
	for {
		msg, err := c.sess.Receive(ctx)
		if err != nil {
			return err
		}
		if c.raw {
			c.view.ShowMessage(msg.Text)
			continue
		}
		if msg.ConnID != offeredOn {
			offered, offeredOn = "", msg.ConnID
		}

		f := protocol.Parse(msg.Text)
		switch f.Kind {
		case protocol.SubmitName:
			if !c.current(msg.ConnID) {
				c.logger.Debug("ignoring SUBMITNAME from a previous connection")
				continue
			}
			name, err := c.screenName(ctx, offered)
			if err != nil {
				c.sess.Close()
				return err
			}
			offered = name
			if _, err := c.sess.Send(name); err != nil {
				return err
			}
		case protocol.NameAccepted:
			name := f.Payload
			if name == "" {
				name = offered
			}
			if c.nameAccepted(name, msg.ConnID) {
				c.logger.Info("screen name %q accepted", name)
			}
		default:
			c.view.ShowMessage(f.Payload)
		}
	}
}

// screenName asks the provider for a name.  rejected is the name the
// server just turned down, if any.
func (c *Client) screenName(ctx context.Context, rejected string) (string, error) {
	if rejected != "" {
		c.view.ShowError(fmt.Errorf("%w: %q is taken or invalid", ErrNameRejected, rejected))
	}
	if c.names == nil {
		return "", errors.Cancelled("screen name")
	}
	name, err := c.names.ScreenName(ctx)
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return "", errors.Cancelled("screen name")
	}
	if err != nil {
		return "", err
	}
	name, ok := protocol.ValidName(name)
	if !ok {
		return "", errors.Cancelled("screen name")
	}
	if name == rejected {
		return "", fmt.Errorf("%w: %q", ErrNameRejected, name)
	}
	return name, nil
}

// stateChanged runs under the session lock.  Every transition
// forgets the accepted name: a new connection needs a new handshake.
func (c *Client) stateChanged(_, to session.State) {
	c.view.ShowState(to)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = to == session.Connected
	c.accepted = false
	if c.connected {
		c.conn = c.sess.ConnID()
	}
	c.updateLocked()
}

// nameAccepted records that the server accepted name on connection
// conn.  An acceptance that arrives after that connection was dropped
// is ignored and reported as false.
func (c *Client) nameAccepted(name string, conn uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || conn != c.conn {
		c.logger.Debug("ignoring NAMEACCEPTED from a previous connection")
		return false
	}
	c.name = name
	c.accepted = true
	c.updateLocked()
	return true
}

// current reports whether conn is the live connection.
func (c *Client) current(conn uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && conn == c.conn
}

func (c *Client) updateLocked() {
	enabled := c.connected && (c.raw || c.accepted)
	if enabled != c.enabled {
		c.enabled = enabled
		c.view.SetInputEnabled(enabled)
	}
}
