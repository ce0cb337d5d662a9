// Package transport provides message-oriented connections to a chat
// server.  Transports handle how a message travels (a newline-framed
// TCP stream, a WebSocket text frame, TCP through an SSH gateway)
// independent of what the message means, which is the protocol and
// chat layers' job.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrEmbeddedNewline is returned by newline-framed connections for a
// message that would split into several lines on the wire.  Nothing is
// written when it is returned.
var ErrEmbeddedNewline = errors.New("message contains a line break")

// Conn is a bidirectional, message-oriented connection.
//
// A Conn supports one concurrent reader and one concurrent writer.
// Close unblocks both.
type Conn interface {
	// ReadMessage blocks until a whole message arrives.  It returns
	// io.EOF when the peer closes the connection cleanly.
	ReadMessage() (string, error)

	// WriteMessage sends text as a single message.
	WriteMessage(text string) error

	// SetWriteDeadline bounds subsequent writes; the zero time clears it.
	SetWriteDeadline(t time.Time) error

	// RemoteAddr identifies the peer for logging and message origin.
	RemoteAddr() string

	Close() error
}

// Dialer opens outbound message connections.  Implementations include
// a plain TCP dialer, a WebSocket dialer and an SSH-tunnelled dialer.
type Dialer interface {
	// Dial establishes a connection to address ("host:port").
	Dial(ctx context.Context, address string) (Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
