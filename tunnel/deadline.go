package tunnel

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

var errNoDeadlines = errors.New("ssh channel: deadlines not supported")

// writeDeadlineConn enforces write deadlines on a stream that cannot,
// such as an SSH channel: a write still blocked when its deadline
// passes closes the stream and fails with os.ErrDeadlineExceeded.
// Read deadlines are passed through to the stream.
type writeDeadlineConn struct {
	net.Conn

	mu       sync.Mutex
	deadline time.Time
}

// withWriteDeadlines wraps conn unless it enforces write deadlines
// itself.
func withWriteDeadlines(conn net.Conn) net.Conn {
	if conn.SetWriteDeadline(time.Time{}) == nil {
		return conn
	}
	return &writeDeadlineConn{Conn: conn}
}

func (c *writeDeadlineConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *writeDeadlineConn) SetDeadline(t time.Time) error {
	c.SetWriteDeadline(t) //nolint:errcheck
	return c.Conn.SetReadDeadline(t)
}

func (c *writeDeadlineConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	if deadline.IsZero() {
		return c.Conn.Write(p)
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, os.ErrDeadlineExceeded
	}

	timer := time.AfterFunc(wait, func() { c.Conn.Close() })
	n, err := c.Conn.Write(p)
	if !timer.Stop() {
		// The stream was closed under the write.
		return n, os.ErrDeadlineExceeded
	}
	return n, err
}
