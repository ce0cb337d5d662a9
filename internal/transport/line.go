package transport

import (
	"bufio"
	"io"
	"net"
	"strings"
	"time"
)

// lineConn frames messages as newline-terminated lines over a stream.
type lineConn struct {
	conn net.Conn
	sc   *bufio.Scanner
}

// NewLineConn wraps a stream connection so that each line is one
// message.  Lines longer than maxLine bytes fail the read; maxLine <= 0
// selects 64 KiB.  A trailing "\r" is stripped, so CRLF peers work.
func NewLineConn(conn net.Conn, maxLine int) Conn {
	if maxLine <= 0 {
		maxLine = 64 * 1024
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	return &lineConn{conn: conn, sc: sc}
}

func (c *lineConn) ReadMessage() (string, error) {
	if !c.sc.Scan() {
		if err := c.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSuffix(c.sc.Text(), "\r"), nil
}

func (c *lineConn) WriteMessage(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return ErrEmbeddedNewline
	}
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *lineConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *lineConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *lineConn) Close() error { return c.conn.Close() }
