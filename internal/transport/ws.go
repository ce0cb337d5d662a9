package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// NetDialFunc opens the raw stream a WebSocket handshake runs over.
type NetDialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// WSDialer connects to a chat server's WebSocket endpoint.  Each text
// frame carries one message.
type WSDialer struct {
	Path             string // endpoint path, default "/chat"
	HandshakeTimeout time.Duration
	Header           http.Header
	// NetDial, when set, replaces the direct TCP dial (for example to
	// route through an SSH tunnel).
	NetDial NetDialFunc
}

// URL returns the ws:// URL the dialer would use for address.
func (d *WSDialer) URL(address string) string {
	path := d.Path
	if path == "" {
		path = "/chat"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: "ws", Host: address, Path: path}
	return u.String()
}

// Dial performs the WebSocket handshake with address.
func (d *WSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		NetDialContext:   d.NetDial,
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL(address), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return NewWSConn(ws), nil
}

// Close is a no-op; WebSocket dialers hold no shared state.
func (d *WSDialer) Close() error { return nil }

// wsConn adapts a gorilla WebSocket to Conn.
type wsConn struct {
	ws *websocket.Conn
}

// NewWSConn wraps an established WebSocket (client or server side).
func NewWSConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadMessage() (string, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *wsConn) WriteMessage(text string) error {
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *wsConn) Close() error { return c.ws.Close() }
