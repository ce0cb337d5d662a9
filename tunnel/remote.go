package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	cherr "gochat/internal/errors"
)

// Listen asks the gateway to accept TCP connections on bindAddr:port
// and hand each one back over the tunnel, so a chat server behind NAT
// can be reached at the gateway's address.  Closing the listener
// cancels the forward; the tunnel itself stays up.
//
// Gateways echo the bind address back in many spellings ("" becomes
// "0.0.0.0" or "localhost"), which ssh.Client.Listen treats as a
// mismatch.  Listen claims every forwarded-tcpip channel instead, so
// one tunnel carries at most one remote listener.
func (t *SSHTunnel) Listen(ctx context.Context, bindAddr string, port int) (net.Listener, error) {
	t.mu.RLock()
	client := t.client
	alive := t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, cherr.ErrTunnelClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, cherr.WrapSSH("listen", t.config.Host, t.config.Port,
			fmt.Errorf("a remote listener is already open on this tunnel"))
	}

	req := forwardRequest{Addr: bindAddr, Port: uint32(port)}
	ok, _, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&req))
	if err != nil {
		return nil, cherr.WrapSSH("listen", t.config.Host, t.config.Port, err)
	}
	if !ok {
		return nil, cherr.WrapSSH("listen", t.config.Host, t.config.Port,
			fmt.Errorf("gateway refused to forward %s", net.JoinHostPort(bindAddr, fmt.Sprint(port))))
	}

	t.logger.Info("gateway %s accepting on port %d", t.config.Host, port)
	return &remoteListener{
		client:   client,
		req:      req,
		incoming: incoming,
		done:     make(chan struct{}),
	}, nil
}

// forwardRequest is the payload of tcpip-forward and
// cancel-tcpip-forward (RFC 4254 7.1).
type forwardRequest struct {
	Addr string
	Port uint32
}

// forwardedChannel is the extra data of a forwarded-tcpip channel
// open (RFC 4254 7.2).
type forwardedChannel struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

type remoteListener struct {
	client   *ssh.Client
	req      forwardRequest
	incoming <-chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

func (l *remoteListener) Accept() (net.Conn, error) {
	for {
		select {
		case <-l.done:
			return nil, net.ErrClosed
		case nc, ok := <-l.incoming:
			if !ok {
				return nil, io.EOF
			}
			ch, reqs, err := nc.Accept()
			if err != nil {
				// The peer gave up before we accepted; wait for the next one.
				continue
			}
			go ssh.DiscardRequests(reqs)

			var origin forwardedChannel
			raddr := &net.TCPAddr{}
			if ssh.Unmarshal(nc.ExtraData(), &origin) == nil {
				raddr = &net.TCPAddr{IP: net.ParseIP(origin.OriginAddr), Port: int(origin.OriginPort)}
			}
			return withWriteDeadlines(&channelConn{Channel: ch, local: l.Addr(), remote: raddr}), nil
		}
	}
}

func (l *remoteListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&l.req)) //nolint:errcheck
	})
	return nil
}

func (l *remoteListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(l.req.Addr), Port: int(l.req.Port)}
}

// channelConn adapts an SSH channel to net.Conn.  Channels have no
// deadlines; Accept wraps it in a writeDeadlineConn.
type channelConn struct {
	ssh.Channel
	local, remote net.Addr
}

func (c *channelConn) LocalAddr() net.Addr              { return c.local }
func (c *channelConn) RemoteAddr() net.Addr             { return c.remote }
func (c *channelConn) SetDeadline(time.Time) error      { return errNoDeadlines }
func (c *channelConn) SetReadDeadline(time.Time) error  { return errNoDeadlines }
func (c *channelConn) SetWriteDeadline(time.Time) error { return errNoDeadlines }
