package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPDialer establishes newline-framed TCP connections, optionally
// binding to a specific source port.
type TCPDialer struct {
	Timeout       time.Duration
	LocalPort     int // optional source-port binding (0 = ephemeral)
	MaxLineLength int // 0 = 64 KiB
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}

	if d.LocalPort > 0 {
		a, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", d.LocalPort))
		if err != nil {
			return nil, fmt.Errorf("resolve local addr: %w", err)
		}
		dialer.LocalAddr = a
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewLineConn(conn, d.MaxLineLength), nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
