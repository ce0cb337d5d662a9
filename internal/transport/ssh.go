package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"gochat/internal/retry"
	"gochat/tunnel"
	"gochat/util"
)

// SSHDialer routes newline-framed connections through an SSH gateway.
// The tunnel is connected lazily on the first Dial call and torn down
// on Close.  Repeated handshake failures trip a breaker so a
// reconnecting session stops hammering a gateway that refuses it.
type SSHDialer struct {
	tunnel        tunnel.Tunnel
	config        *tunnel.SSHConfig
	logger        *util.Logger
	MaxLineLength int

	mu        sync.Mutex
	connected bool
	breaker   retry.Breaker
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  The tunnel is not connected until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	d := &SSHDialer{
		tunnel: tunnel.NewSSHTunnel(cfg, logger),
		config: cfg,
		logger: logger,
	}
	d.breaker = retry.Breaker{
		Threshold: 3,
		Cooldown:  30 * time.Second,
		OnChange: func(from, to retry.BreakerState) {
			logger.Verbose("gateway %s breaker %s -> %s", cfg.Host, from, to)
		},
	}
	return d
}

// connect establishes the SSH tunnel if it is not up.  A tunnel that
// died since the last Dial is re-established.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected && d.tunnel.IsAlive() {
		return nil
	}

	d.logger.Verbose("establishing SSH tunnel to %s@%s:%d",
		d.config.User, d.config.Host, d.config.Port)

	if err := d.breaker.Do(func() error { return d.tunnel.Connect(ctx) }); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}

	d.connected = true
	d.logger.Verbose("SSH tunnel established")
	return nil
}

// NetDial opens a raw TCP stream to address through the tunnel.  It
// matches NetDialFunc so a WSDialer can ride the same gateway.
func (d *SSHDialer) NetDial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Dial connects to address through the SSH tunnel.
func (d *SSHDialer) Dial(ctx context.Context, address string) (Conn, error) {
	conn, err := d.NetDial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewLineConn(conn, d.MaxLineLength), nil
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.connected = false
		return d.tunnel.Close()
	}
	return nil
}
