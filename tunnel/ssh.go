package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	cherr "gochat/internal/errors"
	"gochat/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAlive, when positive, pings the gateway at this interval and
	// drops the tunnel when a ping fails.
	KeepAlive time.Duration
}

// SSHTunnel implements [Tunnel] by opening an SSH connection and
// forwarding traffic with ssh.Client.Dial.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: logger.Named("ssh")}
}

// Connect dials the SSH gateway and completes the handshake.  The
// handshake honours ctx's deadline as well as ConnTimeout.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	authMethods, err := BuildAuthMethods(t.config)
	if err != nil {
		return cherr.WrapSSH("auth", t.config.Host, t.config.Port, err)
	}

	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return cherr.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         t.config.ConnTimeout,
		// Public gateways print their instructions in the banner.
		BannerCallback: func(message string) error {
			t.logger.Info("%s", strings.TrimSpace(message))
			return nil
		},
	}

	addr := net.JoinHostPort(t.config.Host, strconv.Itoa(t.config.Port))
	t.logger.Debug("dialing %s as %s", addr, t.config.User)

	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return cherr.Classify("dial", addr, t.config.ConnTimeout, err)
	}

	deadline := time.Now().Add(t.config.ConnTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	tcpConn.SetDeadline(deadline) //nolint:errcheck

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return cherr.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	if t.client != nil {
		t.client.Close()
	}
	t.client = client
	t.alive = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.monitor(client)
		close(done)
	}()
	if t.config.KeepAlive > 0 {
		go t.keepalive(client, done)
	}
	return nil
}

// Dial forwards a connection through the tunnel.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
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

	t.logger.Debug("dialing %s %s through the gateway", network, address)
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, cherr.WrapSSH("channel", t.config.Host, t.config.Port,
			fmt.Errorf("dial %s: %w", address, err))
	}
	return withWriteDeadlines(conn), nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until client's connection closes and flips the alive
// flag, unless a newer client has replaced it meanwhile.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("tunnel closed: %v", err)
	} else {
		t.logger.Debug("tunnel closed")
	}
}

// keepalive pings client until done closes.  A failed ping closes the
// client, which unblocks every channel and remote listener on it.
func (t *SSHTunnel) keepalive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Error("gateway keepalive failed: %v", err)
				client.Close()
				return
			}
		}
	}
}
