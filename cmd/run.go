package cmd

import (
	"context"
	"fmt"
	"net"

	"gochat/config"
	"gochat/internal/chat"
	"gochat/internal/console"
	"gochat/internal/metrics"
	"gochat/internal/retry"
	"gochat/internal/server"
	"gochat/internal/session"
	"gochat/internal/transport"
	"gochat/tunnel"
	"gochat/util"
)

func runClient(ctx context.Context, cfg *config.Config, logger *util.Logger) error {
	dialer, closeDialer := buildDialer(cfg, logger)
	defer closeDialer()

	var reconnect *retry.Backoff
	if cfg.AutoReconnect {
		reconnect = &retry.Backoff{
			InitialDelay: cfg.ReconnectBackoff,
			MaxDelay:     config.DefaultMaxReconnectBackoff,
			Multiplier:   2.0,
			MaxAttempts:  cfg.MaxReconnectAttempts,
			Jitter:       true,
		}
	}

	mc := metrics.New()
	sess := session.New(cfg.Host, cfg.Port, session.Options{
		Dialer:       dialer,
		Timeout:      cfg.Timeout,
		WriteTimeout: cfg.WriteTimeout,
		Reconnect:    reconnect,
		Logger:       logger,
		Metrics:      mc,
	})

	con := console.New(stdin, stdout)
	var names chat.NameProvider = con
	if cfg.Name != "" {
		names = chat.StaticName(cfg.Name)
	}
	client := chat.New(sess, con, chat.Options{Names: names, Raw: cfg.Raw, Logger: logger})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Leaving the console (/quit or end of input) ends the session.
	go func() {
		con.Run(ctx, client) //nolint:errcheck
		client.Close()
	}()

	err := client.Run(ctx)
	logger.Debug("session %s metrics: %s", sess.ID(), mc.JSON())
	return err
}

// sshConfig maps the -T flags onto a tunnel configuration.
func sshConfig(cfg *config.Config) *tunnel.SSHConfig {
	return &tunnel.SSHConfig{
		User:          cfg.TunnelUser,
		Host:          cfg.TunnelHost,
		Port:          cfg.TunnelPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   cfg.Timeout,
	}
}

// buildDialer picks the transport for cfg.  The returned func releases
// the dialer (and the SSH tunnel behind it, if any).
func buildDialer(cfg *config.Config, logger *util.Logger) (transport.Dialer, func()) {
	var ssh *transport.SSHDialer
	if cfg.TunnelEnabled {
		ssh = transport.NewSSHDialer(sshConfig(cfg), logger)
		ssh.MaxLineLength = config.DefaultMaxLineLength
	}

	closeSSH := func() {
		if ssh != nil {
			if err := ssh.Close(); err != nil {
				logger.Verbose("closing tunnel: %v", err)
			}
		}
	}

	if cfg.Transport == config.TransportWS {
		d := &transport.WSDialer{Path: cfg.WSPath, HandshakeTimeout: cfg.Timeout}
		if ssh != nil {
			d.NetDial = ssh.NetDial
		}
		return d, closeSSH
	}
	if ssh != nil {
		return ssh, closeSSH
	}
	return &transport.TCPDialer{
		Timeout:       cfg.Timeout,
		LocalPort:     cfg.LocalPort,
		MaxLineLength: config.DefaultMaxLineLength,
	}, closeSSH
}

func runServer(ctx context.Context, cfg *config.Config, logger *util.Logger) error {
	addr := util.FormatAddr(cfg.Host, cfg.LocalPort)

	// With -T the room is served on the gateway's port instead of a
	// local one.
	var ln net.Listener
	if cfg.TunnelEnabled {
		sc := sshConfig(cfg)
		sc.KeepAlive = config.DefaultKeepAlive
		tun := tunnel.NewSSHTunnel(sc, logger)
		if err := tun.Connect(ctx); err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		defer tun.Close()

		l, err := tun.Listen(ctx, cfg.Host, cfg.LocalPort)
		if err != nil {
			return err
		}
		ln = l
	} else {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		ln = l
	}

	var broker server.Broker
	if cfg.BrokerURL != "" {
		b, err := server.NewNATSBroker(server.NATSConfig{
			URL:     cfg.BrokerURL,
			Subject: cfg.Subject,
			Name:    "gochat " + addr,
		}, logger)
		if err != nil {
			ln.Close()
			return err
		}
		broker = b
	}

	srv, err := server.New(server.Options{
		Transport:     cfg.Transport,
		WSPath:        cfg.WSPath,
		MetricsPath:   cfg.MetricsPath,
		Echo:          cfg.Echo,
		Broker:        broker,
		MaxLineLength: config.DefaultMaxLineLength,
		WriteTimeout:  cfg.WriteTimeout,
		Logger:        logger,
	})
	if err != nil {
		ln.Close()
		if broker != nil {
			broker.Close()
		}
		return err
	}
	return srv.Serve(ctx, ln)
}
