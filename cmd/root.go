// Package cmd wires up the CLI flags and dispatches to the chat client
// or the companion server.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"gochat/config"
	"gochat/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X gochat/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Terminal endpoints; tests swap them out.
var ( //nolint:gochecknoglobals
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Execute parses args and runs the chat client or, with -l, the server.
func Execute(ctx context.Context, args []string) error {
	// ── environment ──────────────────────────────────────────────
	if err := config.LoadEnvFile(envFileFlag(args)); err != nil {
		return err
	}
	cfg := config.New()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("gochat", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── connection ───────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Run the chat server")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Listen port (-l) or local source port")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only, no DNS resolution")

	var useWS bool
	fs.BoolVar(&useWS, "ws", cfg.Transport == config.TransportWS, "Use WebSocket instead of line-framed TCP")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "WebSocket endpoint path")

	timeoutSec := int(cfg.Timeout / time.Second)
	fs.IntVarP(&timeoutSec, "timeout", "w", timeoutSec, "Connect timeout in seconds")
	writeTimeoutSec := int(cfg.WriteTimeout / time.Second)
	fs.IntVar(&writeTimeoutSec, "write-timeout", writeTimeoutSec, "Send timeout in seconds (0 = none)")

	// ── chat ─────────────────────────────────────────────────────
	fs.StringVarP(&cfg.Name, "name", "N", cfg.Name, "Screen name (prompted for when empty)")
	fs.BoolVar(&cfg.Raw, "raw", cfg.Raw, "Skip the name handshake and show lines verbatim")

	// ── reconnection ─────────────────────────────────────────────
	fs.BoolVarP(&cfg.AutoReconnect, "reconnect", "r", cfg.AutoReconnect, "Re-dial after the connection drops")
	fs.IntVar(&cfg.MaxReconnectAttempts, "max-reconnects", cfg.MaxReconnectAttempts, "Reconnect attempts (0 = unlimited)")

	// ── server ───────────────────────────────────────────────────
	fs.BoolVar(&cfg.Echo, "echo", cfg.Echo, "Echo every line back instead of chatting (-l)")
	fs.StringVar(&cfg.BrokerURL, "nats", cfg.BrokerURL, "NATS URL for sharing the room between servers (-l)")
	fs.StringVar(&cfg.Subject, "subject", cfg.Subject, "NATS subject for room traffic")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "Metrics endpoint path (-l --ws)")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "SSH tunnel via [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	verbosity := cfg.Verbose
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&cfg.EnvFile, "env-file", "", "Load GOCHAT_* variables from this file (default .env)")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and print it")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "gochat %s\n", version)
		return nil
	}

	if !fs.Changed("verbose") {
		cfg.Verbose = verbosity
	}
	// GOCHAT_LISTEN_PORT names the server's port; only -p picks a
	// client's source port.
	if !cfg.Listen && !fs.Changed("port") {
		cfg.LocalPort = 0
	}
	cfg.Timeout = time.Duration(timeoutSec) * time.Second
	cfg.WriteTimeout = time.Duration(writeTimeoutSec) * time.Second
	if useWS {
		cfg.Transport = config.TransportWS
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}

	// ── tunnel spec ──────────────────────────────────────────────
	if cfg.TunnelSpec != "" {
		user, host, port, err := config.ParseTunnelSpec(cfg.TunnelSpec)
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		cfg.TunnelEnabled = true
		cfg.TunnelUser = user
		cfg.TunnelHost = host
		cfg.TunnelPort = port
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Listen {
		if _, err := util.ResolveAddr(cfg.Host, cfg.Port, cfg.NoDNS); err != nil {
			return err
		}
	}

	if dryRun {
		printConfig(stdout, cfg)
		return nil
	}

	logger := util.NewLogger(cfg.Verbose)
	if cfg.Listen {
		return runServer(ctx, cfg, logger)
	}
	return runClient(ctx, cfg, logger)
}

// ── helpers ──────────────────────────────────────────────────────────

// envFileFlag finds --env-file before the full flag set exists, since
// the file feeds the defaults of every other flag.
func envFileFlag(args []string) string {
	fs := flag.NewFlagSet("gochat-env", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	path := fs.String("env-file", "", "")
	fs.Parse(args) //nolint:errcheck
	return *path
}

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Listen {
		switch len(remaining) {
		case 0: // gochat -l -p PORT
		case 1:
			cfg.Host = remaining[0]
		default:
			return fmt.Errorf("too many arguments for listen mode")
		}
		return nil
	}

	// Client mode: host port
	if len(remaining) < 1 {
		if cfg.Host == "" {
			return fmt.Errorf("hostname required (use --help for usage)")
		}
		if cfg.Port == 0 {
			cfg.Port = config.DefaultPort
		}
		return nil
	}
	cfg.Host = remaining[0]

	if len(remaining) < 2 {
		if cfg.Port == 0 {
			cfg.Port = config.DefaultPort
		}
		return nil
	}
	if len(remaining) > 2 {
		return fmt.Errorf("too many arguments")
	}
	port, err := config.ParsePort(remaining[1])
	if err != nil {
		return fmt.Errorf("port: %w", err)
	}
	cfg.Port = port
	return nil
}

func printConfig(w io.Writer, cfg *config.Config) {
	if cfg.Listen {
		mode := "chat"
		switch {
		case cfg.Echo:
			mode = "echo"
		case cfg.BrokerURL != "":
			mode = "chat via " + cfg.BrokerURL + " (" + cfg.Subject + ")"
		}
		fmt.Fprintf(w, "mode:      server (%s)\n", mode)
		fmt.Fprintf(w, "listen:    %s (%s)\n", util.FormatAddr(cfg.Host, cfg.LocalPort), cfg.Transport)
		if cfg.TunnelEnabled {
			fmt.Fprintf(w, "gateway:   %s@%s:%d\n", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
		}
		return
	}

	fmt.Fprintf(w, "mode:      client\n")
	fmt.Fprintf(w, "target:    %s (%s)\n", util.FormatAddr(cfg.Host, cfg.Port), cfg.Transport)
	fmt.Fprintf(w, "timeout:   %v\n", cfg.Timeout)
	if cfg.LocalPort > 0 {
		fmt.Fprintf(w, "source:    port %d\n", cfg.LocalPort)
	}
	name := cfg.Name
	switch {
	case cfg.Raw:
		name = "(raw)"
	case name == "":
		name = "(prompt)"
	}
	fmt.Fprintf(w, "name:      %s\n", name)
	switch {
	case !cfg.AutoReconnect:
		fmt.Fprintf(w, "reconnect: off\n")
	case cfg.MaxReconnectAttempts == 0:
		fmt.Fprintf(w, "reconnect: unlimited\n")
	default:
		fmt.Fprintf(w, "reconnect: up to %d attempts\n", cfg.MaxReconnectAttempts)
	}
	if cfg.TunnelEnabled {
		fmt.Fprintf(w, "tunnel:    %s@%s:%d\n", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stderr, `gochat - terminal chat client v%s

Usage:
  gochat [options] <host> [port]              Join a chat server (port %d)
  gochat -l -p <port> [options]               Run a chat server
  gochat -l -p <port> --echo                  Run an echo server
  gochat -T user@gateway <host> <port>        Join through an SSH gateway
  gochat -l -p <port> -T user@gateway         Serve a room on the gateway's port

Options:
`, version, config.DefaultPort)
	fs.PrintDefaults()
	fmt.Fprintf(stderr, `
Examples:
  gochat localhost 12345                      Chat, prompting for a name
  gochat -N ann chat.example.com 12345        Chat as "ann"
  gochat --ws -r chat.example.com 8080        WebSocket, reconnecting on drops
  gochat -l -p 12345                          Serve a chat room
  gochat -l -p 8080 --ws --nats nats://127.0.0.1:4222
                                              Share a room across servers
`)
}
