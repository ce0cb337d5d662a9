// Package config defines the runtime configuration for gochat and
// provides helpers for parsing ports and tunnel specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	cherr "gochat/internal/errors"
)

// Transport names.  --ws selects TransportWS, as does GOCHAT_TRANSPORT=ws.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Config holds every tuneable for a gochat client or server.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host         string
	Port         int
	Transport    string // "tcp" (newline framed) or "ws"
	WSPath       string
	Timeout      time.Duration // connect bound
	WriteTimeout time.Duration
	NoDNS        bool
	LocalPort    int // client: source port; server: listen port

	// ── Chat ─────────────────────────────────────────────────────────
	Name string // preset screen name; prompted for when empty
	Raw  bool   // skip the SUBMITNAME handshake

	// ── Reconnection ─────────────────────────────────────────────────
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration

	// ── Server ───────────────────────────────────────────────────────
	Listen      bool
	Echo        bool
	BrokerURL   string // NATS server URL; in-memory fan-out when empty
	Subject     string // NATS subject for room traffic
	MetricsPath string

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	EnvFile string
}

// New returns a Config populated with the defaults from defaults.go.
func New() *Config {
	return &Config{
		Transport:            TransportTCP,
		WSPath:               DefaultWSPath,
		Timeout:              DefaultConnTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectBackoff:     DefaultReconnectBackoff,
		Subject:              DefaultSubject,
		MetricsPath:          DefaultMetricsPath,
		Verbose:              1,
	}
}

// ParsePort accepts a decimal port number in 1-65535.
func ParsePort(spec string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(spec))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q: expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportWS:
	default:
		return &cherr.ConfigError{
			Field:   "transport",
			Value:   c.Transport,
			Message: "unknown transport",
			Hint:    "use tcp or ws",
		}
	}

	if c.Listen {
		if c.LocalPort == 0 {
			return &cherr.ConfigError{
				Field:   "port",
				Message: "listen mode requires a port",
				Hint:    "gochat -l -p 12345",
			}
		}
		if c.TunnelEnabled && c.TunnelHost == "" {
			return fmt.Errorf("tunnel host is required")
		}
		if c.BrokerURL != "" && c.Echo {
			return fmt.Errorf("--echo and --nats are mutually exclusive")
		}
		return nil
	}

	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("hostname is required (use --help for usage)")
	}
	if c.Port < 1 || c.Port > 65535 {
		return &cherr.ConfigError{
			Field:   "port",
			Value:   c.Port,
			Message: "destination port out of range 1-65535",
		}
	}
	if c.Timeout < 0 {
		return &cherr.ConfigError{Field: "timeout", Value: c.Timeout, Message: "must not be negative"}
	}
	if c.AutoReconnect && c.MaxReconnectAttempts < 0 {
		return &cherr.ConfigError{
			Field:   "max-reconnects",
			Value:   c.MaxReconnectAttempts,
			Message: "must not be negative",
			Hint:    "0 retries forever",
		}
	}
	if c.Echo || c.BrokerURL != "" {
		return fmt.Errorf("--echo and --nats only apply to listen mode (-l)")
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return fmt.Errorf("tunnel host is required")
	}
	return nil
}
