package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultPort is the chat server's well-known port.
	DefaultPort = 12345

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout bounds a single connect attempt.
	DefaultConnTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds a single message write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxReconnectAttempts is how many times the session
	// re-dials after a drop when --reconnect is set.
	DefaultMaxReconnectAttempts = 10

	// DefaultReconnectBackoff is the initial reconnection delay.
	DefaultReconnectBackoff = 1 * time.Second

	// DefaultMaxReconnectBackoff caps the exponential backoff between
	// reconnection attempts.
	DefaultMaxReconnectBackoff = 60 * time.Second

	// DefaultInboundBuffer is the capacity of a session's inbound
	// message channel.
	DefaultInboundBuffer = 64

	// DefaultMaxLineLength bounds a single newline-framed message.
	DefaultMaxLineLength = 64 * 1024

	// DefaultWSPath is the WebSocket endpoint of the chat server.
	DefaultWSPath = "/chat"

	// DefaultMetricsPath serves the server's metrics snapshot.
	DefaultMetricsPath = "/metrics"

	// DefaultSubject is the NATS subject carrying room traffic.
	DefaultSubject = "gochat.room"

	// DefaultEnvFile is loaded when present and --env-file is not given.
	DefaultEnvFile = ".env"

	// DefaultKeepAlive is the ping interval of a gateway serving the
	// room with -l -T.
	DefaultKeepAlive = 30 * time.Second

	// DefaultGracePeriod is how long the server waits for handlers on
	// shutdown.
	DefaultGracePeriod = 5 * time.Second
)
