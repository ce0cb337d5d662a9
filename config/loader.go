package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables, including a .env file  (this file)
//   3. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process
// environment without overriding variables that are already set.  An
// empty path means DefaultEnvFile, which is optional; an explicit path
// that does not exist is an error.
func LoadEnvFile(path string) error {
	optional := path == ""
	if optional {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the GOCHAT_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GOCHAT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("GOCHAT_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("GOCHAT_TRANSPORT"); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("GOCHAT_WS_PATH"); v != "" {
		cfg.WSPath = v
	}
	if v := envInt("GOCHAT_TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}
	if v := envInt("GOCHAT_WRITE_TIMEOUT"); v > 0 {
		cfg.WriteTimeout = secondsDuration(v)
	}
	if envBool("GOCHAT_NO_DNS") {
		cfg.NoDNS = true
	}

	// Chat
	if v := os.Getenv("GOCHAT_NAME"); v != "" {
		cfg.Name = v
	}
	if envBool("GOCHAT_RAW") {
		cfg.Raw = true
	}

	// Reconnection
	if envBool("GOCHAT_RECONNECT") {
		cfg.AutoReconnect = true
	}
	if v := envInt("GOCHAT_MAX_RECONNECTS"); v > 0 {
		cfg.MaxReconnectAttempts = v
	}

	// Server
	if envBool("GOCHAT_LISTEN") {
		cfg.Listen = true
	}
	if v := envInt("GOCHAT_LISTEN_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if envBool("GOCHAT_ECHO") {
		cfg.Echo = true
	}
	if v := os.Getenv("GOCHAT_NATS_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("GOCHAT_SUBJECT"); v != "" {
		cfg.Subject = v
	}

	// SSH tunnel
	if v := os.Getenv("GOCHAT_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("GOCHAT_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("GOCHAT_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("GOCHAT_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("GOCHAT_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("GOCHAT_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("GOCHAT_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
