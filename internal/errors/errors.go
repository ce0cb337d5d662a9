// Package errors provides the error kinds surfaced by gochat.
//
// Connection-level failures are classified into a small set of kinds
// (connection, timeout, not-connected, cancelled) so the presentation
// layer can react to them without string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrCancelled        = errors.New("operation cancelled")
	ErrTunnelClosed     = errors.New("tunnel is closed")
	ErrAuthFailed       = errors.New("authentication failed")
)

// ── Structured error types ───────────────────────────────────────────

// ConnectionError reports an unreachable or refusing host, or a
// connection the peer tore down.
type ConnectionError struct {
	Op   string // "dial", "read", "write"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports an operation that got no response within its
// configured bound.
type TimeoutError struct {
	Op    string
	Addr  string
	After time.Duration // zero if the bound is unknown
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s %s: timed out after %v", e.Op, e.Addr, e.After)
	}
	return fmt.Sprintf("%s %s: timed out", e.Op, e.Addr)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout lets callers treat TimeoutError like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// SSHError represents an SSH-specific failure with gateway context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "channel"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // flag name without dashes
	Value   interface{} // nil if missing
	Message string
	Hint    string // optional
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Cancelled returns ErrCancelled annotated with the aborted operation.
func Cancelled(op string) error {
	return fmt.Errorf("%s: %w", op, ErrCancelled)
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Classify maps a raw network error from op on addr onto one of the
// gochat error kinds.  after is the bound that was in force, if any.
// Errors that are already classified pass through unchanged.
func Classify(op, addr string, after time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if IsCancelled(err) || isClassified(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		// Keep context.Canceled in the chain for callers that test for it.
		return fmt.Errorf("%s %s: %w: %w", op, addr, ErrCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Addr: addr, After: after, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: op, Addr: addr, After: after, Err: err}
	}
	if errors.Is(err, io.EOF) {
		return &ConnectionError{Op: op, Addr: addr, Err: errors.New("connection closed by peer")}
	}
	return &ConnectionError{Op: op, Addr: addr, Err: err}
}

func isClassified(err error) bool {
	var ce *ConnectionError
	var te *TimeoutError
	return errors.As(err, &ce) || errors.As(err, &te)
}

// ── Classification helpers ───────────────────────────────────────────

// IsCancelled reports whether err is (or wraps) ErrCancelled.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsClosed reports whether err is the expected result of reading from
// or writing to a connection that was closed locally.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// IsRetryable reports whether a failed connection is worth re-dialling.
// Cancellation is never retryable; timeouts and connection errors are.
func IsRetryable(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	return IsTimeout(err) || IsConnection(err)
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
