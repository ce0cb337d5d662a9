// Package metrics provides lightweight, lock-free counters for chat
// sessions and the companion server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a client session or a server.
type Collector struct {
	connectsTotal   atomic.Int64
	connectFailures atomic.Int64
	reconnects      atomic.Int64
	clientsActive   atomic.Int64
	messagesIn      atomic.Int64
	messagesOut     atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// Connected records a successful connect.
func (c *Collector) Connected() {
	if c == nil {
		return
	}
	c.connectsTotal.Add(1)
}

// ConnectFailed records a connect attempt that did not succeed.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
}

// Reconnect records an automatic reconnection attempt.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// ClientJoined increments the active client gauge (server side).
func (c *Collector) ClientJoined() {
	if c == nil {
		return
	}
	c.clientsActive.Add(1)
}

// ClientLeft decrements the active client gauge (server side).
func (c *Collector) ClientLeft() {
	if c == nil {
		return
	}
	c.clientsActive.Add(-1)
}

// Connects returns the number of successful connects.
func (c *Collector) Connects() int64 {
	if c == nil {
		return 0
	}
	return c.connectsTotal.Load()
}

// ConnectFailures returns the number of failed connect attempts.
func (c *Collector) ConnectFailures() int64 {
	if c == nil {
		return 0
	}
	return c.connectFailures.Load()
}

// Reconnects returns the number of automatic reconnection attempts.
func (c *Collector) Reconnects() int64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

// ActiveClients returns the current number of joined clients.
func (c *Collector) ActiveClients() int64 {
	if c == nil {
		return 0
	}
	return c.clientsActive.Load()
}

// ── Message metrics ──────────────────────────────────────────────────

// MessageReceived records one inbound message of n bytes.
func (c *Collector) MessageReceived(n int) {
	if c == nil {
		return
	}
	c.messagesIn.Add(1)
	c.bytesIn.Add(int64(n))
}

// MessageSent records one outbound message of n bytes.
func (c *Collector) MessageSent(n int) {
	if c == nil {
		return
	}
	c.messagesOut.Add(1)
	c.bytesOut.Add(int64(n))
}

// MessagesIn returns the number of inbound messages.
func (c *Collector) MessagesIn() int64 {
	if c == nil {
		return 0
	}
	return c.messagesIn.Load()
}

// MessagesOut returns the number of outbound messages.
func (c *Collector) MessagesOut() int64 {
	if c == nil {
		return 0
	}
	return c.messagesOut.Load()
}

// TotalBytesIn returns total payload bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total payload bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	Connects         int64  `json:"connects"`
	ConnectFailures  int64  `json:"connect_failures"`
	Reconnects       int64  `json:"reconnects"`
	ActiveClients    int64  `json:"active_clients"`
	MessagesIn       int64  `json:"messages_in"`
	MessagesOut      int64  `json:"messages_out"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		Connects:        c.connectsTotal.Load(),
		ConnectFailures: c.connectFailures.Load(),
		Reconnects:      c.reconnects.Load(),
		ActiveClients:   c.clientsActive.Load(),
		MessagesIn:      c.messagesIn.Load(),
		MessagesOut:     c.messagesOut.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
