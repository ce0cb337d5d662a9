package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"gochat/util"
)

// Broker fans room traffic out to every subscriber, possibly across
// several server instances.
type Broker interface {
	// Publish delivers line to every subscriber.
	Publish(ctx context.Context, line string) error
	// Subscribe registers fn for every published line.  The returned
	// function cancels the subscription.
	Subscribe(fn func(line string)) (func(), error)
	Close() error
}

// ── In-memory ────────────────────────────────────────────────────────

// MemoryBroker delivers within the process, synchronously.
type MemoryBroker struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(string)
}

// NewMemoryBroker returns an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]func(string))}
}

func (b *MemoryBroker) Publish(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	fns := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(line)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(fn func(string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]func(string))
	b.mu.Unlock()
	return nil
}

// ── NATS ─────────────────────────────────────────────────────────────

// NATSConfig configures a NATSBroker.
type NATSConfig struct {
	URL           string // comma-separated server list
	Subject       string
	Name          string // client name shown by the NATS server
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBroker relays room traffic through a NATS subject so that several
// server instances share one room.
type NATSBroker struct {
	nc      *nats.Conn
	subject string
	logger  *util.Logger
}

// NewNATSBroker connects to the NATS servers in cfg.URL.
func NewNATSBroker(cfg NATSConfig, logger *util.Logger) (*NATSBroker, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats: subject is required")
	}
	if cfg.Name == "" {
		cfg.Name = "gochat"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	log := logger.Named("nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	log.Verbose("connected to %s, subject %q", nc.ConnectedUrl(), cfg.Subject)
	return &NATSBroker{nc: nc, subject: cfg.Subject, logger: log}, nil
}

func (b *NATSBroker) Publish(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.nc.Publish(b.subject, []byte(line))
}

func (b *NATSBroker) Subscribe(fn func(string)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		fn(string(m.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe: %v", err)
		}
	}, nil
}

// Close drains pending messages and disconnects.
func (b *NATSBroker) Close() error {
	return b.nc.Drain()
}
