package server

import (
	"context"
	"sync"
	"time"

	"gochat/internal/metrics"
	"gochat/internal/protocol"
	"gochat/internal/transport"
	"gochat/util"
)

// sendQueue is how many lines a member may fall behind before it is
// disconnected.
const sendQueue = 64

// member is a client whose screen name has been accepted.
type member struct {
	name string
	conn transport.Conn
	send chan string
	done chan struct{}
	once sync.Once

	evicted bool // dropped by deliver; guarded by Hub.mu
}

func (m *member) stop() {
	m.once.Do(func() { close(m.done) })
}

// writeLoop is the member's only writer once it has joined.
func (m *member) writeLoop(timeout time.Duration, mc *metrics.Collector, logger *util.Logger) {
	for {
		select {
		case line := <-m.send:
			if timeout > 0 {
				m.conn.SetWriteDeadline(time.Now().Add(timeout)) //nolint:errcheck
			}
			if err := m.conn.WriteMessage(line); err != nil {
				logger.Verbose("write to %s: %v", m.name, err)
				m.conn.Close()
				return
			}
			mc.MessageSent(len(line))
		case <-m.done:
			return
		}
	}
}

// Hub tracks the members of the room and delivers broker traffic to
// them.  Screen names are unique within a hub.
type Hub struct {
	broker  Broker
	logger  *util.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	members map[string]*member
	unsub   func()
}

// NewHub subscribes a hub to broker.
func NewHub(broker Broker, logger *util.Logger, mc *metrics.Collector) (*Hub, error) {
	h := &Hub{
		broker:  broker,
		logger:  logger,
		metrics: mc,
		members: make(map[string]*member),
	}
	unsub, err := broker.Subscribe(h.deliver)
	if err != nil {
		return nil, err
	}
	h.unsub = unsub
	return h, nil
}

// admit runs the name handshake on conn: SUBMITNAME is repeated until
// the client offers a usable name nobody holds.  The accepted member
// has NAMEACCEPTED queued ahead of any room traffic.
func (h *Hub) admit(conn transport.Conn) (*member, error) {
	prompt := protocol.SubmitNameFrame().String()
	for {
		if err := conn.WriteMessage(prompt); err != nil {
			return nil, err
		}
		line, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		name, ok := protocol.ValidName(line)
		if !ok {
			continue
		}

		h.mu.Lock()
		if _, taken := h.members[name]; taken {
			h.mu.Unlock()
			h.logger.Verbose("name %q already taken", name)
			continue
		}
		m := &member{
			name: name,
			conn: conn,
			send: make(chan string, sendQueue),
			done: make(chan struct{}),
		}
		m.send <- protocol.NameAcceptedFrame(name).String()
		h.members[name] = m
		h.mu.Unlock()
		return m, nil
	}
}

// remove drops m from the room.  It reports whether the room should
// hear that m left: m was still a member, or deliver evicted it.
// Members disconnected by Close are not announced.
func (h *Hub) remove(m *member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.evicted {
		m.evicted = false
		return true
	}
	if h.members[m.name] != m {
		return false
	}
	delete(h.members, m.name)
	m.stop()
	return true
}

// deliver queues line for every member.  Members too slow to keep up
// are disconnected.
func (h *Hub) deliver(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, m := range h.members {
		select {
		case m.send <- line:
		default:
			h.logger.Warn("%s is not keeping up, disconnecting", name)
			delete(h.members, name)
			m.evicted = true
			m.stop()
			m.conn.Close()
		}
	}
}

// Publish sends a chat line to the whole room.
func (h *Hub) Publish(ctx context.Context, text string) error {
	return h.broker.Publish(ctx, protocol.MessageFrame(text).String())
}

// Names returns the screen names currently in the room.
func (h *Hub) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.members))
	for name := range h.members {
		names = append(names, name)
	}
	return names
}

// Close disconnects every member and unsubscribes from the broker.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
	for name, m := range h.members {
		delete(h.members, name)
		m.stop()
		m.conn.Close()
	}
}
