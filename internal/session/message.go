package session

import (
	"sync"
	"time"
)

// OutboundMessage is a message written by Send.  It is not persisted.
type OutboundMessage struct {
	ID        string
	Text      string
	Timestamp time.Time
}

// InboundMessage is a message read from the server.
type InboundMessage struct {
	Text     string
	Origin   string // remote address of the connection it arrived on
	ConnID   uint64 // see Session.ConnID
	Received time.Time
}

// stream is the inbound sequence of a single connection.  The listening
// goroutine is its only producer and closes msgs when it exits; err is
// set exactly once, before done is closed.
type stream struct {
	msgs chan InboundMessage
	done chan struct{}
	once sync.Once
	err  error
}

func newStream(buffer int) *stream {
	return &stream{
		msgs: make(chan InboundMessage, buffer),
		done: make(chan struct{}),
	}
}

// finish records why the stream ended.  Only the first call counts.
func (st *stream) finish(err error) {
	st.once.Do(func() {
		st.err = err
		close(st.done)
	})
}

// closedMessages is handed out before the first connect.
var closedMessages = func() chan InboundMessage {
	ch := make(chan InboundMessage)
	close(ch)
	return ch
}()
