package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open.
var ErrBreakerOpen = errors.New("breaker open")

// BreakerState is the position of a [Breaker].
type BreakerState int

const (
	// Closed lets every call through.
	Closed BreakerState = iota
	// Open rejects calls until the cooldown has passed.
	Open
	// HalfOpen lets calls through after a cooldown; one failure reopens.
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops a reconnect loop from hammering an endpoint that keeps
// failing, such as an SSH gateway rejecting handshakes.  After
// Threshold consecutive failures it rejects calls for Cooldown, then
// lets trial calls through until Recover successes in a row close it
// again.
//
// Cancelled calls are not counted: the caller gave up, the endpoint
// did not fail.  The zero value is usable.
type Breaker struct {
	Threshold int           // default 5
	Cooldown  time.Duration // default 30s
	Recover   int           // default 1

	// OnChange is called under the breaker's lock on every transition.
	OnChange func(from, to BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the breaker's current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.successes = 0, 0
	b.moveLocked(Closed)
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	elapsed := b.nowLocked().Sub(b.openedAt)
	if elapsed >= b.cooldown() {
		b.successes = 0
		b.moveLocked(HalfOpen)
		return nil
	}
	return fmt.Errorf("%w after %d failures, retry in %v",
		ErrBreakerOpen, b.failures, (b.cooldown() - elapsed).Round(time.Second))
}

func (b *Breaker) record(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBreakerOpen) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == HalfOpen || b.failures >= b.threshold() {
			b.openedAt = b.nowLocked()
			b.moveLocked(Open)
		}
		return
	}

	b.successes++
	b.failures = 0
	if b.state == HalfOpen && b.successes >= b.needed() {
		b.moveLocked(Closed)
	}
}

func (b *Breaker) moveLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.OnChange != nil {
		b.OnChange(from, to)
	}
}

func (b *Breaker) nowLocked() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func (b *Breaker) threshold() int {
	if b.Threshold > 0 {
		return b.Threshold
	}
	return 5
}

func (b *Breaker) cooldown() time.Duration {
	if b.Cooldown > 0 {
		return b.Cooldown
	}
	return 30 * time.Second
}

func (b *Breaker) needed() int {
	if b.Recover > 0 {
		return b.Recover
	}
	return 1
}
