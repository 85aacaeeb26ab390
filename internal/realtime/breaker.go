package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

var ErrBreakerOpen = errors.New("circuit breaker open")

// Breaker guards connection attempts. Repeated failures open it, which fails
// attempts fast for the cooldown window; a probe is then allowed in half-open,
// and repeated successes close it again.
type Breaker struct {
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
}

func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if successThreshold <= 0 {
		successThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		state:            BreakerClosed,
	}
}

// Allow reports whether an attempt may proceed. In the open state it fails
// fast until the cooldown elapses, then moves to half-open for one probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.successCount = 0
			return nil
		}
		remaining := b.cooldown - time.Since(b.lastFailure)
		return fmt.Errorf("%w, retry in %s", ErrBreakerOpen, remaining.Round(time.Millisecond))
	default:
		return fmt.Errorf("unknown breaker state %q", b.state)
	}
}

// Mark records an attempt outcome; nil marks success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case BreakerClosed:
			b.failureCount = 0
		case BreakerHalfOpen:
			b.successCount++
			if b.successCount >= b.successThreshold {
				b.state = BreakerClosed
				b.failureCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.lastFailure = time.Now()
	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// Any failure during the probe reopens immediately.
		b.state = BreakerOpen
		b.successCount = 0
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
}
