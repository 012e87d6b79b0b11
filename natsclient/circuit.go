package natsclient

import (
	"sync"
	"time"
)

const (
	defaultCircuitThreshold = 5
	initialBackoff          = time.Second
)

// breaker counts connection failures. Every threshold consecutive failures
// trip it; each trip doubles the backoff, capped at maxBackoff.
type breaker struct {
	threshold  int32
	maxBackoff time.Duration

	mu          sync.Mutex
	total       int32
	run         int32
	backoff     time.Duration
	lastFailure time.Time
}

func newBreaker() *breaker {
	return &breaker{
		threshold:  defaultCircuitThreshold,
		maxBackoff: time.Minute,
		backoff:    initialBackoff,
	}
}

// fail records one failure. When it trips the breaker it returns how long
// the circuit stays open.
func (b *breaker) fail() (tripped bool, open time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.run++
	b.lastFailure = time.Now()
	if b.run < b.threshold {
		return false, 0
	}

	b.run = 0
	open = b.backoff
	b.backoff = min(b.backoff*2, b.maxBackoff)
	return true, open
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = 0
	b.run = 0
	b.backoff = initialBackoff
	b.lastFailure = time.Time{}
}

type breakerSnapshot struct {
	failures    int32
	backoff     time.Duration
	lastFailure time.Time
}

func (b *breaker) snapshot() breakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return breakerSnapshot{failures: b.total, backoff: b.backoff, lastFailure: b.lastFailure}
}
