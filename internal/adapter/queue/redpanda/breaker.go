package redpanda

import (
	"errors"
	"sync"
	"time"
)

// ErrFeedPaused is returned while the breaker holds the feed closed after
// consecutive broker failures. Callers already treat emit errors as
// best-effort, so a paused feed just stops them burning a produce timeout
// per event.
var ErrFeedPaused = errors.New("event feed paused: broker unavailable")

// feedBreaker trips after maxFailures consecutive produce errors and lets a
// single probe through once the cooldown passes. The probe's outcome decides
// whether the feed reopens.
type feedBreaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration

	failures    int
	lastFailure time.Time
	probing     bool
}

func newFeedBreaker(maxFailures int, cooldown time.Duration) *feedBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &feedBreaker{maxFailures: maxFailures, cooldown: cooldown}
}

func (b *feedBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.maxFailures {
		return true
	}
	if b.probing || time.Since(b.lastFailure) < b.cooldown {
		return false
	}
	b.probing = true
	return true
}

func (b *feedBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		return
	}
	b.failures = 0
}
