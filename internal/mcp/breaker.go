package mcp

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's current disposition.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker opens after consecutiveFailureLimit in a row, refuses calls for
// cooldown, then allows exactly one half-open probe; a probe success
// closes it again, a probe failure reopens it for another cooldown
// (spec C9: "opens after N consecutive failures, half-open probe").
type breaker struct {
	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	openedAt         time.Time

	failureLimit int
	cooldown     time.Duration
}

func newBreaker(failureLimit int, cooldown time.Duration) *breaker {
	if failureLimit <= 0 {
		failureLimit = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{failureLimit: failureLimit, cooldown: cooldown}
}

// allow reports whether a call may proceed right now, transitioning an
// expired open breaker into half-open so exactly one probe gets through.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		return false // a probe is already in flight
	default: // breakerOpen
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.consecutiveFails = 0
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.failureLimit {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
