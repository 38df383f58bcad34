// Package breaker implements the per-dependency circuit breaker from
// spec §7: 5 failures in 60s opens for 60s; half-open probes the first
// 3 attempts.
package breaker

import (
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Breaker guards one external dependency (the store, the ACL source).
type Breaker struct {
	mu sync.Mutex

	failureWindow time.Duration
	failureLimit  int
	openDuration  time.Duration
	probeLimit    int

	st           state
	failures     []time.Time
	openedAt     time.Time
	probesLeft   int
	onStateChange func(open bool)
}

// New returns a closed breaker with spec defaults (5/60s, open 60s, 3
// half-open probes).
func New(onStateChange func(open bool)) *Breaker {
	return &Breaker{
		failureWindow: 60 * time.Second,
		failureLimit:  5,
		openDuration:  60 * time.Second,
		probeLimit:    3,
		onStateChange: onStateChange,
	}
}

// Allow reports whether a call should proceed. It must be paired with
// a later call to Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case closed:
		return true
	case open:
		if time.Since(b.openedAt) >= b.openDuration {
			b.st = halfOpen
			b.probesLeft = b.probeLimit
		} else {
			return false
		}
		fallthrough
	case halfOpen:
		if b.probesLeft <= 0 {
			return false
		}
		b.probesLeft--
		return true
	}
	return true
}

// Success resets the breaker to closed.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st != closed {
		b.setState(closed)
	}
	b.failures = nil
}

// Failure records a failure and may open the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == halfOpen {
		b.setState(open)
		b.openedAt = time.Now()
		return
	}

	now := time.Now()
	cutoff := now.Add(-b.failureWindow)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.failureLimit {
		b.setState(open)
		b.openedAt = now
		b.failures = nil
	}
}

// IsOpen reports the current open/half-open-closed state for metrics.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st == open
}

func (b *Breaker) setState(s state) {
	prev := b.st
	b.st = s
	if b.onStateChange != nil && (prev == open) != (s == open) {
		b.onStateChange(s == open)
	}
}
