package retry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failure threshold exceeded, calls blocked
	BreakerHalfOpen                     // probing whether the partner recovered
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is returned while the breaker refuses calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes one partner's breaker.
type BreakerConfig struct {
	Name        string
	MaxProbes   uint32        // requests allowed in half-open
	Interval    time.Duration // closed-state counter reset period
	OpenTimeout time.Duration // open-state duration before half-open
	TripAfter   uint32        // consecutive failures that trip the breaker
}

// DefaultBreakerConfig mirrors the partner-call defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxProbes:   3,
		Interval:    60 * time.Second,
		OpenTimeout: 30 * time.Second,
		TripAfter:   5,
	}
}

// Breaker is a minimal circuit breaker sat in front of each partner adapter.
// It only sees outcomes the classifier deems retryable-or-not upstream; the
// breaker itself counts raw failures.
type Breaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	generation   uint64
	failures     uint32
	probes       uint32
	probeSuccess uint32
	expiry       time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter == 0 {
		cfg = DefaultBreakerConfig(cfg.Name)
	}
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

// State returns the current state, applying any pending expiry transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Allow reports whether a call may proceed, reserving a probe slot in
// half-open. The returned generation must be passed to Record.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	switch state {
	case BreakerOpen:
		return gen, ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			return gen, ErrBreakerOpen
		}
		b.probes++
	}
	return gen, nil
}

// Record reports a call outcome back to the breaker. Outcomes from a previous
// generation are discarded.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)
	if generation != gen {
		return
	}

	if success {
		switch state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.probeSuccess++
			if b.probeSuccess >= b.cfg.MaxProbes {
				b.setState(BreakerClosed, now)
			}
		}
		return
	}

	switch state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.TripAfter {
			b.setState(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (BreakerState, uint64) {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			b.setState(BreakerHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	slog.Info("circuit breaker state change",
		"breaker", b.cfg.Name, "from", prev.String(), "to", state.String())
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.failures = 0
	b.probes = 0
	b.probeSuccess = 0

	switch b.state {
	case BreakerClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case BreakerOpen:
		b.expiry = now.Add(b.cfg.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}
