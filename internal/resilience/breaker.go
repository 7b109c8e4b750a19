package resilience

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultBreakerThreshold is how many consecutive failed orchestrations
	// open a strategy's breaker.
	DefaultBreakerThreshold = 5
	// DefaultBreakerCooldown is how long an open breaker stays open with no
	// further activity before closing again.
	DefaultBreakerCooldown = 5 * time.Minute
)

type breakerState struct {
	failures    int
	lastFailure time.Time
	open        bool
}

// BreakerStatus is the externally visible state of one breaker, exposed on
// the health endpoint.
type BreakerStatus struct {
	Open        bool      `json:"open"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
}

// BreakerSet holds one circuit breaker per strategy name.
type BreakerSet struct {
	mu        sync.Mutex
	states    map[string]*breakerState
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger

	now func() time.Time
}

func NewBreakerSet(logger *slog.Logger, threshold int, cooldown time.Duration) *BreakerSet {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &BreakerSet{
		states:    make(map[string]*breakerState),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.With(slog.String("component", "circuit_breaker")),
		now:       time.Now,
	}
}

// Allow reports whether the strategy may run. An open breaker whose cooldown
// has elapsed closes here, on the first check after the quiet period.
func (b *BreakerSet) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[name]
	if !ok || !st.open {
		return true
	}
	if b.now().Sub(st.lastFailure) >= b.cooldown {
		st.open = false
		st.failures = 0
		b.logger.Info("breaker cooldown elapsed, closing", slog.String("strategy", name))
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker if open.
func (b *BreakerSet) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[name]
	if !ok {
		return
	}
	if st.open {
		b.logger.Info("breaker closed after successful recovery", slog.String("strategy", name))
	}
	st.open = false
	st.failures = 0
}

// RecordFailure counts one failed orchestration (not one failed attempt) and
// reports whether this failure opened the breaker.
func (b *BreakerSet) RecordFailure(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[name]
	if !ok {
		st = &breakerState{}
		b.states[name] = st
	}
	st.failures++
	st.lastFailure = b.now()
	if !st.open && st.failures >= b.threshold {
		st.open = true
		b.logger.Warn("breaker opened", slog.String("strategy", name), slog.Int("failures", st.failures))
		return true
	}
	return false
}

// Snapshot returns the current state of every breaker.
func (b *BreakerSet) Snapshot() map[string]BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]BreakerStatus, len(b.states))
	for name, st := range b.states {
		out[name] = BreakerStatus{
			Open:        st.open,
			Failures:    st.failures,
			LastFailure: st.lastFailure,
		}
	}
	return out
}
