package ratelimit

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/ctxerr"
)

// keyState holds the last-admitted timestamp for one API key.
type keyState struct {
	mu   sync.Mutex
	last time.Time
}

// KeyLimiter enforces a per-key minimum inter-request interval, derived from
// the key's configured rate_requests-per-period: r = period_seconds /
// rate_requests. State is a process-local mutex-protected map keyed by key
// id, grounded on proxy.CircuitBreaker's per-entity-map pattern (§4.10).
//
// Multi-process deployments only get a per-process bound — unchanged from
// the distilled spec's own acknowledgement (§9 Shared resources (b)).
type KeyLimiter struct {
	mu    sync.Mutex
	state map[configstore.ObjectID]*keyState
}

// NewKeyLimiter builds an empty KeyLimiter.
func NewKeyLimiter() *KeyLimiter {
	return &KeyLimiter{state: make(map[configstore.ObjectID]*keyState)}
}

// Allow checks the key's configured rate limit at time now. A key with
// RateRequests <= 0 has no limit and is always allowed. On rejection it
// returns *ctxerr.ErrTooManyRequests with RetryAfter set to the remaining
// wait; it does not advance the key's last-admitted timestamp.
func (l *KeyLimiter) Allow(key *configstore.APIKeyDoc, now time.Time) error {
	if key == nil || key.RateRequests <= 0 {
		return nil
	}
	interval := time.Duration(key.RatePeriod.Seconds() / float64(key.RateRequests) * float64(time.Second))

	st := l.stateFor(key.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	elapsed := now.Sub(st.last)
	if !st.last.IsZero() && elapsed < interval && elapsed >= 0 {
		return &ctxerr.ErrTooManyRequests{RetryAfter: (interval - elapsed).Seconds()}
	}
	st.last = now
	return nil
}

func (l *KeyLimiter) stateFor(id configstore.ObjectID) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.state[id]
	if !ok {
		st = &keyState{}
		l.state[id] = st
	}
	return st
}
