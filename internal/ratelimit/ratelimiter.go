package ratelimit

import (
	"context"

	"github.com/jonboulle/clockwork"
)

// RateLimiter applies a default Policy on top of a Store. Callers that get
// Allowed=false should retry after ResetAt; the limiter never queues.
type RateLimiter struct {
	store    Store
	clock    clockwork.Clock
	defaults Policy
}

func NewRateLimiter(store Store, clock clockwork.Clock, defaults Policy) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		store:    store,
		clock:    clock,
		defaults: defaults.orDefault(Policy{Limit: DefaultLimit, Window: DefaultWindow}),
	}
}

func (l *RateLimiter) Defaults() Policy { return l.defaults }

// Check admits one request for key. Zero fields in p take the defaults.
func (l *RateLimiter) Check(key string, p Policy) Decision {
	return l.store.Admit(key, p.orDefault(l.defaults), l.clock.Now())
}

func (l *RateLimiter) Allow(_ context.Context, key string, p Policy) (Decision, error) {
	return l.Check(key, p), nil
}
