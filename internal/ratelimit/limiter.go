package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit  = 10
	DefaultWindow = time.Hour
)

// Policy is a fixed-window limit: at most Limit admissions per Window,
// with the window anchored at the first request of each identifier.
type Policy struct {
	Limit  int
	Window time.Duration
}

// orDefault fills zero fields from d.
func (p Policy) orDefault(d Policy) Policy {
	if p.Limit <= 0 {
		p.Limit = d.Limit
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	return p
}

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int       // admissions left in the current window (min 0)
	ResetAt   time.Time // when the current window closes
}

// RetryAfter is how long a denied caller should wait before trying again.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Store keeps one counter record per identifier. Implementations make each
// operation atomic per identifier.
type Store interface {
	// Admit counts one request against key if the window has room.
	Admit(key string, p Policy, now time.Time) Decision
	// Peek opens a window for key if needed but never counts a request.
	Peek(key string, p Policy, now time.Time) Decision
	// Commit counts one request against an existing record. It reports
	// false and does nothing when key has no record.
	Commit(key string, now time.Time) bool
	// Remaining is a pure read; keys without a live window get p.Limit.
	Remaining(key string, p Policy, now time.Time) int
	// Evict drops records whose window closed more than one window ago.
	Evict(now time.Time) int
	Len() int
}

type Limiter interface {
	Allow(ctx context.Context, key string, p Policy) (Decision, error)
}
