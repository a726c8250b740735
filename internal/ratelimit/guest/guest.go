// Package guest tracks the daily allowance of anonymous callers, keyed by
// network address.
//
// Guest flows run in three steps: CheckEligibility before starting expensive
// work, the work itself, then CommitUsage once it succeeded. A failed job
// therefore never spends the caller's allowance.
package guest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/AlexKimmel/mediagate/internal/ratelimit"
	"github.com/AlexKimmel/mediagate/internal/schedule"
)

const (
	DailyLimit = 1
	Window     = 24 * time.Hour
)

// policy is fixed so anonymous callers cannot tune their own quota.
var policy = ratelimit.Policy{Limit: DailyLimit, Window: Window}

type Eligibility struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

type Tracker struct {
	store ratelimit.Store
	clock clockwork.Clock
}

// New wraps a store dedicated to guests; sharing it with the request limiter
// would mix the two windows.
func New(store ratelimit.Store, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{store: store, clock: clock}
}

func (t *Tracker) Limit() int { return DailyLimit }

// CheckEligibility opens the caller's daily window if needed. It never
// counts usage.
func (t *Tracker) CheckEligibility(ip string) Eligibility {
	now := t.clock.Now()
	d := t.store.Peek(ip, policy, now)
	return Eligibility{
		Allowed:   d.Allowed,
		Remaining: d.Remaining,
		ResetIn:   d.ResetAt.Sub(now),
	}
}

// CommitUsage spends one unit of the caller's allowance. Without a prior
// CheckEligibility for ip there is no record and the call does nothing.
func (t *Tracker) CommitUsage(ip string) {
	t.store.Commit(ip, t.clock.Now())
}

func (t *Tracker) Remaining(ip string) int {
	return t.store.Remaining(ip, policy, t.clock.Now())
}

func (t *Tracker) Tracked() int { return t.store.Len() }

// RegisterEviction schedules the purge of stale guest records, hourly unless
// interval says otherwise.
func (t *Tracker) RegisterEviction(sched *schedule.Scheduler, interval time.Duration, onEvict func(n int)) {
	if interval <= 0 {
		interval = time.Hour
	}
	clock := sched.Clock()
	sched.Every("guest.evict", interval, func(_ context.Context) {
		if n := t.store.Evict(clock.Now()); n > 0 && onEvict != nil {
			onEvict(n)
		}
	})
}
