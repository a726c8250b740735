// Package memory is the process-local counter store behind both the request
// rate limiter and the guest quota tracker. State lives only in memory: a
// restart hands every identifier a fresh window.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/mediagate/internal/ratelimit"
	"github.com/AlexKimmel/mediagate/internal/schedule"
)

type record struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	window      time.Duration
	dead        bool // evicted; holders must look the key up again
}

// roll opens a new window when the current one is older than window.
func (r *record) roll(window time.Duration, now time.Time) {
	if now.Sub(r.windowStart) > window {
		r.count = 0
		r.windowStart = now
	}
	r.window = window
}

func (r *record) expired(window time.Duration, now time.Time) bool {
	return now.Sub(r.windowStart) > window
}

// Store is a fixed-window counter store. Every operation on one key runs in
// that key's critical section; different keys never contend.
type Store struct {
	records sync.Map // key -> *record
	size    atomic.Int64
}

var _ ratelimit.Store = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// lock returns the live record for key with its mutex held. With create it
// opens a record anchored at now; without it a missing key yields nil.
func (s *Store) lock(key string, create bool, now time.Time, window time.Duration) *record {
	for {
		v, ok := s.records.Load(key)
		if !ok {
			if !create {
				return nil
			}
			var loaded bool
			v, loaded = s.records.LoadOrStore(key, &record{windowStart: now, window: window})
			if !loaded {
				s.size.Add(1)
			}
		}

		r := v.(*record)
		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

func (s *Store) Admit(key string, p ratelimit.Policy, now time.Time) ratelimit.Decision {
	if p.Limit <= 0 || p.Window <= 0 {
		return ratelimit.Decision{Allowed: true}
	}

	r := s.lock(key, true, now, p.Window)
	defer r.mu.Unlock()

	r.roll(p.Window, now)
	resetAt := r.windowStart.Add(p.Window)

	if r.count >= p.Limit {
		return ratelimit.Decision{Allowed: false, Limit: p.Limit, Remaining: 0, ResetAt: resetAt}
	}

	r.count++
	return ratelimit.Decision{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - r.count,
		ResetAt:   resetAt,
	}
}

func (s *Store) Peek(key string, p ratelimit.Policy, now time.Time) ratelimit.Decision {
	if p.Limit <= 0 || p.Window <= 0 {
		return ratelimit.Decision{Allowed: true}
	}

	r := s.lock(key, true, now, p.Window)
	defer r.mu.Unlock()

	r.roll(p.Window, now)
	return ratelimit.Decision{
		Allowed:   r.count < p.Limit,
		Limit:     p.Limit,
		Remaining: max(p.Limit-r.count, 0),
		ResetAt:   r.windowStart.Add(p.Window),
	}
}

func (s *Store) Commit(key string, now time.Time) bool {
	r := s.lock(key, false, now, 0)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()

	r.count++
	return true
}

func (s *Store) Remaining(key string, p ratelimit.Policy, now time.Time) int {
	r := s.lock(key, false, now, 0)
	if r == nil {
		return p.Limit
	}
	defer r.mu.Unlock()

	if r.expired(p.Window, now) {
		return p.Limit
	}
	return max(p.Limit-r.count, 0)
}

// Evict drops every record whose window closed at least one full window
// before now, which keeps the map to identifiers seen in the last two windows.
func (s *Store) Evict(now time.Time) int {
	evicted := 0
	s.records.Range(func(k, v any) bool {
		r := v.(*record)
		r.mu.Lock()
		if !now.Before(r.windowStart.Add(2 * r.window)) {
			r.dead = true
			if s.records.CompareAndDelete(k, r) {
				evicted++
			}
		}
		r.mu.Unlock()
		return true
	})
	s.size.Add(int64(-evicted))
	return evicted
}

func (s *Store) Len() int {
	return int(s.size.Load())
}

// RegisterEviction schedules Evict every interval on sched. onEvict, if set,
// receives the number of records dropped by each non-empty pass.
func (s *Store) RegisterEviction(sched *schedule.Scheduler, name string, interval time.Duration, onEvict func(n int)) {
	clock := sched.Clock()
	sched.Every(name, interval, func(context.Context) {
		if n := s.Evict(clock.Now()); n > 0 && onEvict != nil {
			onEvict(n)
		}
	})
}
