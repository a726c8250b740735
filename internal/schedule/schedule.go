// Package schedule owns the background work of the process: periodic tasks
// such as counter eviction and reaper sweeps, and one-shot delayed tasks such
// as removing a derived artifact after its grace period.
//
// All timing goes through a clockwork.Clock so tests can drive the scheduler
// with a fake clock instead of sleeping.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrRunning = errors.New("schedule: already running")

type task struct {
	name   string
	period time.Duration
	fn     func(ctx context.Context)
}

type Scheduler struct {
	clock clockwork.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	tasks   []task
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group

	// delayed tasks still wanted; the timer is nil until AfterFunc returns
	pending map[uint64]clockwork.Timer
	nextID  uint64
}

func New(clock clockwork.Clock, log zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:   clock,
		log:     log.With().Str("component", "scheduler").Logger(),
		pending: make(map[uint64]clockwork.Timer),
	}
}

func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Every registers fn to run once per period while the scheduler is running.
// Tasks registered after Start begin immediately.
func (s *Scheduler) Every(name string, period time.Duration, fn func(ctx context.Context)) {
	if period <= 0 || fn == nil {
		s.log.Warn().Str("task", name).Dur("period", period).Msg("ignoring periodic task")
		return
	}
	t := task{name: name, period: period, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	if s.running {
		s.launch(t)
	}
}

// Start launches every registered periodic task. The tasks stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.group = gctx, cancel, g
	s.running = true

	for _, t := range s.tasks {
		s.launch(t)
	}
	s.log.Info().Int("tasks", len(s.tasks)).Msg("scheduler started")
	return nil
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(t task) {
	ctx := s.ctx
	s.group.Go(func() error {
		s.loop(ctx, t)
		return nil
	})
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	ticker := s.clock.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.safeRun(t.name, func() { t.fn(ctx) })
		}
	}
}

func (s *Scheduler) safeRun(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("task", name).Interface("panic", r).Msg("task panicked")
		}
	}()
	fn()
}

// Stop cancels the periodic tasks, waits for them to return and drops every
// delayed task that has not fired yet.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	g := s.group
	for id, timer := range s.pending {
		if timer != nil {
			timer.Stop()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	_ = g.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// After runs fn once, d from now, independently of Start/Stop. The returned
// cancel func reports whether it prevented fn from running.
func (s *Scheduler) After(name string, d time.Duration, fn func()) (cancel func() bool) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.pending[id] = nil
	s.mu.Unlock()

	timer := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		_, ok := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if ok {
			s.safeRun(name, fn)
		}
	})

	s.mu.Lock()
	if _, ok := s.pending[id]; ok {
		s.pending[id] = timer
	}
	s.mu.Unlock()

	return func() bool {
		s.mu.Lock()
		t, ok := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if ok && t != nil {
			t.Stop()
		}
		return ok
	}
}

// Pending reports how many delayed tasks have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
