// Package reaper bounds the disk usage of the service's scratch directories
// by deleting files that outlived their maximum age.
//
// Sweeps are best effort. A missing directory, a file that cannot be removed
// or a file another sweep already removed is logged and skipped; nothing
// aborts the pass. Callers are trusted: authorising a trigger is their job.
package reaper

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/mediagate/internal/schedule"
)

const (
	DefaultMaxAge   = 24 * time.Hour
	DefaultKeepFile = ".gitkeep"
)

type Target struct {
	Dir    string
	MaxAge time.Duration
}

type Result struct {
	DeletedCount   int   `json:"deletedCount"`
	RecoveredBytes int64 `json:"recoveredBytes"`
}

// RecoveredMB is RecoveredBytes in mebibytes, rounded to two decimals.
func (r Result) RecoveredMB() float64 {
	return math.Round(float64(r.RecoveredBytes)/(1<<20)*100) / 100
}

// DefaultTargets are the temp and output directories under root.
func DefaultTargets(root string) []Target {
	return []Target{
		{Dir: filepath.Join(root, "public", "temp"), MaxAge: DefaultMaxAge},
		{Dir: filepath.Join(root, "public", "output"), MaxAge: DefaultMaxAge},
	}
}

type Reaper struct {
	targets  []Target
	keepFile string
	clock    clockwork.Clock
	log      zerolog.Logger

	// OnSweep, if set, receives the result of every sweep.
	OnSweep func(Result)
}

func New(targets []Target, keepFile string, clock clockwork.Clock, log zerolog.Logger) *Reaper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if keepFile == "" {
		keepFile = DefaultKeepFile
	}
	ts := make([]Target, len(targets))
	for i, t := range targets {
		if t.MaxAge <= 0 {
			t.MaxAge = DefaultMaxAge
		}
		ts[i] = t
	}
	return &Reaper{
		targets:  ts,
		keepFile: keepFile,
		clock:    clock,
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

func (r *Reaper) Targets() []Target { return r.targets }

// Sweep runs one pass over every target. A cancelled ctx ends the pass early
// and returns what was reclaimed so far.
func (r *Reaper) Sweep(ctx context.Context) Result {
	now := r.clock.Now()
	var res Result

	r.log.Info().Int("targets", len(r.targets)).Msg("sweep started")
	for _, t := range r.targets {
		if ctx.Err() != nil {
			r.log.Warn().Err(ctx.Err()).Msg("sweep interrupted")
			break
		}
		r.sweepDir(ctx, t, now, &res)
	}

	r.log.Info().
		Int("deleted", res.DeletedCount).
		Float64("recovered_mb", res.RecoveredMB()).
		Msg("sweep finished")
	if r.OnSweep != nil {
		r.OnSweep(res)
	}
	return res
}

func (r *Reaper) sweepDir(ctx context.Context, t Target, now time.Time, res *Result) {
	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.log.Warn().Str("dir", t.Dir).Msg("target directory not found")
		} else {
			r.log.Error().Err(err).Str("dir", t.Dir).Msg("list target directory")
		}
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || e.Name() == r.keepFile {
			continue
		}

		path := filepath.Join(t.Dir, e.Name())
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.log.Error().Err(err).Str("file", path).Msg("stat file")
			}
			continue
		}
		if !info.Mode().IsRegular() || now.Sub(info.ModTime()) <= t.MaxAge {
			continue
		}

		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// another sweep or the derived-artifact cleanup got there first
				continue
			}
			r.log.Error().Err(err).Str("file", path).Msg("delete file")
			continue
		}

		res.DeletedCount++
		res.RecoveredBytes += info.Size()
		r.log.Debug().Str("file", path).Int64("bytes", info.Size()).Msg("deleted")
	}
}

// Register schedules a sweep every interval.
func (r *Reaper) Register(sched *schedule.Scheduler, interval time.Duration) {
	sched.Every("reaper.sweep", interval, func(ctx context.Context) {
		r.Sweep(ctx)
	})
}
