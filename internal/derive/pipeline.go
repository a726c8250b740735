// Package derive serves media files, watermarking them on the fly for callers
// on the restricted tier.
//
// Watermarking is best effort: a missing overlay image, a failed transform or
// a cancelled request all fall back to the untouched source. Derived files
// are temporary and remove themselves after a short grace period.
package derive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/AlexKimmel/mediagate/internal/schedule"
)

type Tier string

const (
	TierRestricted   Tier = "restricted"
	TierUnrestricted Tier = "unrestricted"
)

type Outcome string

const (
	// ServedOriginal: the caller's tier does not call for a watermark.
	ServedOriginal Outcome = "original"
	// ServedOriginalDegraded: a watermark was due but could not be produced.
	ServedOriginalDegraded Outcome = "original_degraded"
	ServedDerived          Outcome = "derived"
)

const (
	DefaultGrace         = 60 * time.Second
	DefaultMaxConcurrent = 2
	ContentType          = "video/mp4"
)

var ErrSourceMissing = errors.New("derive: source file not found")

// Transformer composites overlayPath onto sourcePath and writes outputPath.
type Transformer interface {
	Overlay(ctx context.Context, sourcePath, overlayPath, outputPath string) error
}

type Config struct {
	OverlayPath   string
	OutputDir     string
	Grace         time.Duration
	MaxConcurrent int64
}

type Artifact struct {
	SourcePath string
	OutputPath string // set only for ServedDerived
	CreatedAt  time.Time
	TTL        time.Duration
	Outcome    Outcome
}

// ServePath is the file whose bytes go to the caller.
func (a Artifact) ServePath() string {
	if a.Outcome == ServedDerived && a.OutputPath != "" {
		return a.OutputPath
	}
	return a.SourcePath
}

type Pipeline struct {
	cfg   Config
	tr    Transformer
	sched *schedule.Scheduler
	clock clockwork.Clock
	sem   *semaphore.Weighted
	log   zerolog.Logger

	// OnOutcome, if set, is told how every invocation ended.
	OnOutcome func(Outcome)
}

func New(cfg Config, tr Transformer, sched *schedule.Scheduler, log zerolog.Logger) *Pipeline {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Pipeline{
		cfg:   cfg,
		tr:    tr,
		sched: sched,
		clock: sched.Clock(),
		sem:   semaphore.NewWeighted(cfg.MaxConcurrent),
		log:   log.With().Str("component", "derive").Logger(),
	}
}

// Derive decides what to serve for sourcePath. The only error it returns is
// ErrSourceMissing (possibly wrapped) or a failure to stat the source.
func (p *Pipeline) Derive(ctx context.Context, sourcePath string, tier Tier) (Artifact, error) {
	info, err := os.Stat(sourcePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Artifact{}, fmt.Errorf("%w: %s", ErrSourceMissing, sourcePath)
	case err != nil:
		return Artifact{}, fmt.Errorf("derive: stat source: %w", err)
	case info.IsDir():
		return Artifact{}, fmt.Errorf("%w: %s is a directory", ErrSourceMissing, sourcePath)
	}

	a := Artifact{SourcePath: sourcePath, CreatedAt: p.clock.Now(), Outcome: ServedOriginal}
	if tier != TierRestricted {
		return p.finish(a), nil
	}

	log := p.log.With().Str("source", sourcePath).Logger()
	if _, err := os.Stat(p.cfg.OverlayPath); err != nil {
		log.Warn().Err(err).Str("overlay", p.cfg.OverlayPath).Msg("overlay unavailable, serving original")
		a.Outcome = ServedOriginalDegraded
		return p.finish(a), nil
	}

	out := filepath.Join(p.cfg.OutputDir, "wm_"+uuid.NewString()+".mp4")
	start := p.clock.Now()
	if err := p.transform(ctx, sourcePath, out); err != nil {
		log.Error().Err(err).Msg("watermark failed, serving original")
		p.remove(out)
		a.Outcome = ServedOriginalDegraded
		return p.finish(a), nil
	}
	log.Info().Str("output", out).Dur("took", p.clock.Since(start)).Msg("watermarked")

	a.OutputPath = out
	a.TTL = p.cfg.Grace
	a.Outcome = ServedDerived
	p.sched.After("derive.cleanup", p.cfg.Grace, func() { p.remove(out) })
	return p.finish(a), nil
}

func (p *Pipeline) transform(ctx context.Context, src, out string) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for transform slot: %w", err)
	}
	defer p.sem.Release(1)

	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return p.tr.Overlay(ctx, src, p.cfg.OverlayPath, out)
}

func (p *Pipeline) finish(a Artifact) Artifact {
	if p.OnOutcome != nil {
		p.OnOutcome(a.Outcome)
	}
	return a
}

// remove deletes a derived file; one that is already gone is fine.
func (p *Pipeline) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.log.Error().Err(err).Str("output", path).Msg("remove derived file")
	}
}

// Serve writes the bytes chosen by Derive as an mp4 attachment named after
// the source file. Cleanup of a derived file is already scheduled when the
// body starts streaming, so a slow or vanished client cannot keep it alive.
func (p *Pipeline) Serve(w http.ResponseWriter, r *http.Request, sourcePath string, tier Tier) error {
	a, err := p.Derive(r.Context(), sourcePath, tier)
	if err != nil {
		return err
	}

	f, err := os.Open(a.ServePath())
	if err != nil && a.Outcome == ServedDerived {
		p.log.Warn().Err(err).Str("output", a.OutputPath).Msg("derived file gone before serving, serving original")
		f, err = os.Open(a.SourcePath)
	}
	if err != nil {
		return fmt.Errorf("derive: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("derive: stat: %w", err)
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": filepath.Base(sourcePath),
	}))
	http.ServeContent(w, r, "", info.ModTime(), f)
	return nil
}
