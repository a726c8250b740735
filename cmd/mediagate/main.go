package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/mediagate/internal/api"
	"github.com/AlexKimmel/mediagate/internal/auth"
	"github.com/AlexKimmel/mediagate/internal/config"
	"github.com/AlexKimmel/mediagate/internal/derive"
	"github.com/AlexKimmel/mediagate/internal/gateway"
	"github.com/AlexKimmel/mediagate/internal/obs"
	"github.com/AlexKimmel/mediagate/internal/ratelimit"
	"github.com/AlexKimmel/mediagate/internal/ratelimit/guest"
	"github.com/AlexKimmel/mediagate/internal/ratelimit/memory"
	"github.com/AlexKimmel/mediagate/internal/reaper"
	"github.com/AlexKimmel/mediagate/internal/routing"
	"github.com/AlexKimmel/mediagate/internal/schedule"
)

var version = "v0.1.0"

func main() {
	started := time.Now()

	// bootstrap logger until the configured level is known
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := config.LoadDotEnv(); err != nil {
		boot.Fatal().Err(err).Msg("load .env")
	}
	cfgPath := "./config.yaml"
	if v := os.Getenv("MEDIAGATE_CONFIG"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("env", cfg.Environment).Str("version", version).Msg("starting")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	sched := schedule.New(clockwork.NewRealClock(), logger)

	// admission
	limitStore := memory.New()
	limitStore.RegisterEviction(sched, "ratelimit.evict", cfg.Limits.EvictionInterval(), metrics.OnEvicted("ratelimit"))
	metrics.TrackRecords("ratelimit", limitStore.Len)
	limiter := ratelimit.NewRateLimiter(limitStore, sched.Clock(), ratelimit.Policy{
		Limit:  cfg.Limits.Default.Limit,
		Window: cfg.Limits.Window(),
	})

	guestStore := memory.New()
	guests := guest.New(guestStore, sched.Clock())
	guests.RegisterEviction(sched, cfg.Guest.EvictionInterval(), metrics.OnEvicted("guest"))
	metrics.TrackRecords("guest", guestStore.Len)

	// disk
	targets := make([]reaper.Target, 0, len(cfg.Reaper.Dirs))
	for _, d := range cfg.Reaper.Dirs {
		targets = append(targets, reaper.Target{Dir: d, MaxAge: cfg.Reaper.MaxAge()})
	}
	rp := reaper.New(targets, cfg.Reaper.KeepFile, sched.Clock(), logger)
	rp.OnSweep = metrics.OnSweep
	rp.Register(sched, cfg.Reaper.Interval())

	pipeline := derive.New(derive.Config{
		OverlayPath:   cfg.Derive.OverlayPath,
		OutputDir:     cfg.Derive.OutputDir,
		Grace:         cfg.Derive.Grace(),
		MaxConcurrent: cfg.Derive.MaxConcurrent,
	}, derive.FFmpeg{Path: cfg.Derive.FFmpegPath}, sched, logger)
	pipeline.OnOutcome = metrics.OnOutcome

	// http
	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.Health(cfg.Environment, started, sched.Clock()))
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	api.New(api.Options{
		Reaper:          rp,
		Pipeline:        pipeline,
		Guest:           guests,
		MediaRoot:       cfg.Derive.MediaRoot,
		CronSecret:      cfg.Cron.Secret,
		RequireCronAuth: cfg.Production(),
		Log:             logger,
	}).Register(mux)

	rr := routing.New()
	for _, rc := range cfg.Routes {
		rt := &routing.Route{
			ID:         rc.ID,
			Prefix:     rc.Match.PathPrefix,
			GuestQuota: rc.GuestQuota,
			Limit:      ratelimit.Policy{Limit: rc.Limit.Requests, Window: rc.Window()},
		}
		if len(rc.Match.Methods) > 0 {
			rt.Methods = make(map[string]struct{}, len(rc.Match.Methods))
			for _, m := range rc.Match.Methods {
				rt.Methods[strings.ToUpper(m)] = struct{}{}
			}
		}
		rr.Add(rt)
	}

	keys := make(map[string]auth.Principal, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		keys[k.Secret] = auth.Principal{ID: k.ID, Tier: k.Tier, Metadata: k.Metadata}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, keys)

	trusted, err := cfg.Server.TrustedPrefixes()
	if err != nil {
		logger.Fatal().Err(err).Msg("trusted proxies")
	}

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.RealIP(trusted),
		gateway.RouteMatcher(rr, skip),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
		gateway.RateLimit(limiter, limiter.Defaults(), sched.Clock(), skip, metrics.OnLimited, metrics.OnLimiterError),
		gateway.GuestQuota(guests, metrics.OnGuestDenied),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	sched.Stop()
	logger.Info().Msg("bye")
}
