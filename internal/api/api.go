// Package api holds the HTTP handlers behind the gateway chain: the reaper
// trigger, media export and the guest quota read-out.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/mediagate/internal/auth"
	"github.com/AlexKimmel/mediagate/internal/derive"
	"github.com/AlexKimmel/mediagate/internal/gateway"
	"github.com/AlexKimmel/mediagate/internal/ratelimit/guest"
	"github.com/AlexKimmel/mediagate/internal/reaper"
)

type Options struct {
	Reaper   *reaper.Reaper
	Pipeline *derive.Pipeline
	Guest    *guest.Tracker

	// MediaRoot is the directory export paths are resolved under.
	MediaRoot string
	// CronSecret gates /api/cron when RequireCronAuth is set.
	CronSecret      string
	RequireCronAuth bool

	Log zerolog.Logger
}

type API struct {
	o   Options
	log zerolog.Logger
}

func New(o Options) *API {
	return &API{o: o, log: o.Log.With().Str("component", "api").Logger()}
}

// Register mounts the handlers on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cron", a.Cron)
	mux.HandleFunc("POST /api/cron", a.Cron)
	mux.HandleFunc("GET /api/export", a.Export)
	mux.HandleFunc("GET /api/guest/quota", a.GuestQuota)
}

type cronResponse struct {
	Success          bool    `json:"success"`
	DeletedCount     int     `json:"deletedCount"`
	RecoveredSpaceMB float64 `json:"recoveredSpaceMb"`
}

// Cron runs one reaper sweep and reports what it reclaimed.
func (a *API) Cron(w http.ResponseWriter, r *http.Request) {
	if a.o.RequireCronAuth && !a.cronAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid cron secret")
		return
	}

	res := a.o.Reaper.Sweep(r.Context())
	a.log.Info().
		Int("deleted", res.DeletedCount).
		Int64("recovered_bytes", res.RecoveredBytes).
		Msg("cron sweep")

	writeJSON(w, http.StatusOK, cronResponse{
		Success:          true,
		DeletedCount:     res.DeletedCount,
		RecoveredSpaceMB: res.RecoveredMB(),
	})
}

func (a *API) cronAuthorized(r *http.Request) bool {
	tok, ok := auth.BearerToken(r)
	if !ok || a.o.CronSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(tok), []byte(a.o.CronSecret)) == 1
}

// Export streams the media file named by the "path" query parameter,
// watermarked unless the caller is on the unrestricted tier.
func (a *API) Export(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, http.StatusBadRequest, "missing_path", "query parameter path is required")
		return
	}
	src, ok := resolve(a.o.MediaRoot, rel)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_path", "path must stay inside the media root")
		return
	}

	err := a.o.Pipeline.Serve(w, r, src, tierOf(r))
	switch {
	case err == nil:
	case errors.Is(err, derive.ErrSourceMissing):
		writeError(w, http.StatusNotFound, "not_found", "file not found")
	default:
		a.log.Error().Err(err).Str("path", rel).Msg("export failed")
		writeError(w, http.StatusInternalServerError, "export_failed", "could not export file")
	}
}

type healthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Uptime      float64   `json:"uptime"` // seconds
	Environment string    `json:"environment"`
}

// Health reports liveness, the time, seconds since started and the
// environment name.
func Health(environment string, started time.Time, clock clockwork.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		now := clock.Now()
		writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Timestamp:   now.UTC(),
			Uptime:      now.Sub(started).Seconds(),
			Environment: environment,
		})
	}
}

type quotaResponse struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// GuestQuota reports the calling address's remaining daily guest allowance.
func (a *API) GuestQuota(w http.ResponseWriter, r *http.Request) {
	ip := gateway.ClientIP(r)
	writeJSON(w, http.StatusOK, quotaResponse{
		Remaining: a.o.Guest.Remaining(ip),
		Limit:     a.o.Guest.Limit(),
	})
}

// resolve joins rel onto root, refusing absolute paths and anything that
// climbs out of root.
func resolve(root, rel string) (string, bool) {
	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Join(root, rel), true
}

// tierOf maps the caller to a pipeline tier. Anonymous callers and keys
// without a tier are restricted.
func tierOf(r *http.Request) derive.Tier {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p.Tier == string(derive.TierUnrestricted) {
		return derive.TierUnrestricted
	}
	return derive.TierRestricted
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError uses the same envelope as the middleware errors.
func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]apiError{"error": {Code: errCode, Message: msg}})
}
