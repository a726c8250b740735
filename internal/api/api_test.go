package api

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/mediagate/internal/auth"
	"github.com/AlexKimmel/mediagate/internal/derive"
	"github.com/AlexKimmel/mediagate/internal/ratelimit/guest"
	"github.com/AlexKimmel/mediagate/internal/ratelimit/memory"
	"github.com/AlexKimmel/mediagate/internal/reaper"
	"github.com/AlexKimmel/mediagate/internal/schedule"
)

var now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type suffixTransformer struct{}

func (suffixTransformer) Overlay(_ context.Context, src, _, out string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append(b, "+wm"...), 0o644)
}

type env struct {
	root  string
	clock interface {
		clockwork.Clock
		Advance(time.Duration)
	}
	guest *guest.Tracker
	api   *API
	mux   *http.ServeMux
}

func newEnv(t *testing.T, production bool) *env {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"temp", "output", "videos"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "watermark.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "videos", "clip.mp4"), []byte("video"), 0o644))

	e := &env{root: root, clock: clockwork.NewFakeClockAt(now)}
	sched := schedule.New(e.clock, zerolog.Nop())
	e.guest = guest.New(memory.New(), e.clock)
	e.api = New(Options{
		Reaper: reaper.New([]reaper.Target{
			{Dir: filepath.Join(root, "temp")},
			{Dir: filepath.Join(root, "output")},
		}, "", e.clock, zerolog.Nop()),
		Pipeline: derive.New(derive.Config{
			OverlayPath: filepath.Join(root, "watermark.png"),
			OutputDir:   filepath.Join(root, "output"),
		}, suffixTransformer{}, sched, zerolog.Nop()),
		Guest:           e.guest,
		MediaRoot:       root,
		CronSecret:      "s3cret",
		RequireCronAuth: production,
		Log:             zerolog.Nop(),
	})
	e.mux = http.NewServeMux()
	e.api.Register(e.mux)
	return e
}

func (e *env) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, r)
	return rec
}

func (e *env) aged(t *testing.T, rel string, size int, age time.Duration) string {
	t.Helper()
	p := filepath.Join(e.root, rel)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	mtime := now.Add(-age)
	require.NoError(t, os.Chtimes(p, mtime, mtime))
	return p
}

func TestCronSweeps(t *testing.T) {
	e := newEnv(t, false)
	old := e.aged(t, "temp/old.mp4", 3<<20, 25*time.Hour)
	fresh := e.aged(t, "output/fresh.mp4", 10, time.Hour)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/cron", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body cronResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.DeletedCount)
	assert.Equal(t, 3.0, body.RecoveredSpaceMB)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)

	rec = e.do(httptest.NewRequest(http.MethodPost, "/api/cron", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"deletedCount":0,"recoveredSpaceMb":0}`, rec.Body.String())
}

func TestCronRequiresBearerInProduction(t *testing.T) {
	e := newEnv(t, true)
	old := e.aged(t, "temp/old.mp4", 10, 48*time.Hour)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/cron", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/cron", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, e.do(r).Code)
	assert.FileExists(t, old)

	r = httptest.NewRequest(http.MethodGet, "/api/cron", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	rec = e.do(r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoFileExists(t, old)
}

func TestExportRejectsBadPaths(t *testing.T) {
	e := newEnv(t, false)

	cases := map[string]int{
		"/api/export":                         http.StatusBadRequest,
		"/api/export?path=../etc/passwd":      http.StatusBadRequest,
		"/api/export?path=%2Fetc%2Fpasswd":    http.StatusBadRequest,
		"/api/export?path=videos/../../x.mp4": http.StatusBadRequest,
		"/api/export?path=videos/nope.mp4":    http.StatusNotFound,
	}
	for target, code := range cases {
		rec := e.do(httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, code, rec.Code, target)
		assert.Contains(t, rec.Body.String(), `"error"`, target)
	}
}

func TestExportUnrestrictedServesOriginal(t *testing.T) {
	e := newEnv(t, false)

	r := httptest.NewRequest(http.MethodGet, "/api/export?path=videos/clip.mp4", nil)
	r = r.WithContext(auth.WithPrincipal(r.Context(), auth.Principal{ID: "pro", Tier: "unrestricted"}))
	rec := e.do(r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video", rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))

	disp, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disp)
	assert.Equal(t, "clip.mp4", params["filename"])
}

func TestExportAnonymousIsWatermarked(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/export?path=videos/clip.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video+wm", rec.Body.String())

	outputs, err := filepath.Glob(filepath.Join(e.root, "output", "wm_*.mp4"))
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	e.clock.Advance(derive.DefaultGrace)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(outputs[0])
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
}

func TestGuestQuotaReadOut(t *testing.T) {
	e := newEnv(t, false)

	get := func() quotaResponse {
		r := httptest.NewRequest(http.MethodGet, "/api/guest/quota", nil)
		r.RemoteAddr = "198.51.100.4:4000"
		rec := e.do(r)
		require.Equal(t, http.StatusOK, rec.Code)
		var q quotaResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
		return q
	}

	assert.Equal(t, quotaResponse{Remaining: 1, Limit: 1}, get())
	assert.Equal(t, 0, e.guest.Tracked(), "reading the quota creates no record")

	require.True(t, e.guest.CheckEligibility("198.51.100.4").Allowed)
	e.guest.CommitUsage("198.51.100.4")
	assert.Equal(t, quotaResponse{Remaining: 0, Limit: 1}, get())
}

func TestResolve(t *testing.T) {
	p, ok := resolve("/srv/media", "videos/a.mp4")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/srv/media", "videos", "a.mp4"), p)

	for _, bad := range []string{"", "..", "../a", "/abs", "a/../../b"} {
		_, ok := resolve("/srv/media", bad)
		assert.False(t, ok, bad)
	}
}

func TestHealth(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	h := Health("production", now, clock)
	clock.Advance(90 * time.Second)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","timestamp":"2026-05-04T09:31:30Z","uptime":90,"environment":"production"}`, rec.Body.String())
}
