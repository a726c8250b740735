package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/mediagate/internal/derive"
	"github.com/AlexKimmel/mediagate/internal/gateway"
	"github.com/AlexKimmel/mediagate/internal/reaper"
	"github.com/AlexKimmel/mediagate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	GuestDenied     *prometheus.CounterVec
	Evicted         *prometheus.CounterVec
	ReaperDeleted   prometheus.Counter
	ReaperRecovered prometheus.Counter
	ReaperSweeps    prometheus.Counter
	DeriveOutcomes  *prometheus.CounterVec

	reg prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagate_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediagate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagate_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"route"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagate_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
			[]string{"route"},
		),
		GuestDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagate_guest_denied_total",
				Help: "Total anonymous requests rejected by the daily guest quota",
			},
			[]string{"route"},
		),
		Evicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagate_counter_records_evicted_total",
				Help: "Counter records dropped by the eviction task",
			},
			[]string{"store"},
		),
		ReaperDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagate_reaper_deleted_files_total",
			Help: "Files deleted by the reaper",
		}),
		ReaperRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagate_reaper_recovered_bytes_total",
			Help: "Bytes reclaimed by the reaper",
		}),
		ReaperSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagate_reaper_sweeps_total",
			Help: "Reaper sweeps run",
		}),
		DeriveOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagate_derive_outcomes_total",
				Help: "Export invocations by what was served",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors, m.GuestDenied,
		m.Evicted, m.ReaperDeleted, m.ReaperRecovered, m.ReaperSweeps, m.DeriveOutcomes,
	)
	return m
}

// TrackRecords exposes the live record count of a counter store.
func (m *Metrics) TrackRecords(store string, count func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "mediagate_counter_records",
			Help:        "Live records in a counter store",
			ConstLabels: prometheus.Labels{"store": store},
		},
		func() float64 { return float64(count()) },
	))
}

func (m *Metrics) OnLimited(routeID string)      { m.RateLimited.WithLabelValues(routeID).Inc() }
func (m *Metrics) OnLimiterError(routeID string) { m.LimiterErrors.WithLabelValues(routeID).Inc() }
func (m *Metrics) OnGuestDenied(routeID string)  { m.GuestDenied.WithLabelValues(routeID).Inc() }

func (m *Metrics) OnEvicted(store string) func(n int) {
	return func(n int) { m.Evicted.WithLabelValues(store).Add(float64(n)) }
}

func (m *Metrics) OnSweep(res reaper.Result) {
	m.ReaperSweeps.Inc()
	m.ReaperDeleted.Add(float64(res.DeletedCount))
	m.ReaperRecovered.Add(float64(res.RecoveredBytes))
}

func (m *Metrics) OnOutcome(o derive.Outcome) { m.DeriveOutcomes.WithLabelValues(string(o)).Inc() }

// Middleware records per-request metrics.
// It reads the route stored by RouteMatcher, so it must run inside it.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := gateway.NewStatusRecorder(w)

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.Status())).Inc()
		})
	}
}
