package gateway

import (
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/AlexKimmel/mediagate/internal/auth"
	"github.com/AlexKimmel/mediagate/internal/ratelimit"
	"github.com/AlexKimmel/mediagate/internal/routing"
)

// RateLimit admits each request against lim. Authenticated callers are keyed
// by principal, anonymous ones by client IP, both scoped to the matched route.
func RateLimit(
	lim ratelimit.Limiter,
	policy ratelimit.Policy,
	clock clockwork.Clock,
	skipPaths map[string]struct{},
	onLimited func(routeID string),
	onError func(routeID string),
) Middleware {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			caller := "ip:" + ClientIP(r)
			if p, ok := auth.PrincipalFrom(r.Context()); ok && p.ID != "" {
				caller = "user:" + p.ID
			}

			rt, _ := routing.RouteFrom(r)

			routeID := "unknown"
			limKey := caller
			p := policy
			if rt != nil && rt.ID != "" {
				routeID = rt.ID
				limKey = rt.ID + ":" + caller
				if rt.Limit.Limit > 0 {
					p = rt.Limit
				}
			}

			dec, err := lim.Allow(r.Context(), limKey, p)
			if err != nil {
				if onError != nil {
					onError(routeID)
				}
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			// headers for good DX
			if dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", itoa(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", itoa(max(dec.Remaining, 0)))
				w.Header().Set("X-RateLimit-Reset", itoa64(dec.ResetAt.Unix()))
			}

			if !dec.Allowed {
				if onLimited != nil {
					onLimited(routeID)
				}
				w.Header().Set("Retry-After", retryAfterSeconds(dec.RetryAfter(clock.Now()).Seconds()))
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
