package gateway

import (
	"net/http"
	"sync"

	"github.com/AlexKimmel/mediagate/internal/auth"
	"github.com/AlexKimmel/mediagate/internal/ratelimit/guest"
	"github.com/AlexKimmel/mediagate/internal/routing"
)

// GuestQuota spends an anonymous caller's daily allowance on routes flagged
// for it. Eligibility is checked before the handler runs and usage is only
// committed when the handler answered below 400, so failed work is free.
//
// An address may have one guest request in flight at a time. The check runs
// after the reservation is taken, so a request that waited on another one
// sees that one's commit.
func GuestQuota(tr *guest.Tracker, onDenied func(routeID string)) Middleware {
	var inFlight sync.Map // ip -> struct{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt, ok := routing.RouteFrom(r)
			if !ok || rt == nil || !rt.GuestQuota {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := auth.PrincipalFrom(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			deny := func(retryAfter float64) {
				if onDenied != nil {
					onDenied(rt.ID)
				}
				w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, "guest_quota_exhausted", "Daily guest limit reached, sign in to continue")
			}

			// the running request may still fail and leave the allowance
			// unspent, so only ask for a short wait
			if _, busy := inFlight.LoadOrStore(ip, struct{}{}); busy {
				deny(1)
				return
			}
			defer inFlight.Delete(ip)

			e := tr.CheckEligibility(ip)
			if !e.Allowed {
				deny(e.ResetIn.Seconds())
				return
			}

			rec := NewStatusRecorder(w)
			next.ServeHTTP(rec, r)
			if rec.Status() < http.StatusBadRequest {
				tr.CommitUsage(ip)
			}
		})
	}
}
