package gateway

import (
	"net/http"

	"github.com/AlexKimmel/mediagate/internal/routing"
)

// RouteMatcher attaches the matching route to the request context. Requests
// that match nothing continue under the default policy.
func RouteMatcher(rr *routing.Router, skip map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
