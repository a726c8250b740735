package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type ctxKey int

const keyPrincipal ctxKey = 0

// Principal is an authenticated caller. Tier decides whether exported media
// is watermarked ("restricted") or served as-is ("unrestricted").
type Principal struct {
	ID       string
	Tier     string
	Metadata map[string]string // free-form labels from config, logged with the request
}

// Store is a static in-memory key store: secret -> principal
type Store struct {
	header   string
	bySecret map[string]Principal
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> principal
func NewStatic(header string, pairs map[string]Principal) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs}
}

func (s *Store) principalFor(secret string) (Principal, bool) {
	p, ok := s.bySecret[secret]
	return p, ok
}

// WithPrincipal injects the caller into context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFrom extracts the caller from context. Anonymous requests have none.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	v := ctx.Value(keyPrincipal)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Middleware resolves the API key into a Principal. Requests without a key
// continue anonymously so guest flows can apply; an unknown key is rejected.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := s.principalFor(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			annotate(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// annotate adds the caller to the request logger so the access log line
// carries it.
func annotate(ctx context.Context, p Principal) {
	zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
		c = c.Str("key_id", p.ID).Str("tier", p.Tier)
		if len(p.Metadata) > 0 {
			d := zerolog.Dict()
			for k, v := range p.Metadata {
				d.Str(k, v)
			}
			c = c.Dict("key_meta", d)
		}
		return c
	})
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

// writeJSON writes the error envelope. Codes and messages are fixed
// strings, so they need no escaping.
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
