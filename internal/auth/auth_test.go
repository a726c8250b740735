package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWith(s *Store, r *http.Request) (*httptest.ResponseRecorder, *Principal) {
	var got *Principal
	h := s.Middleware(map[string]struct{}{"/health": {}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFrom(r.Context()); ok {
			got = &p
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec, got
}

func TestMiddleware(t *testing.T) {
	s := NewStatic("", map[string]Principal{
		"k1": {ID: "alice", Tier: "unrestricted"},
	})

	t.Run("known key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/export", nil)
		r.Header.Set("X-API-Key", " k1 ")
		rec, p := serveWith(s, r)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		if assert.NotNil(t, p) {
			assert.Equal(t, Principal{ID: "alice", Tier: "unrestricted"}, *p)
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		rec, p := serveWith(s, httptest.NewRequest(http.MethodGet, "/api/export", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Nil(t, p)
	})

	t.Run("unknown key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/export", nil)
		r.Header.Set("X-API-Key", "nope")
		rec, _ := serveWith(s, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_api_key")
	})

	t.Run("skipped path", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set("X-API-Key", "nope")
		rec, _ := serveWith(s, r)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestMiddlewareAnnotatesRequestLogger(t *testing.T) {
	s := NewStatic("", map[string]Principal{
		"k1": {ID: "alice", Tier: "unrestricted", Metadata: map[string]string{"owner": "ops"}},
	})

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := s.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("req")
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/export", nil)
	r.Header.Set("X-API-Key", "k1")
	r = r.WithContext(logger.WithContext(r.Context()))
	h.ServeHTTP(httptest.NewRecorder(), r)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "alice", line["key_id"])
	assert.Equal(t, "unrestricted", line["tier"])
	assert.Equal(t, map[string]any{"owner": "ops"}, line["key_meta"])
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"valid":      {"Bearer abc", "abc", true},
		"lower case": {"bearer abc", "abc", true},
		"empty":      {"Bearer ", "", false},
		"basic":      {"Basic abc", "", false},
		"missing":    {"", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, ok := BearerToken(r)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
