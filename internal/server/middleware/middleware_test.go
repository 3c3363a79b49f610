package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(UserID(r.Context())))
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	require.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req.Header.Set("Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req.Header.Set("Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("X-API-Key", "secret")
	require.Equal(t, http.StatusOK, serve(h, req).Code)

	require.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil)).Code)
	require.Equal(t, http.StatusOK, serve(Auth("")(ok), httptest.NewRequest(http.MethodGet, "/x", nil)).Code)
}

func TestIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, " alice ")
	require.Equal(t, "alice", serve(Identity(ok), req).Body.String())
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := serve(h, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type countingLimiter struct {
	keys  map[string]int
	limit int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.keys[key]++
	return l.keys[key] <= limit, nil
}

func TestRateLimitPerUser(t *testing.T) {
	lim := &countingLimiter{keys: map[string]int{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Identity(RateLimit(lim, 2, time.Minute, logger)(ok))

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		if user != "" {
			req.Header.Set(HeaderUserID, user)
		}
		return serve(h, req).Code
	}
	require.Equal(t, http.StatusOK, call("alice"))
	require.Equal(t, http.StatusOK, call("alice"))
	require.Equal(t, http.StatusTooManyRequests, call("alice"))
	require.Equal(t, http.StatusOK, call("bob"))
	require.Equal(t, http.StatusOK, call(""))
	require.Equal(t, 1, lim.keys["ratelimit:api:ip:10.0.0.1"])

	lim.err = errors.New("redis down")
	require.Equal(t, http.StatusOK, call("alice"))
}

func TestLoggingSetsRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := serve(Logging(logger, nil)(ok), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	require.Equal(t, "req-1", serve(Logging(logger, nil)(ok), req).Header().Get(HeaderRequestID))
}
