package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/domain"
)

type captured struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]string
}

func chatServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func disputed() domain.Event {
	return domain.NewEvent(domain.EventMarketDisputed, "m1",
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		map[string]any{"user_id": "bob", "reason": "wrong source"})
}

func TestNotifierSendsAllowedEvents(t *testing.T) {
	srv, got := chatServer(t, http.StatusOK)
	tg := NewTelegramSender("tok", "42")
	tg.baseURL = srv.URL
	dc := NewDiscordSender(srv.URL + "/hook")

	n := NewNotifier([]Sender{tg, dc}, nil, discardLogger())
	require.NoError(t, n.Deliver(context.Background(), disputed()))

	require.Equal(t, []string{"/bottok/sendMessage", "/hook"}, got.paths)
	require.Equal(t, "42", got.bodies[0]["chat_id"])
	require.Contains(t, got.bodies[0]["text"], "*MarketDisputed m1*")
	require.Contains(t, got.bodies[1]["content"], "reason=wrong source\nuser_id=bob")
}

func TestNotifierFiltersEvents(t *testing.T) {
	srv, got := chatServer(t, http.StatusOK)
	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, []string{"MarketResolved"}, discardLogger())

	require.NoError(t, n.Deliver(context.Background(), disputed()))
	require.Empty(t, got.paths)

	all := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, []string{"*"}, discardLogger())
	require.NoError(t, all.Deliver(context.Background(), disputed()))
	require.Len(t, got.paths, 1)
}

func TestNotifierClientErrorsArePermanent(t *testing.T) {
	srv, _ := chatServer(t, http.StatusBadRequest)
	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, nil, discardLogger())

	err := n.Deliver(context.Background(), disputed())
	var perm *backoff.PermanentError
	require.True(t, errors.As(err, &perm))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadRequest, se.Code)
}

func TestNotifierRetriesServerErrors(t *testing.T) {
	srv, _ := chatServer(t, http.StatusBadGateway)
	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, nil, discardLogger())

	err := n.Deliver(context.Background(), disputed())
	require.Error(t, err)
	var perm *backoff.PermanentError
	require.False(t, errors.As(err, &perm))
}

func TestStatusErrorPermanent(t *testing.T) {
	require.True(t, (&StatusError{Code: 404}).Permanent())
	require.False(t, (&StatusError{Code: 429}).Permanent())
	require.False(t, (&StatusError{Code: 503}).Permanent())
}
