package oracleapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/domain"
)

func TestStreamDeliversFinalConsensus(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan streamCommand, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd streamCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd
		_ = conn.WriteJSON(streamMessage{Type: "consensus", MarketID: "m2", Status: StatusPending})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(streamMessage{Type: "consensus", MarketID: "m1", Status: StatusFinal, Outcome: "NO"})
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	type got struct {
		market  string
		outcome domain.Outcome
	}
	var (
		mu       sync.Mutex
		received []got
	)
	handler := func(_ context.Context, id string, o domain.Outcome) {
		mu.Lock()
		received = append(received, got{id, o})
		mu.Unlock()
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewStream(wsURL, nil, handler, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.Subscribe("m1", "m2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		require.Equal(t, "subscribe", cmd.Type)
		require.ElementsMatch(t, []string{"m1", "m2"}, cmd.Markets)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, got{"m1", domain.OutcomeNo}, received[0])
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}
