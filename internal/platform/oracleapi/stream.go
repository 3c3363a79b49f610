package oracleapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/boxmeout/settlement/internal/crypto"
	"github.com/boxmeout/settlement/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// ConsensusHandler is called once per final consensus message.
type ConsensusHandler func(ctx context.Context, marketID string, outcome domain.Outcome)

// streamCommand is sent to the oracle to change subscriptions.
type streamCommand struct {
	Type    string   `json:"type"`
	Markets []string `json:"markets"`
}

// streamMessage is a consensus update pushed by the oracle.
type streamMessage struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
	Status   string `json:"status"`
	Outcome  string `json:"outcome"`
}

// Stream subscribes to consensus pushes over a websocket so closed markets
// resolve without waiting for the next poll. Subscriptions survive
// reconnects.
type Stream struct {
	url     string
	auth    *crypto.HMACAuth
	handler ConsensusHandler
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	markets map[string]struct{}
}

// NewStream creates a Stream for wsURL. auth may be nil.
func NewStream(wsURL string, auth *crypto.HMACAuth, handler ConsensusHandler, logger *slog.Logger) *Stream {
	return &Stream{
		url:     wsURL,
		auth:    auth,
		handler: handler,
		logger:  logger.With(slog.String("component", "oracle_stream")),
		markets: make(map[string]struct{}),
	}
}

// Subscribe adds marketIDs to the subscription set and sends the change
// when connected.
func (s *Stream) Subscribe(marketIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range marketIDs {
		s.markets[id] = struct{}{}
	}
	if s.conn == nil {
		return nil
	}
	return s.send(streamCommand{Type: "subscribe", Markets: marketIDs})
}

// Unsubscribe drops marketIDs from the subscription set.
func (s *Stream) Unsubscribe(marketIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range marketIDs {
		delete(s.markets, id)
	}
	if s.conn == nil {
		return nil
	}
	return s.send(streamCommand{Type: "unsubscribe", Markets: marketIDs})
}

// Run connects and reads until ctx ends, reconnecting with backoff.
func (s *Stream) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectDelay
	bo.MaxInterval = maxReconnectDelay
	bo.MaxElapsedTime = 0

	for {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > pongWait {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		s.logger.WarnContext(ctx, "oracle_stream: disconnected",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("retry_in", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (s *Stream) session(ctx context.Context) error {
	header := http.Header{}
	if s.auth != nil {
		path := "/"
		if u, err := url.Parse(s.url); err == nil && u.Path != "" {
			path = u.Path
		}
		for k, v := range s.auth.Headers(http.MethodGet, path, "") {
			header.Set(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("oracle_stream: connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	s.conn = conn
	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	var subErr error
	if len(ids) > 0 {
		subErr = s.send(streamCommand{Type: "subscribe", Markets: ids})
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	if subErr != nil {
		return fmt.Errorf("oracle_stream: restore subscriptions: %w", subErr)
	}
	s.logger.InfoContext(ctx, "oracle_stream: connected", slog.Int("markets", len(ids)))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(sessCtx, conn)
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(ctx, raw)
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Stream) handleMessage(ctx context.Context, raw []byte) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.DebugContext(ctx, "oracle_stream: drop unparseable message")
		return
	}
	if msg.Type != "consensus" || !strings.EqualFold(msg.Status, StatusFinal) {
		return
	}
	outcome, err := domain.ParseOutcome(msg.Outcome)
	if err != nil {
		s.logger.WarnContext(ctx, "oracle_stream: bad outcome",
			slog.String("market_id", msg.MarketID),
			slog.String("outcome", msg.Outcome),
		)
		return
	}
	s.handler(ctx, msg.MarketID, outcome)
}

// send writes cmd. Caller holds s.mu.
func (s *Stream) send(cmd streamCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
