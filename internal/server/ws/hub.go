// Package ws pushes domain events to websocket clients.
//
// The hub is either an events.Sink fed by the local dispatcher, or, when
// several instances run behind a load balancer, a subscriber of the Redis
// events channel so every client sees every instance's events.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/boxmeout/settlement/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// allMarkets subscribes a client to every market.
const allMarkets = "*"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Config selects the frame encoding and the optional bus bridge.
type Config struct {
	// Binary sends protobuf Struct frames instead of JSON text frames.
	Binary bool
	// Channel is the bus channel to bridge from. Empty disables the bridge.
	Channel string
}

// Hub tracks connected clients and broadcasts events to those subscribed
// to the event's market.
type Hub struct {
	cfg     Config
	bus     domain.SignalBus
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub. bus may be nil when Config.Channel is empty.
func NewHub(cfg Config, bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
	}
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "ws" }

// Deliver implements events.Sink. Slow clients miss frames rather than
// holding up delivery.
func (h *Hub) Deliver(ctx context.Context, ev domain.Event) error {
	frame, err := h.encode(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev.MarketID) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.WarnContext(ctx, "ws: dropping event for slow client",
				slog.String("event_id", ev.ID),
			)
		}
	}
	return nil
}

// Run bridges the configured bus channel until ctx ends, then disconnects
// every client. Without a channel it only waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	if h.cfg.Channel == "" || h.bus == nil {
		<-ctx.Done()
		return nil
	}

	msgs, err := h.bus.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "ws: bridging bus channel", slog.String("channel", h.cfg.Channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev domain.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				h.logger.WarnContext(ctx, "ws: drop undecodable bus message", slog.String("error", err.Error()))
				continue
			}
			_ = h.Deliver(ctx, ev)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. The optional
// market query parameter narrows the initial subscription.
// GET /ws?market=<id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{allMarkets: true},
	}
	if markets := r.URL.Query()["market"]; len(markets) > 0 {
		c.subs = make(map[string]bool, len(markets))
		for _, m := range markets {
			c.subs[m] = true
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("total_clients", n))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// encode renders ev as a JSON text frame or a protobuf Struct frame.
func (h *Hub) encode(ev domain.Event) ([]byte, error) {
	if !h.cfg.Binary {
		return json.Marshal(ev)
	}
	fields := map[string]any{
		"id":          ev.ID,
		"type":        string(ev.Type),
		"market_id":   ev.MarketID,
		"occurred_at": ev.OccurredAt.Format(time.RFC3339Nano),
	}
	if len(ev.Attributes) > 0 {
		fields["attributes"] = ev.Attributes
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// subscribeMsg changes a client's market subscriptions.
//
//	{"action":"subscribe","markets":["m1"]}
type subscribeMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	subs map[string]bool
}

func (c *client) wants(marketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[allMarkets] || c.subs[marketID]
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, m := range msg.Markets {
			c.subs[m] = true
		}
	case "unsubscribe":
		for _, m := range msg.Markets {
			delete(c.subs, m)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.hub.cfg.Binary {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
