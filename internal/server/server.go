package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/metrics"
	"github.com/boxmeout/settlement/internal/server/handler"
	"github.com/boxmeout/settlement/internal/server/middleware"
	"github.com/boxmeout/settlement/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	APIKey        string // if empty, authentication is disabled
	RateLimit     int    // requests per RateWindow; 0 disables limiting
	RateWindow    time.Duration
	MetricsEnable bool
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Markets     *handler.MarketHandler
	Commitments *handler.CommitmentHandler
	AMM         *handler.AMMHandler
	Settlement  *handler.SettlementHandler
	Events      *handler.EventHandler
}

// Server is the HTTP + WebSocket API of the settlement service.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil, in which case no rate limiting is applied.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health and status (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Market lifecycle.
	mux.HandleFunc("POST /api/markets", handlers.Markets.OpenMarket)
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/close", handlers.Markets.CloseMarket)
	mux.HandleFunc("POST /api/markets/{id}/disputes", handlers.Markets.DisputeMarket)
	mux.HandleFunc("POST /api/markets/{id}/cancel", handlers.Markets.CancelMarket)

	// Commit-reveal.
	mux.HandleFunc("POST /api/markets/{id}/commitments", handlers.Commitments.Commit)
	mux.HandleFunc("POST /api/markets/{id}/commitments/reveal", handlers.Commitments.Reveal)
	mux.HandleFunc("GET /api/markets/{id}/commitments/me", handlers.Commitments.Mine)

	// AMM.
	mux.HandleFunc("GET /api/markets/{id}/pool", handlers.AMM.GetPool)
	mux.HandleFunc("GET /api/markets/{id}/quote", handlers.AMM.Quote)
	mux.HandleFunc("POST /api/markets/{id}/trades/buy", handlers.AMM.Buy)
	mux.HandleFunc("POST /api/markets/{id}/trades/sell", handlers.AMM.Sell)
	mux.HandleFunc("GET /api/markets/{id}/trades", handlers.AMM.ListTrades)
	mux.HandleFunc("POST /api/markets/{id}/liquidity/add", handlers.AMM.AddLiquidity)
	mux.HandleFunc("POST /api/markets/{id}/liquidity/remove", handlers.AMM.RemoveLiquidity)
	mux.HandleFunc("GET /api/markets/{id}/positions", handlers.AMM.Positions)

	// Settlement.
	mux.HandleFunc("POST /api/markets/{id}/resolve", handlers.Settlement.Resolve)
	mux.HandleFunc("POST /api/markets/{id}/re-resolve", handlers.Settlement.ReResolve)
	mux.HandleFunc("GET /api/markets/{id}/settlement", handlers.Settlement.GetRecord)
	mux.HandleFunc("GET /api/markets/{id}/settlement/archive", handlers.Settlement.ListArchived)
	mux.HandleFunc("POST /api/markets/{id}/claim", handlers.Settlement.Claim)
	mux.HandleFunc("POST /api/markets/{id}/refund", handlers.Settlement.Refund)
	mux.HandleFunc("GET /api/markets/{id}/payouts/me", handlers.Settlement.MyPayout)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/markets/{id}/events", handlers.Events.ListEvents)
	}

	open := []string{"/api/health", "/api/status"}
	if cfg.MetricsEnable {
		mux.Handle("GET /metrics", promhttp.Handler())
		open = append(open, "/metrics")
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, open...)(h)
	h = middleware.Logging(logger, metrics.HTTP())(h)
	h = middleware.Identity(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
