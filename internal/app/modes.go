package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/boxmeout/settlement/internal/cache/redis"
	"github.com/boxmeout/settlement/internal/server"
	"github.com/boxmeout/settlement/internal/server/handler"
	"github.com/boxmeout/settlement/internal/server/ws"
)

// ServerMode serves the HTTP and WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Dispatcher.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, core)
	return g.Wait()
}

// WorkerMode runs the background sweeps: closing expired markets, polling
// the oracle and reconciling ledger transfers.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Dispatcher.Run(ctx) })
	a.startWorkers(ctx, g, deps, core)
	return g.Wait()
}

// FullMode runs the API and the workers in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Dispatcher.Run(ctx) })
	a.startWorkers(ctx, g, deps, core)
	a.startHTTPServer(ctx, g, deps, core)
	return g.Wait()
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	w := NewWorkers(core, deps.LockManager, WorkerConfig{
		CloseSweep: a.cfg.Workers.CloseSweepInterval.Duration,
		OraclePoll: a.cfg.Workers.OraclePollInterval.Duration,
		Reconcile:  a.cfg.Workers.ReconcileInterval.Duration,
		LockTTL:    a.cfg.Workers.LockTTL.Duration,
	}, a.logger)
	if a.cfg.Oracle.StreamURL != "" {
		w.AttachStream(a.cfg.Oracle.StreamURL, deps.OracleAuth)
	}
	g.Go(func() error { return w.Run(ctx) })
}

// startHTTPServer adds the API server and its WebSocket hub to g. The hub
// bridges the Redis firehose so clients see events raised by every
// instance. The server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	hub := ws.NewHub(ws.Config{
		Binary:  a.cfg.Server.WSBinary,
		Channel: redis.AllEventsChannel,
	}, deps.SignalBus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	var history handler.RecordHistory
	if deps.Archiver != nil {
		history = deps.Archiver
	}
	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.Checks, a.logger),
		Status:      handler.NewStatusHandler(a.cfg.Mode, a.cfg.Storage),
		Markets:     handler.NewMarketHandler(core.Coordinator, core.Registry, a.logger),
		Commitments: handler.NewCommitmentHandler(core.Book, a.logger),
		AMM:         handler.NewAMMHandler(core.Engine, a.logger),
		Settlement:  handler.NewSettlementHandler(core.Coordinator, history, a.logger),
		Events:      handler.NewEventHandler(deps.EventLog, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		RateLimit:     a.cfg.Server.RateLimit,
		RateWindow:    a.cfg.Server.RateWindow.Duration,
		MetricsEnable: a.cfg.Server.MetricsEnable,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.logger.Error("HTTP server shutdown", slog.String("error", err.Error()))
			return fmt.Errorf("app: %w", err)
		}
		return nil
	})
}
