package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/boxmeout/settlement/internal/cache/redis"
	"github.com/boxmeout/settlement/internal/crypto"
	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/platform/oracleapi"
)

// WorkerConfig holds the sweep intervals and the TTL of the cross-instance
// lock each sweep runs under.
type WorkerConfig struct {
	CloseSweep time.Duration
	OraclePoll time.Duration
	Reconcile  time.Duration
	LockTTL    time.Duration
}

// Workers runs the background sweeps of the settlement core. Each sweep
// holds a Redis lock so only one instance performs it per tick.
type Workers struct {
	core   *Core
	locks  domain.LockManager
	cfg    WorkerConfig
	stream *oracleapi.Stream
	logger *slog.Logger
}

// NewWorkers creates Workers.
func NewWorkers(core *Core, locks domain.LockManager, cfg WorkerConfig, logger *slog.Logger) *Workers {
	return &Workers{
		core:   core,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "workers")),
	}
}

// AttachStream resolves markets from the oracle's push feed at wsURL in
// addition to polling.
func (w *Workers) AttachStream(wsURL string, auth *crypto.HMACAuth) {
	w.stream = oracleapi.NewStream(wsURL, auth, w.onConsensus, w.logger)
}

// Run starts every sweep and blocks until ctx ends.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.every(ctx, "close-sweep", w.cfg.CloseSweep, w.closeExpired) })
	g.Go(func() error { return w.every(ctx, "oracle-poll", w.cfg.OraclePoll, w.pollOracle) })
	g.Go(func() error { return w.every(ctx, "reconcile", w.cfg.Reconcile, w.reconcile) })
	if w.stream != nil {
		g.Go(func() error { return w.stream.Run(ctx) })
	}
	return g.Wait()
}

// every runs fn on each tick of interval under the lock "worker:<name>".
// Failures are logged; the loop only stops with ctx.
func (w *Workers) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		ran, err := redis.RunExclusive(ctx, w.locks, "worker:"+name, w.cfg.LockTTL, fn)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.ErrorContext(ctx, "workers: sweep failed",
				slog.String("worker", name),
				slog.String("error", err.Error()),
			)
		case !ran:
			w.logger.DebugContext(ctx, "workers: sweep held elsewhere", slog.String("worker", name))
		}
	}
}

func (w *Workers) closeExpired(ctx context.Context) error {
	n, err := w.core.Coordinator.CloseExpired(ctx)
	if n > 0 {
		w.logger.InfoContext(ctx, "workers: closed expired markets", slog.Int("count", n))
	}
	return err
}

// pollOracle resolves CLOSED markets that reached consensus and keeps the
// push feed subscribed to the ones still waiting.
func (w *Workers) pollOracle(ctx context.Context) error {
	if w.stream != nil {
		closed, err := w.core.Registry.List(ctx, domain.MarketFilter{
			Statuses: []domain.MarketStatus{domain.MarketClosed},
		})
		if err != nil {
			return err
		}
		ids := make([]string, len(closed))
		for i, m := range closed {
			ids[i] = m.ID
		}
		if len(ids) > 0 {
			if err := w.stream.Subscribe(ids...); err != nil {
				w.logger.WarnContext(ctx, "workers: oracle stream subscribe",
					slog.String("error", err.Error()),
				)
			}
		}
	}
	n, err := w.core.Coordinator.PollOracle(ctx)
	if n > 0 {
		w.logger.InfoContext(ctx, "workers: resolved from oracle", slog.Int("count", n))
	}
	return err
}

func (w *Workers) reconcile(ctx context.Context) error {
	rep, err := w.core.Gateway.Reconcile(ctx)
	if rep.Confirmed+rep.Rejected+rep.Reversed+rep.StillPending > 0 {
		w.logger.InfoContext(ctx, "workers: reconciled transfers",
			slog.Int("confirmed", rep.Confirmed),
			slog.Int("rejected", rep.Rejected),
			slog.Int("reversed", rep.Reversed),
			slog.Int("still_pending", rep.StillPending),
		)
	}
	return err
}

// onConsensus resolves a market as soon as the push feed reports
// consensus. The poller covers anything missed here.
func (w *Workers) onConsensus(ctx context.Context, marketID string, outcome domain.Outcome) {
	rec, err := w.core.Coordinator.Resolve(ctx, marketID, outcome)
	if err != nil {
		w.logger.WarnContext(ctx, "workers: resolve from stream",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.InfoContext(ctx, "workers: resolved from stream",
		slog.String("market_id", marketID),
		slog.String("outcome", outcome.String()),
		slog.Int("version", rec.Version),
	)
	if w.stream != nil {
		_ = w.stream.Unsubscribe(marketID)
	}
}
