package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/boxmeout/settlement/internal/domain"
)

// Resolve declares the winning outcome of a CLOSED market and computes its
// settlement record. Calling it again with the same outcome recomputes the
// record and returns the stored one unchanged, so a caller that crashed
// half way can simply retry.
func (c *Coordinator) Resolve(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementRecord, error) {
	if !outcome.Valid() {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: resolve: %w", domain.ErrInvalidOutcome)
	}
	lctx, unlock, err := c.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: resolve: %w", err)
	}
	rec, fresh, err := c.resolve(lctx, marketID, outcome)
	unlock()
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	if fresh {
		c.logger.InfoContext(ctx, "settlement: market resolved",
			slog.String("market_id", marketID),
			slog.String("outcome", outcome.String()),
			slog.Int("version", rec.Version),
			slog.Int("payouts", len(rec.Payouts)),
			slog.String("total", rec.TotalPayoutPool.String()),
		)
		c.archive(ctx, rec)
	}
	return rec, nil
}

func (c *Coordinator) resolve(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementRecord, bool, error) {
	snap, err := c.snapshot(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: resolve: %w", err)
	}
	if _, err := c.registry.Resolve(ctx, marketID, outcome); err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: resolve: %w", err)
	}

	rec := c.cfg.resolution(snap, outcome, c.now())
	existing, err := c.store.Get(ctx, marketID)
	switch {
	case err == nil && existing.Kind == domain.RecordResolution:
		if existing.SameDistribution(rec) {
			return existing, false, nil
		}
		if existing.AnyClaimed() {
			c.logger.ErrorContext(ctx, "settlement: recomputed record differs after payouts",
				slog.String("market_id", marketID),
				slog.Int("version", existing.Version),
			)
			return domain.SettlementRecord{}, false, fmt.Errorf("settlement: resolve %s: %w", marketID, domain.ErrPayoutsStarted)
		}
		rec.Version = existing.Version + 1
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: resolve %s: %w", marketID, err)
	}

	if err := c.store.Save(ctx, rec); err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: resolve %s: save record: %w", marketID, err)
	}
	if err := c.book.MarkSettled(ctx, marketID); err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: resolve: %w", err)
	}
	return rec, true, nil
}

// ReResolve settles a DISPUTED market for good. Keeping the outcome keeps
// the record and any claims made against it; changing it recomputes the
// record, which is refused once anything has been claimed.
func (c *Coordinator) ReResolve(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementRecord, error) {
	if !outcome.Valid() {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: re-resolve: %w", domain.ErrInvalidOutcome)
	}
	lctx, unlock, err := c.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: re-resolve: %w", err)
	}
	rec, changed, err := c.reResolve(lctx, marketID, outcome)
	unlock()
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	c.logger.InfoContext(ctx, "settlement: market re-resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", outcome.String()),
		slog.Bool("changed", changed),
		slog.Int("version", rec.Version),
	)
	if changed {
		c.archive(ctx, rec)
	}
	return rec, nil
}

func (c *Coordinator) reResolve(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementRecord, bool, error) {
	existing, err := c.store.Get(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: re-resolve %s: %w", marketID, err)
	}
	same := existing.WinningOutcome != nil && *existing.WinningOutcome == outcome
	if !same && existing.AnyClaimed() {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: re-resolve %s: %w", marketID, domain.ErrPayoutsStarted)
	}
	snap, err := c.snapshot(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: re-resolve: %w", err)
	}
	if _, err := c.registry.ReResolve(ctx, marketID, outcome); err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: re-resolve: %w", err)
	}
	if same {
		return existing, false, nil
	}

	rec := c.cfg.resolution(snap, outcome, c.now())
	rec.Version = existing.Version + 1
	if err := c.store.Save(ctx, rec); err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: re-resolve %s: save record: %w", marketID, err)
	}
	return rec, true, nil
}

// AwaitOracle polls the oracle until it reports consensus for marketID or
// the configured timeout passes, in which case it fails with
// ErrOracleTimeout.
func (c *Coordinator) AwaitOracle(ctx context.Context, marketID string) (domain.Outcome, error) {
	if c.oracle == nil {
		return 0, errors.New("settlement: await oracle: no oracle configured")
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OracleTimeout)
	defer cancel()

	interval := c.cfg.OraclePoll
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		outcome, ok, err := c.oracle.ConsensusOutcome(ctx, marketID)
		switch {
		case err != nil:
			c.logger.WarnContext(ctx, "settlement: oracle poll failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		case ok:
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return 0, parent.Err()
			}
			return 0, fmt.Errorf("settlement: await oracle %s after %s: %w", marketID, c.cfg.OracleTimeout, domain.ErrOracleTimeout)
		case <-ticker.C:
		}
	}
}

// ResolveFromOracle waits for consensus and resolves marketID with it.
func (c *Coordinator) ResolveFromOracle(ctx context.Context, marketID string) (domain.SettlementRecord, error) {
	outcome, err := c.AwaitOracle(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	return c.Resolve(ctx, marketID, outcome)
}

// TryResolveFromOracle asks the oracle once and resolves marketID if it
// reports consensus. Without consensus it fails with ErrNoConsensus and the
// market stays CLOSED for PollOracle to pick up.
func (c *Coordinator) TryResolveFromOracle(ctx context.Context, marketID string) (domain.SettlementRecord, error) {
	if c.oracle == nil {
		return domain.SettlementRecord{}, errors.New("settlement: resolve from oracle: no oracle configured")
	}
	outcome, ok, err := c.oracle.ConsensusOutcome(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: resolve from oracle %s: %w", marketID, err)
	}
	if !ok {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: resolve from oracle %s: %w", marketID, domain.ErrNoConsensus)
	}
	return c.Resolve(ctx, marketID, outcome)
}

// PollOracle asks the oracle once about every CLOSED market and resolves
// those with consensus. Markets still waiting past the oracle timeout are
// reported but stay CLOSED.
func (c *Coordinator) PollOracle(ctx context.Context) (int, error) {
	if c.oracle == nil {
		return 0, nil
	}
	closed, err := c.registry.List(ctx, domain.MarketFilter{Statuses: []domain.MarketStatus{domain.MarketClosed}})
	if err != nil {
		return 0, fmt.Errorf("settlement: poll oracle: %w", err)
	}
	var (
		resolved int
		errs     []error
	)
	now := c.now()
	for _, m := range closed {
		outcome, ok, err := c.oracle.ConsensusOutcome(ctx, m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("settlement: poll oracle %s: %w", m.ID, err))
			continue
		}
		if !ok {
			if m.ClosedAt != nil && now.Sub(*m.ClosedAt) > c.cfg.OracleTimeout {
				c.logger.WarnContext(ctx, "settlement: oracle consensus overdue",
					slog.String("market_id", m.ID),
					slog.Time("closed_at", *m.ClosedAt),
				)
			}
			continue
		}
		if _, err := c.Resolve(ctx, m.ID, outcome); err != nil {
			errs = append(errs, err)
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}
