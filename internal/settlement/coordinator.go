// Package settlement coordinates market resolution, disputes, cancellation
// and payouts across the registry, the commitment ledger and the AMM.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/boxmeout/settlement/internal/amm"
	"github.com/boxmeout/settlement/internal/commitment"
	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/ledger"
	"github.com/boxmeout/settlement/internal/lock"
	"github.com/boxmeout/settlement/internal/metrics"
	"github.com/boxmeout/settlement/internal/registry"
)

// UnrevealedPolicy decides what happens to escrow whose commitment was
// never revealed.
type UnrevealedPolicy string

const (
	PolicyForfeit UnrevealedPolicy = "forfeit"
	PolicyRefund  UnrevealedPolicy = "refund"
)

// FeeSplitBps divides AMM trading fees. The parts sum to 10000.
type FeeSplitBps struct {
	PlatformBps int
	CreatorBps  int
	LPBps       int
}

// Config holds payout policy.
type Config struct {
	PlatformFeeBps   int
	UnrevealedPolicy UnrevealedPolicy
	PlatformAccount  string
	FeeSplit         FeeSplitBps
	// RequireFinality holds claims until the dispute window has passed.
	// Off by default: claims open on resolution and a dispute pauses them.
	RequireFinality bool
	OracleTimeout   time.Duration
	OraclePoll      time.Duration
}

// DefaultConfig returns a 10% prediction-pool fee, forfeiture of
// unrevealed escrow and claims after the dispute window.
func DefaultConfig() Config {
	return Config{
		PlatformFeeBps:   1000,
		UnrevealedPolicy: PolicyForfeit,
		PlatformAccount:  "platform",
		FeeSplit:         FeeSplitBps{PlatformBps: 5000, CreatorBps: 2000, LPBps: 3000},
		RequireFinality:  false,
		OracleTimeout:    24 * time.Hour,
		OraclePoll:       time.Minute,
	}
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEvents sets the publisher for claim events.
func WithEvents(p domain.EventPublisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.events = p
		}
	}
}

// WithMetrics records claims to m.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithOracle sets the consensus source used by AwaitOracle and PollOracle.
func WithOracle(o domain.OracleSignal) Option {
	return func(c *Coordinator) { c.oracle = o }
}

// WithArchiver copies every computed record and the market's trade
// history to cold storage.
func WithArchiver(a domain.RecordArchiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

// Coordinator is the SettlementCoordinator. It owns settlement records and
// drives the other components through their own operations, composing them
// under one market lock.
type Coordinator struct {
	store    domain.SettlementStore
	registry *registry.Registry
	book     *commitment.Ledger
	engine   *amm.Engine
	gateway  *ledger.Gateway
	locks    *lock.Keyed
	cfg      Config
	oracle   domain.OracleSignal
	archiver domain.RecordArchiver
	events   domain.EventPublisher
	metrics  *metrics.SettlementMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Coordinator and registers its payout confirmations with gw.
func New(
	store domain.SettlementStore,
	reg *registry.Registry,
	book *commitment.Ledger,
	engine *amm.Engine,
	gw *ledger.Gateway,
	locks *lock.Keyed,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:    store,
		registry: reg,
		book:     book,
		engine:   engine,
		gateway:  gw,
		locks:    locks,
		cfg:      cfg,
		events:   domain.NopPublisher{},
		logger:   logger.With(slog.String("component", "settlement")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	gw.OnConfirm(domain.PurposeClaim, c.confirmPayout)
	gw.OnConfirm(domain.PurposeCancelRefund, c.confirmPayout)
	return c
}

// Open creates a market.
func (c *Coordinator) Open(ctx context.Context, req registry.OpenRequest) (domain.Market, error) {
	return c.registry.Open(ctx, req)
}

// Close ends trading. Before closingAt only the creator may close, and only
// while no commitment is waiting to be revealed.
func (c *Coordinator) Close(ctx context.Context, marketID, callerID string) (domain.Market, error) {
	ctx, unlock, err := c.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement: close: %w", err)
	}
	defer unlock()

	pending, err := c.book.PendingCount(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement: close: %w", err)
	}
	return c.registry.Close(ctx, marketID, callerID, pending)
}

// CloseExpired closes every OPEN market whose closing time has passed and
// returns how many it closed.
func (c *Coordinator) CloseExpired(ctx context.Context) (int, error) {
	now := c.now()
	due, err := c.registry.List(ctx, domain.MarketFilter{
		Statuses:      []domain.MarketStatus{domain.MarketOpen},
		ClosingBefore: &now,
	})
	if err != nil {
		return 0, fmt.Errorf("settlement: close expired: %w", err)
	}
	var (
		closed int
		errs   []error
	)
	for _, m := range due {
		if _, err := c.Close(ctx, m.ID, ""); err != nil {
			if errors.Is(err, domain.ErrInvalidStateTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// Dispute challenges a resolution. Only users who committed, hold shares
// or provide liquidity in the market may dispute.
func (c *Coordinator) Dispute(ctx context.Context, req registry.DisputeRequest) (domain.Market, error) {
	ctx, unlock, err := c.locks.Lock(ctx, req.MarketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement: dispute: %w", err)
	}
	defer unlock()

	participant, err := c.participates(ctx, req.MarketID, req.UserID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement: dispute: %w", err)
	}
	return c.registry.Dispute(ctx, req, participant)
}

func (c *Coordinator) participates(ctx context.Context, marketID, userID string) (bool, error) {
	_, err := c.book.Get(ctx, userID, marketID)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, err
	}
	positions, err := c.engine.Positions(ctx, marketID, userID)
	if err != nil {
		return false, err
	}
	for _, pos := range positions {
		if pos.Quantity.IsPositive() {
			return true, nil
		}
	}
	ps, err := c.engine.Pool(ctx, marketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return ps.Pool.LPBalance(userID).IsPositive(), nil
}

// Cancel withdraws an OPEN market and fixes the refund record every
// participant claims from with CancelRefund.
func (c *Coordinator) Cancel(ctx context.Context, marketID, reason string) (domain.SettlementRecord, error) {
	lctx, unlock, err := c.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: cancel: %w", err)
	}
	rec, err := c.cancel(lctx, marketID, reason)
	unlock()
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	c.logger.InfoContext(ctx, "settlement: market cancelled",
		slog.String("market_id", marketID),
		slog.String("reason", reason),
		slog.Int("payouts", len(rec.Payouts)),
		slog.String("commitment_pool", rec.CommitmentPool.String()),
	)
	c.archive(ctx, rec)
	return rec, nil
}

func (c *Coordinator) cancel(ctx context.Context, marketID, reason string) (domain.SettlementRecord, error) {
	if _, err := c.registry.Require(ctx, marketID, "cancel", domain.MarketOpen); err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: cancel: %w", err)
	}
	snap, err := c.snapshot(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: cancel: %w", err)
	}
	rec := c.cfg.cancellation(snap, c.now())
	if _, err := c.registry.Cancel(ctx, marketID, reason); err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: cancel: %w", err)
	}
	if err := c.store.Save(ctx, rec); err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: cancel %s: save record: %w", marketID, err)
	}
	return rec, nil
}

// Record returns the settlement record of marketID.
func (c *Coordinator) Record(ctx context.Context, marketID string) (domain.SettlementRecord, error) {
	r, err := c.store.Get(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: record %s: %w", marketID, err)
	}
	return r, nil
}

// snapshot reads the state a record is computed from. The caller holds the
// market lock.
func (c *Coordinator) snapshot(ctx context.Context, marketID string) (snapshot, error) {
	m, err := c.registry.Get(ctx, marketID)
	if err != nil {
		return snapshot{}, err
	}
	cs, err := c.book.ListByMarket(ctx, marketID)
	if err != nil {
		return snapshot{}, err
	}
	s := snapshot{market: m, commitments: cs}
	ps, err := c.engine.Pool(ctx, marketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return s, nil
	case err != nil:
		return snapshot{}, err
	}
	s.pool = &ps.Pool
	if s.positions, err = c.engine.Positions(ctx, marketID, ""); err != nil {
		return snapshot{}, err
	}
	if held, err := c.gateway.Held(ctx, marketID, domain.SourceAMM); err == nil {
		if want := ps.Pool.Collateral.Add(ps.Pool.FeesCollected); !held.Equal(want) {
			c.logger.ErrorContext(ctx, "settlement: pool and escrow disagree",
				slog.String("market_id", marketID),
				slog.String("pool", want.String()),
				slog.String("escrow", held.String()),
			)
		}
	}
	return s, nil
}

// archive copies r and the market's trades to cold storage. Failures are
// logged; the record in the primary store is authoritative.
func (c *Coordinator) archive(ctx context.Context, r domain.SettlementRecord) {
	if c.archiver == nil {
		return
	}
	key, err := c.archiver.ArchiveRecord(ctx, r)
	if err != nil {
		c.logger.WarnContext(ctx, "settlement: archive record",
			slog.String("market_id", r.MarketID),
			slog.String("error", err.Error()),
		)
		return
	}
	trades, err := c.engine.Trades(ctx, r.MarketID, domain.ListOpts{})
	if err == nil && len(trades) > 0 {
		_, err = c.archiver.ArchiveTrades(ctx, r.MarketID, trades)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "settlement: archive trades",
			slog.String("market_id", r.MarketID),
			slog.String("error", err.Error()),
		)
	}
	c.logger.DebugContext(ctx, "settlement: record archived",
		slog.String("market_id", r.MarketID),
		slog.String("key", key),
	)
}
