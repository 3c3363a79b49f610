// Package commitment implements the commit-reveal protocol for
// predictions and the escrow of committed funds.
package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/ledger"
	"github.com/boxmeout/settlement/internal/lock"
	"github.com/boxmeout/settlement/internal/metrics"
	"github.com/boxmeout/settlement/internal/registry"
)

// Config holds commitment limits.
type Config struct {
	MinAmount decimal.Decimal
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithEvents sets the publisher for commit and reveal events.
func WithEvents(p domain.EventPublisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.events = p
		}
	}
}

// WithMetrics records operations to m.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// Ledger is the CommitmentLedger. At most one non-VOID commitment exists
// per (user, market); its hash never changes and its revealed outcome is
// written once.
type Ledger struct {
	store    domain.CommitmentStore
	registry *registry.Registry
	gateway  *ledger.Gateway
	locks    *lock.Keyed
	cfg      Config
	events   domain.EventPublisher
	metrics  *metrics.SettlementMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Ledger and registers its refund confirmation with gw.
func New(
	store domain.CommitmentStore,
	reg *registry.Registry,
	gw *ledger.Gateway,
	locks *lock.Keyed,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:    store,
		registry: reg,
		gateway:  gw,
		locks:    locks,
		cfg:      cfg,
		events:   domain.NopPublisher{},
		logger:   logger.With(slog.String("component", "commitment")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	gw.OnConfirm(domain.PurposeVoid, l.confirmRefund)
	return l
}

// Commit escrows amount from userID and records a COMMITTED prediction
// bound to hash. The market must be OPEN and the user must not already
// hold an active commitment in it.
func (l *Ledger) Commit(ctx context.Context, userID, marketID, hash string, amount decimal.Decimal) (c domain.Commitment, err error) {
	defer func() { l.metrics.RecordCommitment("commit", err) }()

	hash, err = normalizeHash(hash)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: commit: %w", err)
	}
	if !domain.ValidAmount(amount) || amount.LessThan(l.cfg.MinAmount) {
		return domain.Commitment{}, fmt.Errorf("commitment: commit: %w: %s (minimum %s)", domain.ErrInvalidAmount, amount, l.cfg.MinAmount)
	}
	// Fail fast before touching the ledger; both checks repeat under the lock.
	if err := l.checkCommit(ctx, userID, marketID); err != nil {
		return domain.Commitment{}, err
	}

	hold, err := l.gateway.Escrow(ctx, domain.PurposeCommit, marketID, userID, amount, domain.SourceCommitment)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: commit: %w", err)
	}

	c, err = l.applyCommit(ctx, userID, marketID, hash, hold)
	if err != nil {
		if rerr := l.gateway.ReturnHold(ctx, hold); rerr != nil {
			l.logger.ErrorContext(ctx, "commitment: return hold after failed commit",
				slog.String("market_id", marketID),
				slog.String("user_id", userID),
				slog.String("error", rerr.Error()),
			)
		}
		return domain.Commitment{}, err
	}

	l.logger.InfoContext(ctx, "commitment: committed",
		slog.String("market_id", marketID),
		slog.String("user_id", userID),
		slog.String("amount", amount.String()),
	)
	l.events.Publish(ctx, domain.NewEvent(domain.EventPredictionCommitted, marketID, c.CommittedAt, map[string]any{
		"user_id":         userID,
		"commitment_id":   c.ID,
		"commitment_hash": c.Hash,
		"amount":          amount.String(),
	}))
	return c, nil
}

func (l *Ledger) checkCommit(ctx context.Context, userID, marketID string) error {
	if _, err := l.registry.Require(ctx, marketID, "commit", domain.MarketOpen); err != nil {
		return fmt.Errorf("commitment: commit: %w", err)
	}
	_, err := l.store.GetActive(ctx, marketID, userID)
	switch {
	case err == nil:
		return fmt.Errorf("commitment: commit %s/%s: %w", marketID, userID, domain.ErrDuplicateCommitment)
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("commitment: commit: %w", err)
	}
	return nil
}

func (l *Ledger) applyCommit(ctx context.Context, userID, marketID, hash string, hold domain.Hold) (domain.Commitment, error) {
	ctx, unlock, err := l.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: commit: %w", err)
	}
	defer unlock()

	if err := l.checkCommit(ctx, userID, marketID); err != nil {
		return domain.Commitment{}, err
	}
	if err := l.gateway.Attach(ctx, hold); err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: commit: %w", err)
	}
	c := domain.Commitment{
		ID:             uuid.NewString(),
		UserID:         userID,
		MarketID:       marketID,
		Hash:           hash,
		Amount:         hold.Amount,
		Status:         domain.CommitmentCommitted,
		ReceiptID:      hold.ReceiptID,
		EscrowTransfer: hold.TransferID,
		CommittedAt:    l.now(),
	}
	if err := l.store.Create(ctx, c); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			err = fmt.Errorf("%w: %w", domain.ErrDuplicateCommitment, err)
		}
		return domain.Commitment{}, fmt.Errorf("commitment: commit: %w", err)
	}
	if err := l.registry.TouchParticipant(ctx, marketID, userID); err != nil {
		l.logger.WarnContext(ctx, "commitment: record participant",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
	return c, nil
}

// Reveal discloses the committed outcome. The market must be OPEN or
// CLOSED and the commitment COMMITTED. A pair that does not hash to the
// stored commitment fails with ErrCommitmentMismatch and changes nothing,
// so the user can retry with the correct values.
func (l *Ledger) Reveal(ctx context.Context, userID, marketID string, outcome domain.Outcome, salt string) (c domain.Commitment, err error) {
	defer func() { l.metrics.RecordCommitment("reveal", err) }()

	if !outcome.Valid() {
		return domain.Commitment{}, fmt.Errorf("commitment: reveal: %w", domain.ErrInvalidOutcome)
	}
	ctx, unlock, err := l.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: reveal: %w", err)
	}
	defer unlock()

	if _, err := l.registry.Require(ctx, marketID, "reveal", domain.MarketOpen, domain.MarketClosed); err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: reveal: %w", err)
	}
	c, err = l.store.GetActive(ctx, marketID, userID)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: reveal %s/%s: %w", marketID, userID, err)
	}
	if c.Status != domain.CommitmentCommitted {
		return domain.Commitment{}, fmt.Errorf("commitment: reveal %s/%s: commitment is %s: %w",
			marketID, userID, c.Status, domain.ErrInvalidStateTransition)
	}
	if Hash(outcome, salt) != c.Hash {
		l.logger.InfoContext(ctx, "commitment: reveal mismatch",
			slog.String("market_id", marketID),
			slog.String("user_id", userID),
		)
		return domain.Commitment{}, fmt.Errorf("commitment: reveal %s/%s: %w", marketID, userID, domain.ErrCommitmentMismatch)
	}

	next := c.Clone()
	now := l.now()
	next.RevealedOutcome = &outcome
	next.RevealedAt = &now
	next.Status = domain.CommitmentRevealed
	if err := l.store.Update(ctx, next); err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: reveal %s/%s: %w", marketID, userID, err)
	}
	l.events.Publish(ctx, domain.NewEvent(domain.EventPredictionRevealed, marketID, now, map[string]any{
		"user_id": userID,
		"outcome": int(outcome),
		"amount":  next.Amount.String(),
	}))
	return next, nil
}

// Void refunds the escrow of userID's commitment in a CANCELLED market and
// marks it VOID. When the refund cannot be confirmed the commitment keeps
// FundsState PENDING until reconciliation and the error wraps
// ErrLedgerUnavailable.
func (l *Ledger) Void(ctx context.Context, userID, marketID string) (c domain.Commitment, err error) {
	defer func() { l.metrics.RecordCommitment("void", err) }()

	lctx, unlock, err := l.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: void: %w", err)
	}
	c, t, err := l.PrepareVoid(lctx, userID, marketID)
	unlock()
	if err != nil {
		return domain.Commitment{}, err
	}

	if _, err := l.gateway.Settle(ctx, t.ID); err != nil {
		return c, fmt.Errorf("commitment: void %s/%s: %w", marketID, userID, err)
	}
	return l.byID(ctx, marketID, c.ID)
}

func (l *Ledger) byID(ctx context.Context, marketID, id string) (domain.Commitment, error) {
	all, err := l.store.ListByMarket(ctx, marketID)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: get %s: %w", id, err)
	}
	for _, c := range all {
		if c.ID == id {
			return c, nil
		}
	}
	return domain.Commitment{}, fmt.Errorf("commitment: get %s: %w", id, domain.ErrNotFound)
}

// PrepareVoid marks the commitment VOID and reserves its escrow for refund.
// The caller settles the returned transfer after releasing the market
// lock.
func (l *Ledger) PrepareVoid(ctx context.Context, userID, marketID string) (domain.Commitment, domain.Transfer, error) {
	ctx, unlock, err := l.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.Commitment{}, domain.Transfer{}, fmt.Errorf("commitment: void: %w", err)
	}
	defer unlock()

	if _, err := l.registry.Require(ctx, marketID, "void", domain.MarketCancelled); err != nil {
		return domain.Commitment{}, domain.Transfer{}, fmt.Errorf("commitment: void: %w", err)
	}
	c, err := l.store.GetActive(ctx, marketID, userID)
	if err != nil {
		return domain.Commitment{}, domain.Transfer{}, fmt.Errorf("commitment: void %s/%s: %w", marketID, userID, err)
	}
	t, err := l.gateway.PrepareRefund(ctx, domain.PurposeVoid, c.EscrowTransfer)
	if err != nil {
		return domain.Commitment{}, domain.Transfer{}, fmt.Errorf("commitment: void %s/%s: %w", marketID, userID, err)
	}

	next := c.Clone()
	now := l.now()
	next.Status = domain.CommitmentVoid
	next.VoidedAt = &now
	next.RefundTransfer = t.ID
	next.FundsState = domain.FundsPending
	if err := l.store.Update(ctx, next); err != nil {
		return domain.Commitment{}, domain.Transfer{}, fmt.Errorf("commitment: void %s/%s: %w", marketID, userID, err)
	}
	return next, t, nil
}

// confirmRefund records the ledger outcome of a void refund.
func (l *Ledger) confirmRefund(ctx context.Context, t domain.Transfer) error {
	all, err := l.store.ListByMarket(ctx, t.MarketID)
	if err != nil {
		return err
	}
	for _, c := range all {
		if c.RefundTransfer != t.ID {
			continue
		}
		switch t.State {
		case domain.TransferConfirmed:
			c.FundsState = domain.FundsSettled
		case domain.TransferRejected:
			c.FundsState = domain.FundsRejected
		default:
			return nil
		}
		return l.store.Update(ctx, c)
	}
	return fmt.Errorf("commitment: refund %s: %w", t.ID, domain.ErrNotFound)
}

// MarkSettled moves every active commitment of a resolved market to
// SETTLED. Revealed outcomes are kept.
func (l *Ledger) MarkSettled(ctx context.Context, marketID string) error {
	ctx, unlock, err := l.locks.Lock(ctx, marketID)
	if err != nil {
		return fmt.Errorf("commitment: settle: %w", err)
	}
	defer unlock()

	all, err := l.store.ListByMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("commitment: settle %s: %w", marketID, err)
	}
	now := l.now()
	for _, c := range all {
		if !c.Active() || c.Status == domain.CommitmentSettled {
			continue
		}
		next := c.Clone()
		next.Status = domain.CommitmentSettled
		next.SettledAt = &now
		if err := l.store.Update(ctx, next); err != nil {
			return fmt.Errorf("commitment: settle %s: %w", marketID, err)
		}
	}
	return nil
}

// Get returns the active commitment of userID in marketID.
func (l *Ledger) Get(ctx context.Context, userID, marketID string) (domain.Commitment, error) {
	c, err := l.store.GetActive(ctx, marketID, userID)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment: get %s/%s: %w", marketID, userID, err)
	}
	return c, nil
}

// ListByMarket returns every commitment of marketID, VOID included.
func (l *Ledger) ListByMarket(ctx context.Context, marketID string) ([]domain.Commitment, error) {
	cs, err := l.store.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("commitment: list %s: %w", marketID, err)
	}
	return cs, nil
}

// PendingCount returns how many commitments in marketID are committed but
// not yet revealed.
func (l *Ledger) PendingCount(ctx context.Context, marketID string) (int, error) {
	cs, err := l.ListByMarket(ctx, marketID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cs {
		if c.Status == domain.CommitmentCommitted {
			n++
		}
	}
	return n, nil
}
