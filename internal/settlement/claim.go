package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/ledger"
)

// Claim pays userID's entry in the record of a RESOLVED market. An entry
// is paid at most once: it is marked claimed under the market lock before
// the ledger is asked to move funds. When the release cannot be confirmed
// the returned payout has FundsState PENDING and the error wraps
// ErrLedgerUnavailable; reconciliation finishes it. A release the ledger
// rejected is driven again by claiming again.
func (c *Coordinator) Claim(ctx context.Context, userID, marketID string) (p domain.Payout, err error) {
	defer func() { c.metrics.RecordClaim("resolution", p.Amount, err) }()

	lctx, unlock, err := c.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("settlement: claim: %w", err)
	}
	p, requeue, err := c.prepareClaim(lctx, userID, marketID)
	unlock()
	if err != nil {
		return domain.Payout{}, err
	}

	if requeue {
		_, err = c.gateway.Requeue(ctx, p.TransferID)
	} else {
		_, err = c.gateway.Settle(ctx, p.TransferID)
	}
	if cur, gerr := c.payout(ctx, marketID, userID); gerr == nil {
		p = cur
	}
	if err != nil {
		return p, fmt.Errorf("settlement: claim %s/%s: %w", marketID, userID, err)
	}

	c.logger.InfoContext(ctx, "settlement: winnings claimed",
		slog.String("market_id", marketID),
		slog.String("user_id", userID),
		slog.String("amount", p.Amount.String()),
	)
	c.publishClaim(ctx, marketID, domain.RecordResolution, p)
	return p, nil
}

func (c *Coordinator) prepareClaim(ctx context.Context, userID, marketID string) (domain.Payout, bool, error) {
	m, err := c.registry.Get(ctx, marketID)
	if err != nil {
		return domain.Payout{}, false, fmt.Errorf("settlement: claim: %w", err)
	}
	switch {
	case m.Status == domain.MarketDisputed:
		return domain.Payout{}, false, fmt.Errorf("settlement: claim %s: market is disputed: %w", marketID, domain.ErrClaimsPaused)
	case m.Status != domain.MarketResolved:
		_, err := c.registry.Require(ctx, marketID, "claim", domain.MarketResolved)
		return domain.Payout{}, false, fmt.Errorf("settlement: claim: %w", err)
	case c.cfg.RequireFinality && !m.Final(c.now()):
		return domain.Payout{}, false, fmt.Errorf("settlement: claim %s: dispute window open until %s: %w",
			marketID, m.DisputeDeadline, domain.ErrClaimsPaused)
	}

	rec, err := c.store.Get(ctx, marketID)
	if err != nil {
		return domain.Payout{}, false, fmt.Errorf("settlement: claim %s: %w", marketID, err)
	}
	p, ok := rec.Payouts[userID]
	if !ok || !p.Amount.IsPositive() {
		return domain.Payout{}, false, fmt.Errorf("settlement: claim %s/%s: %w", marketID, userID, domain.ErrNothingToClaim)
	}
	return c.reserve(ctx, rec, p, domain.PurposeClaim, nil)
}

// reserve marks entry p of rec claimed and prepares its release. It
// reports requeue when p was claimed before and its release was rejected.
func (c *Coordinator) reserve(ctx context.Context, rec domain.SettlementRecord, p domain.Payout, purpose string, sources []domain.FundSource) (domain.Payout, bool, error) {
	if p.Claimed {
		if p.FundsState != domain.FundsRejected {
			return domain.Payout{}, false, fmt.Errorf("settlement: claim %s/%s: %w", rec.MarketID, p.UserID, domain.ErrAlreadyClaimed)
		}
		p.FundsState = domain.FundsPending
		rec.Payouts[p.UserID] = p
		if err := c.store.Save(ctx, rec); err != nil {
			return domain.Payout{}, false, fmt.Errorf("settlement: claim %s/%s: %w", rec.MarketID, p.UserID, err)
		}
		return p, true, nil
	}

	t, err := c.gateway.PrepareRelease(ctx, ledger.Outflow{
		Purpose:  purpose,
		MarketID: rec.MarketID,
		UserID:   p.UserID,
		Amount:   p.Amount,
		Sources:  sources,
	})
	if err != nil {
		return domain.Payout{}, false, fmt.Errorf("settlement: claim %s/%s: %w", rec.MarketID, p.UserID, err)
	}
	now := c.now()
	p.Claimed = true
	p.ClaimedAt = &now
	p.FundsState = domain.FundsPending
	p.TransferID = t.ID
	rec.Payouts[p.UserID] = p
	if err := c.store.Save(ctx, rec); err != nil {
		c.abandon(ctx, t.ID, err)
		return domain.Payout{}, false, fmt.Errorf("settlement: claim %s/%s: %w", rec.MarketID, p.UserID, err)
	}
	return p, false, nil
}

// Refund is what CancelRefund returned to a user.
type Refund struct {
	MarketID string `json:"market_id"`
	UserID   string `json:"user_id"`
	// Commitment is the escrow of the user's voided commitment.
	Commitment decimal.Decimal `json:"commitment"`
	// Payout is the user's entry in the cancellation record.
	Payout    *domain.Payout `json:"payout,omitempty"`
	Transfers []string       `json:"transfers"`
}

// Total is the commitment escrow plus the record entry.
func (r Refund) Total() decimal.Decimal {
	if r.Payout == nil {
		return r.Commitment
	}
	return r.Commitment.Add(r.Payout.Amount)
}

// CancelRefund returns everything userID put into a CANCELLED market: the
// escrow of their commitment and their entry in the cancellation record.
// Both are reserved under one lock so a refund is never half-claimed.
func (c *Coordinator) CancelRefund(ctx context.Context, userID, marketID string) (r Refund, err error) {
	defer func() { c.metrics.RecordClaim("cancellation", r.Total(), err) }()

	lctx, unlock, err := c.locks.Lock(ctx, marketID)
	if err != nil {
		return Refund{}, fmt.Errorf("settlement: cancel refund: %w", err)
	}
	r, requeue, err := c.prepareRefund(lctx, userID, marketID)
	unlock()
	if err != nil {
		return Refund{}, err
	}

	var errs []error
	for _, id := range r.Transfers {
		if requeue[id] {
			_, err = c.gateway.Requeue(ctx, id)
		} else {
			_, err = c.gateway.Settle(ctx, id)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if r.Payout != nil {
		if cur, gerr := c.payout(ctx, marketID, userID); gerr == nil {
			r.Payout = &cur
		}
	}
	if err := errors.Join(errs...); err != nil {
		return r, fmt.Errorf("settlement: cancel refund %s/%s: %w", marketID, userID, err)
	}

	if r.Payout != nil {
		c.publishClaim(ctx, marketID, domain.RecordCancellation, *r.Payout)
	}
	c.logger.InfoContext(ctx, "settlement: cancellation refunded",
		slog.String("market_id", marketID),
		slog.String("user_id", userID),
		slog.String("amount", r.Total().String()),
	)
	return r, nil
}

func (c *Coordinator) prepareRefund(ctx context.Context, userID, marketID string) (Refund, map[string]bool, error) {
	if _, err := c.registry.Require(ctx, marketID, "cancel_refund", domain.MarketCancelled); err != nil {
		return Refund{}, nil, fmt.Errorf("settlement: cancel refund: %w", err)
	}
	rec, err := c.store.Get(ctx, marketID)
	if err != nil {
		return Refund{}, nil, fmt.Errorf("settlement: cancel refund %s: %w", marketID, err)
	}
	orig := rec.Clone()

	r := Refund{MarketID: marketID, UserID: userID, Commitment: decimal.Zero}
	requeue := make(map[string]bool)
	p, hasEntry := rec.Payouts[userID]
	if hasEntry && p.Amount.IsPositive() && (!p.Claimed || p.FundsState == domain.FundsRejected) {
		p, again, err := c.reserve(ctx, rec, p, domain.PurposeCancelRefund, []domain.FundSource{domain.SourceAMM})
		if err != nil {
			return Refund{}, nil, fmt.Errorf("settlement: cancel refund: %w", err)
		}
		r.Payout = &p
		r.Transfers = append(r.Transfers, p.TransferID)
		requeue[p.TransferID] = again
	}

	_, err = c.book.Get(ctx, userID, marketID)
	switch {
	case err == nil:
		cm, t, err := c.book.PrepareVoid(ctx, userID, marketID)
		if err != nil {
			c.rollback(ctx, orig, r)
			return Refund{}, nil, fmt.Errorf("settlement: cancel refund: %w", err)
		}
		r.Commitment = cm.Amount
		r.Transfers = append(r.Transfers, t.ID)
	case !errors.Is(err, domain.ErrNotFound):
		c.rollback(ctx, orig, r)
		return Refund{}, nil, fmt.Errorf("settlement: cancel refund: %w", err)
	}

	if len(r.Transfers) == 0 {
		if hasEntry && p.Claimed {
			return Refund{}, nil, fmt.Errorf("settlement: cancel refund %s/%s: %w", marketID, userID, domain.ErrAlreadyClaimed)
		}
		return Refund{}, nil, fmt.Errorf("settlement: cancel refund %s/%s: %w", marketID, userID, domain.ErrNothingToClaim)
	}
	return r, requeue, nil
}

// rollback undoes a reserved cancellation entry when the commitment half
// of the refund could not be prepared.
func (c *Coordinator) rollback(ctx context.Context, orig domain.SettlementRecord, r Refund) {
	if r.Payout == nil {
		return
	}
	prev := orig.Payouts[r.UserID]
	if !prev.Claimed {
		c.abandon(ctx, r.Payout.TransferID, errors.New("commitment refund failed"))
	}
	if err := c.store.Save(ctx, orig); err != nil {
		c.logger.ErrorContext(ctx, "settlement: restore record",
			slog.String("market_id", orig.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// Payout returns userID's entry in the record of marketID.
func (c *Coordinator) Payout(ctx context.Context, marketID, userID string) (domain.Payout, error) {
	return c.payout(ctx, marketID, userID)
}

func (c *Coordinator) payout(ctx context.Context, marketID, userID string) (domain.Payout, error) {
	rec, err := c.store.Get(ctx, marketID)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("settlement: payout %s: %w", marketID, err)
	}
	p, ok := rec.Payouts[userID]
	if !ok {
		return domain.Payout{}, fmt.Errorf("settlement: payout %s/%s: %w", marketID, userID, domain.ErrNothingToClaim)
	}
	return p, nil
}

// confirmPayout records the ledger outcome of a claim or cancellation
// release. The gateway calls it under the market lock.
func (c *Coordinator) confirmPayout(ctx context.Context, t domain.Transfer) error {
	rec, err := c.store.Get(ctx, t.MarketID)
	if err != nil {
		return fmt.Errorf("settlement: confirm %s: %w", t.ID, err)
	}
	p, ok := rec.Payouts[t.UserID]
	if !ok || p.TransferID != t.ID {
		return fmt.Errorf("settlement: confirm %s: no entry for %s: %w", t.ID, t.UserID, domain.ErrNotFound)
	}
	switch t.State {
	case domain.TransferConfirmed:
		p.FundsState = domain.FundsSettled
	case domain.TransferRejected:
		p.FundsState = domain.FundsRejected
		c.logger.ErrorContext(ctx, "settlement: payout rejected by ledger",
			slog.String("market_id", t.MarketID),
			slog.String("user_id", t.UserID),
			slog.String("transfer_id", t.ID),
			slog.String("error", t.LastError),
		)
	default:
		return nil
	}
	rec.Payouts[t.UserID] = p
	return c.store.Save(ctx, rec)
}

func (c *Coordinator) abandon(ctx context.Context, transferID string, cause error) {
	if err := c.gateway.Abandon(ctx, transferID, cause.Error()); err != nil {
		c.logger.ErrorContext(ctx, "settlement: abandon payout",
			slog.String("transfer_id", transferID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) publishClaim(ctx context.Context, marketID string, kind domain.RecordKind, p domain.Payout) {
	c.events.Publish(ctx, domain.NewEvent(domain.EventWinningsClaimed, marketID, c.now(), map[string]any{
		"user_id":     p.UserID,
		"amount":      p.Amount.String(),
		"kind":        string(kind),
		"transfer_id": p.TransferID,
		"funds_state": string(p.FundsState),
	}))
}
