// Package ledger fronts the external LedgerClient. It journals every fund
// movement as a Transfer, retries retryable failures with bounded
// exponential backoff and reconciles transfers whose outcome was never
// confirmed.
//
// Inflows escrow first and attach the hold to core state afterwards; a hold
// that never gets attached is handed back. Outflows reserve escrowed funds
// under the market lock (Prepare*) and move them afterwards (Settle), which
// must never run while the lock is held.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/lock"
	"github.com/boxmeout/settlement/internal/metrics"
)

var (
	// ErrUnderfunded means the market's escrowed funds cannot cover a payout.
	ErrUnderfunded = errors.New("escrowed funds do not cover payout")
	// ErrHoldUnavailable means an escrow was already returned or consumed.
	ErrHoldUnavailable = errors.New("hold no longer available")
	// ErrLockHeld is returned when ledger I/O is attempted under the market
	// lock.
	ErrLockHeld = errors.New("ledger call attempted while holding the market lock")
)

// Config bounds retries and reconciliation.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Grace is how old a pending or unattached transfer must be before the
	// reconciler takes it over.
	Grace time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Grace:          2 * time.Minute,
	}
}

// Confirmer applies the outcome of a finished transfer to the state of the
// component that requested it. It runs with the market lock held.
type Confirmer func(ctx context.Context, t domain.Transfer) error

// Option customises a Gateway.
type Option func(*Gateway)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithEvents sets the publisher used for TransferStuck events.
func WithEvents(p domain.EventPublisher) Option {
	return func(g *Gateway) {
		if p != nil {
			g.events = p
		}
	}
}

// WithMetrics records ledger calls to m.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway is the only path from the core to the ledger.
type Gateway struct {
	client  domain.LedgerClient
	journal domain.TransferStore
	locks   *lock.Keyed
	cfg     Config
	events  domain.EventPublisher
	metrics *metrics.SettlementMetrics
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	confirmers map[string]Confirmer
}

// New creates a Gateway.
func New(client domain.LedgerClient, journal domain.TransferStore, locks *lock.Keyed, cfg Config, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	g := &Gateway{
		client:     client,
		journal:    journal,
		locks:      locks,
		cfg:        cfg,
		events:     domain.NopPublisher{},
		logger:     logger.With(slog.String("component", "ledger")),
		now:        func() time.Time { return time.Now().UTC() },
		confirmers: make(map[string]Confirmer),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnConfirm registers the confirmation callback for transfers of purpose.
func (g *Gateway) OnConfirm(purpose string, fn Confirmer) {
	g.mu.Lock()
	g.confirmers[purpose] = fn
	g.mu.Unlock()
}

// Escrow holds amount from userID and journals the hold. The returned hold
// must be attached to core state with Attach or handed back with
// ReturnHold. On exhausted retries the journal entry stays PENDING and the
// reconciler reverses it later.
func (g *Gateway) Escrow(ctx context.Context, purpose, marketID, userID string, amount decimal.Decimal, source domain.FundSource) (domain.Hold, error) {
	if g.locks.Held(ctx, marketID) {
		return domain.Hold{}, fmt.Errorf("ledger: escrow: %w", ErrLockHeld)
	}
	if !domain.ValidAmount(amount) {
		return domain.Hold{}, fmt.Errorf("ledger: escrow: %w: %s", domain.ErrInvalidAmount, amount)
	}
	now := g.now()
	t := domain.Transfer{
		ID:        uuid.NewString(),
		Kind:      domain.TransferEscrow,
		Purpose:   purpose,
		MarketID:  marketID,
		UserID:    userID,
		Amount:    amount,
		Source:    source,
		Remaining: decimal.Zero,
		State:     domain.TransferPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.journal.Save(ctx, t); err != nil {
		return domain.Hold{}, fmt.Errorf("ledger: escrow: journal: %w", err)
	}

	var receipt string
	err := g.retry(ctx, "escrow", &t, func(ctx context.Context) error {
		r, err := g.client.Escrow(ctx, t.ID, userID, amount)
		if err == nil {
			receipt = r
		}
		return err
	})
	if err != nil {
		return domain.Hold{}, g.fail(ctx, &t, "escrow", err)
	}

	t.ReceiptID = receipt
	t.Remaining = amount
	t.State = domain.TransferConfirmed
	t.LastError = ""
	t.UpdatedAt = g.now()
	if err := g.journal.Save(ctx, t); err != nil {
		// The ledger holds the funds; the reconciler finds the PENDING entry
		// and reverses it.
		return domain.Hold{}, fmt.Errorf("ledger: escrow %s: journal: %w", t.ID, err)
	}
	return domain.Hold{TransferID: t.ID, ReceiptID: receipt, UserID: userID, Amount: amount}, nil
}

// Attach binds a confirmed hold to core state so it becomes available to
// payouts. Call it under the market lock before persisting the core change.
func (g *Gateway) Attach(ctx context.Context, h domain.Hold) error {
	t, err := g.journal.Get(ctx, h.TransferID)
	if err != nil {
		return fmt.Errorf("ledger: attach %s: %w", h.TransferID, err)
	}
	ctx, unlock, err := g.locks.Lock(ctx, t.MarketID)
	if err != nil {
		return fmt.Errorf("ledger: attach %s: %w", h.TransferID, err)
	}
	defer unlock()

	t, err = g.journal.Get(ctx, h.TransferID)
	if err != nil {
		return fmt.Errorf("ledger: attach %s: %w", h.TransferID, err)
	}
	if t.State != domain.TransferConfirmed || t.Attached {
		return fmt.Errorf("ledger: attach %s: state %s: %w", t.ID, t.State, ErrHoldUnavailable)
	}
	t.Attached = true
	t.UpdatedAt = g.now()
	if err := g.journal.Save(ctx, t); err != nil {
		return fmt.Errorf("ledger: attach %s: %w", t.ID, err)
	}
	return nil
}

// ReturnHold hands a hold back to its owner after the operation that
// requested it failed. It must not be called with the market lock held.
func (g *Gateway) ReturnHold(ctx context.Context, h domain.Hold) error {
	return g.reverse(ctx, h.TransferID, false)
}

// reverse marks an escrow REVERSED under the market lock and refunds its
// receipt. With onlyUnattached, a hold attached in the meantime is left
// alone.
func (g *Gateway) reverse(ctx context.Context, escrowID string, onlyUnattached bool) error {
	esc, err := g.journal.Get(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("ledger: reverse %s: %w", escrowID, err)
	}
	if g.locks.Held(ctx, esc.MarketID) {
		return fmt.Errorf("ledger: reverse %s: %w", escrowID, ErrLockHeld)
	}

	lctx, unlock, err := g.locks.Lock(ctx, esc.MarketID)
	if err != nil {
		return fmt.Errorf("ledger: reverse %s: %w", escrowID, err)
	}
	esc, err = g.journal.Get(lctx, escrowID)
	if err != nil {
		unlock()
		return fmt.Errorf("ledger: reverse %s: %w", escrowID, err)
	}
	if esc.State != domain.TransferConfirmed || (onlyUnattached && esc.Attached) {
		unlock()
		return nil
	}
	now := g.now()
	refund := domain.Transfer{
		ID:        uuid.NewString(),
		Kind:      domain.TransferRefund,
		Purpose:   domain.PurposeReversal,
		MarketID:  esc.MarketID,
		UserID:    esc.UserID,
		Amount:    esc.Remaining,
		Source:    esc.Source,
		ReceiptID: esc.ReceiptID,
		State:     domain.TransferPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	esc.State = domain.TransferReversed
	esc.Attached = false
	esc.Remaining = decimal.Zero
	esc.UpdatedAt = now
	if err := g.journal.Save(lctx, refund); err != nil {
		unlock()
		return fmt.Errorf("ledger: reverse %s: %w", escrowID, err)
	}
	if err := g.journal.Save(lctx, esc); err != nil {
		unlock()
		return fmt.Errorf("ledger: reverse %s: %w", escrowID, err)
	}
	unlock()

	g.logger.InfoContext(ctx, "ledger: returning hold",
		slog.String("escrow_id", escrowID),
		slog.String("refund_id", refund.ID),
		slog.String("user_id", refund.UserID),
		slog.String("amount", refund.Amount.String()),
	)
	_, err = g.Settle(ctx, refund.ID)
	return err
}

// Outflow describes a payout to reserve from a market's escrowed funds.
type Outflow struct {
	Purpose  string
	MarketID string
	UserID   string
	Amount   decimal.Decimal
	// Sources restricts which escrows may fund the payout; empty means any.
	Sources []domain.FundSource
}

// PrepareRelease reserves out.Amount from the market's attached escrows,
// oldest first, and journals a PENDING release split into one leg per
// receipt. It runs under the market lock.
func (g *Gateway) PrepareRelease(ctx context.Context, out Outflow) (domain.Transfer, error) {
	if !domain.ValidAmount(out.Amount) {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare release: %w: %s", domain.ErrInvalidAmount, out.Amount)
	}
	ctx, unlock, err := g.locks.Lock(ctx, out.MarketID)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare release: %w", err)
	}
	defer unlock()

	all, err := g.journal.ListByMarket(ctx, out.MarketID)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare release: %w", err)
	}

	need := out.Amount
	var (
		legs    []domain.TransferLeg
		touched []domain.Transfer
	)
	for _, esc := range all {
		if need.IsZero() {
			break
		}
		if !fundable(esc, out.Sources) {
			continue
		}
		take := decimal.Min(need, esc.Remaining)
		legs = append(legs, domain.TransferLeg{ReceiptID: esc.ReceiptID, Amount: take})
		esc.Remaining = esc.Remaining.Sub(take)
		touched = append(touched, esc)
		need = need.Sub(take)
	}
	if need.IsPositive() {
		g.logger.ErrorContext(ctx, "ledger: payout exceeds escrowed funds",
			slog.String("market_id", out.MarketID),
			slog.String("purpose", out.Purpose),
			slog.String("amount", out.Amount.String()),
			slog.String("shortfall", need.String()),
		)
		return domain.Transfer{}, fmt.Errorf("ledger: prepare release %s: short %s: %w", out.MarketID, need, ErrUnderfunded)
	}

	now := g.now()
	t := domain.Transfer{
		ID:        uuid.NewString(),
		Kind:      domain.TransferRelease,
		Purpose:   out.Purpose,
		MarketID:  out.MarketID,
		UserID:    out.UserID,
		Amount:    out.Amount,
		Legs:      legs,
		State:     domain.TransferPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, esc := range touched {
		esc.UpdatedAt = now
		if err := g.journal.Save(ctx, esc); err != nil {
			return domain.Transfer{}, fmt.Errorf("ledger: prepare release: %w", err)
		}
	}
	if err := g.journal.Save(ctx, t); err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare release: %w", err)
	}
	return t, nil
}

// PrepareRefund reserves the full remaining hold of an escrow for return to
// its owner and journals a PENDING refund. It runs under the market lock.
func (g *Gateway) PrepareRefund(ctx context.Context, purpose, escrowID string) (domain.Transfer, error) {
	esc, err := g.journal.Get(ctx, escrowID)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare refund %s: %w", escrowID, err)
	}
	ctx, unlock, err := g.locks.Lock(ctx, esc.MarketID)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare refund %s: %w", escrowID, err)
	}
	defer unlock()

	esc, err = g.journal.Get(ctx, escrowID)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare refund %s: %w", escrowID, err)
	}
	if esc.Kind != domain.TransferEscrow || esc.State != domain.TransferConfirmed || !esc.Remaining.IsPositive() {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare refund %s: state %s remaining %s: %w",
			escrowID, esc.State, esc.Remaining, ErrHoldUnavailable)
	}

	now := g.now()
	t := domain.Transfer{
		ID:        uuid.NewString(),
		Kind:      domain.TransferRefund,
		Purpose:   purpose,
		MarketID:  esc.MarketID,
		UserID:    esc.UserID,
		Amount:    esc.Remaining,
		Source:    esc.Source,
		ReceiptID: esc.ReceiptID,
		State:     domain.TransferPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	esc.Remaining = decimal.Zero
	esc.UpdatedAt = now
	if err := g.journal.Save(ctx, esc); err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare refund %s: %w", escrowID, err)
	}
	if err := g.journal.Save(ctx, t); err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: prepare refund %s: %w", escrowID, err)
	}
	return t, nil
}

// Abandon drops a prepared transfer whose core change could not be
// persisted and gives its reservation back to the escrows it drew on. Only
// untouched PENDING transfers can be abandoned. It runs under the market
// lock.
func (g *Gateway) Abandon(ctx context.Context, transferID, reason string) error {
	t, err := g.journal.Get(ctx, transferID)
	if err != nil {
		return fmt.Errorf("ledger: abandon %s: %w", transferID, err)
	}
	ctx, unlock, err := g.locks.Lock(ctx, t.MarketID)
	if err != nil {
		return fmt.Errorf("ledger: abandon %s: %w", transferID, err)
	}
	defer unlock()

	t, err = g.journal.Get(ctx, transferID)
	if err != nil {
		return fmt.Errorf("ledger: abandon %s: %w", transferID, err)
	}
	if t.State != domain.TransferPending || t.Attempts > 0 {
		return fmt.Errorf("ledger: abandon %s: state %s after %d attempts: %w",
			transferID, t.State, t.Attempts, domain.ErrInvalidStateTransition)
	}

	give := make(map[string]decimal.Decimal)
	switch t.Kind {
	case domain.TransferRelease:
		for _, leg := range t.Legs {
			give[leg.ReceiptID] = give[leg.ReceiptID].Add(leg.Amount)
		}
	case domain.TransferRefund:
		give[t.ReceiptID] = t.Amount
	}
	all, err := g.journal.ListByMarket(ctx, t.MarketID)
	if err != nil {
		return fmt.Errorf("ledger: abandon %s: %w", transferID, err)
	}
	now := g.now()
	for _, esc := range all {
		amt, ok := give[esc.ReceiptID]
		if !ok || esc.Kind != domain.TransferEscrow {
			continue
		}
		esc.Remaining = esc.Remaining.Add(amt)
		esc.UpdatedAt = now
		if err := g.journal.Save(ctx, esc); err != nil {
			return fmt.Errorf("ledger: abandon %s: %w", transferID, err)
		}
	}
	t.State = domain.TransferRejected
	t.LastError = "abandoned: " + reason
	t.UpdatedAt = now
	if err := g.journal.Save(ctx, t); err != nil {
		return fmt.Errorf("ledger: abandon %s: %w", transferID, err)
	}
	return nil
}

// Settle executes a prepared transfer against the ledger and then runs the
// confirmer registered for its purpose under the market lock. The returned
// error wraps ErrLedgerUnavailable when the transfer is still pending and
// ErrLedgerRejected when the ledger refused it.
func (g *Gateway) Settle(ctx context.Context, transferID string) (domain.Transfer, error) {
	t, execErr := g.execute(ctx, transferID)
	if t.ID == "" {
		return t, execErr
	}
	if t.State == domain.TransferPending {
		return t, execErr
	}
	if err := g.confirm(ctx, t); err != nil {
		return t, errors.Join(execErr, err)
	}
	return t, execErr
}

// Requeue puts a REJECTED outflow back to PENDING and settles it again.
func (g *Gateway) Requeue(ctx context.Context, transferID string) (domain.Transfer, error) {
	t, err := g.journal.Get(ctx, transferID)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: requeue %s: %w", transferID, err)
	}
	if t.Kind == domain.TransferEscrow {
		return domain.Transfer{}, fmt.Errorf("ledger: requeue %s: escrows cannot be requeued: %w", transferID, domain.ErrInvalidStateTransition)
	}
	if t.State == domain.TransferRejected {
		t.State = domain.TransferPending
		t.Attempts = 0
		t.UpdatedAt = g.now()
		if err := g.journal.Save(ctx, t); err != nil {
			return domain.Transfer{}, fmt.Errorf("ledger: requeue %s: %w", transferID, err)
		}
	}
	return g.Settle(ctx, transferID)
}

func (g *Gateway) execute(ctx context.Context, transferID string) (domain.Transfer, error) {
	t, err := g.journal.Get(ctx, transferID)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: settle %s: %w", transferID, err)
	}
	if g.locks.Held(ctx, t.MarketID) {
		return domain.Transfer{}, fmt.Errorf("ledger: settle %s: %w", transferID, ErrLockHeld)
	}
	switch t.State {
	case domain.TransferConfirmed:
		return t, nil
	case domain.TransferRejected:
		return t, fmt.Errorf("ledger: settle %s: %w: %s", t.ID, domain.ErrLedgerRejected, t.LastError)
	}

	switch t.Kind {
	case domain.TransferRelease:
		for i := range t.Legs {
			if t.Legs[i].Done {
				continue
			}
			leg := t.Legs[i]
			key := fmt.Sprintf("%s:%d", t.ID, i)
			err := g.retry(ctx, "release", &t, func(ctx context.Context) error {
				return g.client.Release(ctx, key, leg.ReceiptID, t.UserID, leg.Amount)
			})
			if err != nil {
				return t, g.fail(ctx, &t, "release", err)
			}
			t.Legs[i].Done = true
			t.UpdatedAt = g.now()
			if err := g.journal.Save(ctx, t); err != nil {
				return t, fmt.Errorf("ledger: settle %s: journal: %w", t.ID, err)
			}
		}
	case domain.TransferRefund:
		err := g.retry(ctx, "refund", &t, func(ctx context.Context) error {
			return g.client.Refund(ctx, t.ReceiptID)
		})
		if err != nil {
			return t, g.fail(ctx, &t, "refund", err)
		}
	default:
		return t, fmt.Errorf("ledger: settle %s: %s transfers are not settled: %w", t.ID, t.Kind, domain.ErrInvalidStateTransition)
	}

	t.State = domain.TransferConfirmed
	t.LastError = ""
	t.UpdatedAt = g.now()
	if err := g.journal.Save(ctx, t); err != nil {
		return t, fmt.Errorf("ledger: settle %s: journal: %w", t.ID, err)
	}
	return t, nil
}

func (g *Gateway) confirm(ctx context.Context, t domain.Transfer) error {
	g.mu.RLock()
	fn := g.confirmers[t.Purpose]
	g.mu.RUnlock()
	if fn == nil {
		return nil
	}
	ctx, unlock, err := g.locks.Lock(ctx, t.MarketID)
	if err != nil {
		return fmt.Errorf("ledger: confirm %s: %w", t.ID, err)
	}
	defer unlock()
	if err := fn(ctx, t); err != nil {
		return fmt.Errorf("ledger: confirm %s: %w", t.ID, err)
	}
	return nil
}

// fail records a failed call on the journal entry and returns the error
// the caller surfaces. Retryable failures leave the entry PENDING.
func (g *Gateway) fail(ctx context.Context, t *domain.Transfer, op string, cause error) error {
	t.LastError = cause.Error()
	t.UpdatedAt = g.now()
	rejected := errors.Is(cause, domain.ErrLedgerRejected)
	if rejected {
		t.State = domain.TransferRejected
	}
	if err := g.journal.Save(ctx, *t); err != nil {
		g.logger.ErrorContext(ctx, "ledger: journal failed transfer",
			slog.String("transfer_id", t.ID),
			slog.String("error", err.Error()),
		)
	}

	if rejected {
		g.logger.WarnContext(ctx, "ledger: transfer rejected",
			slog.String("transfer_id", t.ID),
			slog.String("op", op),
			slog.String("purpose", t.Purpose),
			slog.String("error", cause.Error()),
		)
		if t.Kind != domain.TransferEscrow {
			g.events.Publish(ctx, domain.NewEvent(domain.EventTransferStuck, t.MarketID, t.UpdatedAt, map[string]any{
				"transfer_id": t.ID,
				"purpose":     t.Purpose,
				"user_id":     t.UserID,
				"amount":      t.Amount.String(),
				"error":       cause.Error(),
			}))
		}
	} else {
		g.logger.WarnContext(ctx, "ledger: transfer left pending",
			slog.String("transfer_id", t.ID),
			slog.String("op", op),
			slog.Int("attempts", t.Attempts),
			slog.String("error", cause.Error()),
		)
	}
	return fmt.Errorf("ledger: %s %s: %w", op, t.ID, cause)
}

// retry runs fn with exponential backoff until it succeeds, the ledger
// rejects it, the attempt budget runs out or ctx ends. Exhausted and
// unclassified failures come back wrapping ErrLedgerUnavailable.
func (g *Gateway) retry(ctx context.Context, op string, t *domain.Transfer, fn func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.InitialBackoff
	eb.MaxInterval = g.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.cfg.MaxAttempts-1)), ctx)

	operation := func() error {
		t.Attempts++
		start := time.Now()
		err := fn(ctx)
		g.metrics.RecordLedgerCall(op, time.Since(start).Seconds(), err)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrLedgerRejected):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.metrics.RecordLedgerRetry(op)
		g.logger.DebugContext(ctx, "ledger: retrying call",
			slog.String("op", op),
			slog.String("transfer_id", t.ID),
			slog.Int("attempt", t.Attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	err := backoff.RetryNotify(operation, b, notify)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrLedgerRejected), errors.Is(err, domain.ErrLedgerUnavailable):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
}

// Held returns the attached, unreleased escrow of a market, optionally
// restricted to sources.
func (g *Gateway) Held(ctx context.Context, marketID string, sources ...domain.FundSource) (decimal.Decimal, error) {
	all, err := g.journal.ListByMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: held %s: %w", marketID, err)
	}
	total := decimal.Zero
	for _, t := range all {
		if fundable(t, sources) {
			total = total.Add(t.Remaining)
		}
	}
	return total, nil
}

// Transfer returns a journal entry.
func (g *Gateway) Transfer(ctx context.Context, id string) (domain.Transfer, error) {
	t, err := g.journal.Get(ctx, id)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("ledger: transfer %s: %w", id, err)
	}
	return t, nil
}

// Transfers returns the journal of a market.
func (g *Gateway) Transfers(ctx context.Context, marketID string) ([]domain.Transfer, error) {
	ts, err := g.journal.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("ledger: transfers %s: %w", marketID, err)
	}
	return ts, nil
}

func fundable(t domain.Transfer, sources []domain.FundSource) bool {
	if t.Kind != domain.TransferEscrow || t.State != domain.TransferConfirmed || !t.Attached || !t.Remaining.IsPositive() {
		return false
	}
	if len(sources) == 0 {
		return true
	}
	for _, s := range sources {
		if t.Source == s {
			return true
		}
	}
	return false
}
