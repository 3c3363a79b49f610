// Package amm implements the constant-product market maker that prices
// outcome shares, and the liquidity pools behind it.
package amm

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

// Config holds pool parameters.
type Config struct {
	FeeBps int
	// MaxLiquidity caps ReserveYes+ReserveNo of a single pool. Zero means
	// no cap.
	MaxLiquidity decimal.Decimal
	MinTrade     decimal.Decimal
	// LPFeeBps is the share of trading fees paid to liquidity providers at
	// settlement. It prices LP tokens minted after fees have accrued.
	LPFeeBps int
}

// DefaultConfig returns a 0.2% fee, 30% of it to providers, and no cap.
func DefaultConfig() Config {
	return Config{
		FeeBps:   20,
		MinTrade: decimal.New(1, -2),
		LPFeeBps: 3000,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEvents sets the publisher for trade and liquidity events.
func WithEvents(p domain.EventPublisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

// WithMetrics records trades to m.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the LiquidityEngine. Every mutation of a market's pool and
// positions happens under that market's lock; ledger calls happen outside
// it.
type Engine struct {
	store    domain.AMMStore
	registry *registry.Registry
	gateway  *ledger.Gateway
	locks    *lock.Keyed
	cfg      Config
	events   domain.EventPublisher
	metrics  *metrics.SettlementMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Engine.
func New(
	store domain.AMMStore,
	reg *registry.Registry,
	gw *ledger.Gateway,
	locks *lock.Keyed,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		registry: reg,
		gateway:  gw,
		locks:    locks,
		cfg:      cfg,
		events:   domain.NopPublisher{},
		logger:   logger.With(slog.String("component", "amm")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuyRequest spends Amount USDC on Outcome shares.
type BuyRequest struct {
	UserID    string
	MarketID  string
	Outcome   domain.Outcome
	Amount    decimal.Decimal
	MinShares decimal.Decimal
}

// SellRequest returns Shares of Outcome to the pool.
type SellRequest struct {
	UserID    string
	MarketID  string
	Outcome   domain.Outcome
	Shares    decimal.Decimal
	MinPayout decimal.Decimal
}

// PoolState is a read-only snapshot of a pool with its derived prices.
type PoolState struct {
	Pool           domain.LiquidityPool `json:"pool"`
	Odds           domain.Odds          `json:"odds"`
	TotalLiquidity decimal.Decimal      `json:"total_liquidity"`
}

// Quote prices a buy of amountIn on outcome against the current pool
// without changing anything.
func (e *Engine) Quote(ctx context.Context, marketID string, outcome domain.Outcome, amountIn decimal.Decimal) (domain.Quote, error) {
	if !outcome.Valid() {
		return domain.Quote{}, fmt.Errorf("amm: quote: %w", domain.ErrInvalidOutcome)
	}
	if !domain.ValidAmount(amountIn) {
		return domain.Quote{}, fmt.Errorf("amm: quote: %w: %s", domain.ErrInvalidAmount, amountIn)
	}
	p, err := e.pool(ctx, marketID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("amm: quote: %w", err)
	}
	f, err := priceBuy(p, outcome, amountIn)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("amm: quote %s: %w", marketID, err)
	}
	return domain.Quote{
		MarketID:  marketID,
		Outcome:   outcome,
		AmountIn:  amountIn,
		Fee:       f.Fee,
		SharesOut: f.Shares,
		AvgPrice:  domain.DivFloor(amountIn, f.Shares),
	}, nil
}

// BuyShares escrows req.Amount and credits the shares it buys. A fill
// below req.MinShares fails with ErrSlippageExceeded and leaves the pool,
// the position and the user's balance as they were.
func (e *Engine) BuyShares(ctx context.Context, req BuyRequest) (t domain.Trade, err error) {
	defer func() { e.metrics.RecordTrade("buy", req.Outcome.String(), req.Amount, err) }()

	if err := e.validateTrade(req.Outcome, req.Amount); err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy: %w", err)
	}
	// Refuse before escrowing; the checks repeat under the lock.
	if err := e.checkBuy(ctx, req); err != nil {
		return domain.Trade{}, err
	}

	hold, err := e.gateway.Escrow(ctx, domain.PurposeBuy, req.MarketID, req.UserID, req.Amount, domain.SourceAMM)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy: %w", err)
	}
	t, err = e.applyBuy(ctx, req, hold)
	if err != nil {
		e.returnHold(ctx, hold, "buy")
		return domain.Trade{}, err
	}

	e.logger.InfoContext(ctx, "amm: shares bought",
		slog.String("market_id", req.MarketID),
		slog.String("user_id", req.UserID),
		slog.String("outcome", req.Outcome.String()),
		slog.String("amount", req.Amount.String()),
		slog.String("shares", t.Shares.String()),
	)
	e.publishTrade(ctx, t)
	return t, nil
}

func (e *Engine) checkBuy(ctx context.Context, req BuyRequest) error {
	if _, err := e.registry.Require(ctx, req.MarketID, "buy", domain.MarketOpen); err != nil {
		return fmt.Errorf("amm: buy: %w", err)
	}
	p, err := e.pool(ctx, req.MarketID)
	if err != nil {
		return fmt.Errorf("amm: buy: %w", err)
	}
	f, err := priceBuy(p, req.Outcome, req.Amount)
	if err != nil {
		return fmt.Errorf("amm: buy %s: %w", req.MarketID, err)
	}
	return checkSlippage("buy", f.Shares, req.MinShares)
}

func (e *Engine) applyBuy(ctx context.Context, req BuyRequest, hold domain.Hold) (domain.Trade, error) {
	ctx, unlock, err := e.locks.Lock(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy: %w", err)
	}
	defer unlock()

	if _, err := e.registry.Require(ctx, req.MarketID, "buy", domain.MarketOpen); err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy: %w", err)
	}
	p, err := e.pool(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy: %w", err)
	}
	f, err := priceBuy(p, req.Outcome, req.Amount)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy %s: %w", req.MarketID, err)
	}
	if err := checkSlippage("buy", f.Shares, req.MinShares); err != nil {
		return domain.Trade{}, err
	}
	pos, err := e.position(ctx, req.UserID, req.MarketID, req.Outcome)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy: %w", err)
	}
	if err := e.gateway.Attach(ctx, hold); err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy: %w", err)
	}

	now := e.now()
	buyInto(&p, req.Outcome, f)
	p.UpdatedAt = now
	pos.Quantity = pos.Quantity.Add(f.Shares)
	pos.CostBasis = pos.CostBasis.Add(req.Amount)
	pos.UpdatedAt = now
	t := domain.Trade{
		ID:         uuid.NewString(),
		MarketID:   req.MarketID,
		UserID:     req.UserID,
		Side:       domain.SideBuy,
		Outcome:    req.Outcome,
		Amount:     req.Amount,
		Shares:     f.Shares,
		Fee:        f.Fee,
		Net:        f.Net,
		Price:      domain.DivFloor(req.Amount, f.Shares),
		TransferID: hold.TransferID,
		CreatedAt:  now,
	}
	if err := e.store.ApplyTrade(ctx, p, pos, t); err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy %s: %w", req.MarketID, err)
	}
	e.recordTrade(ctx, t)
	return t, nil
}

// SellShares returns shares to the pool and pays the proceeds out of the
// market's AMM escrow. The trade is final once recorded: when the payout
// cannot be confirmed the trade is returned together with an error
// wrapping ErrLedgerUnavailable or ErrLedgerRejected, and the transfer is
// left for reconciliation.
func (e *Engine) SellShares(ctx context.Context, req SellRequest) (t domain.Trade, err error) {
	defer func() { e.metrics.RecordTrade("sell", req.Outcome.String(), req.Shares, err) }()

	if err := e.validateTrade(req.Outcome, req.Shares); err != nil {
		return domain.Trade{}, fmt.Errorf("amm: sell: %w", err)
	}
	lctx, unlock, err := e.locks.Lock(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: sell: %w", err)
	}
	t, err = e.applySell(lctx, req)
	unlock()
	if err != nil {
		return domain.Trade{}, err
	}

	e.logger.InfoContext(ctx, "amm: shares sold",
		slog.String("market_id", req.MarketID),
		slog.String("user_id", req.UserID),
		slog.String("outcome", req.Outcome.String()),
		slog.String("shares", req.Shares.String()),
		slog.String("payout", t.Net.String()),
	)
	e.publishTrade(ctx, t)

	if _, err := e.gateway.Settle(ctx, t.TransferID); err != nil {
		return t, fmt.Errorf("amm: sell %s: payout: %w", req.MarketID, err)
	}
	return t, nil
}

func (e *Engine) applySell(ctx context.Context, req SellRequest) (domain.Trade, error) {
	if _, err := e.registry.Require(ctx, req.MarketID, "sell", domain.MarketOpen); err != nil {
		return domain.Trade{}, fmt.Errorf("amm: sell: %w", err)
	}
	pos, err := e.position(ctx, req.UserID, req.MarketID, req.Outcome)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: sell: %w", err)
	}
	if pos.Quantity.LessThan(req.Shares) {
		return domain.Trade{}, fmt.Errorf("amm: sell %s: holding %s, selling %s: %w",
			req.MarketID, pos.Quantity, req.Shares, domain.ErrInsufficientPosition)
	}
	p, err := e.pool(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: sell: %w", err)
	}
	f, err := priceSell(p, req.Outcome, req.Shares)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: sell %s: %w", req.MarketID, err)
	}
	if err := checkSlippage("sell", f.Net, req.MinPayout); err != nil {
		return domain.Trade{}, err
	}

	tr, err := e.gateway.PrepareRelease(ctx, ledger.Outflow{
		Purpose:  domain.PurposeSell,
		MarketID: req.MarketID,
		UserID:   req.UserID,
		Amount:   f.Net,
		Sources:  []domain.FundSource{domain.SourceAMM},
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: sell %s: %w", req.MarketID, err)
	}

	now := e.now()
	sellInto(&p, req.Outcome, f)
	p.UpdatedAt = now
	portion := domain.ProRata(pos.CostBasis, req.Shares, pos.Quantity)
	pos.Quantity = pos.Quantity.Sub(req.Shares)
	pos.CostBasis = pos.CostBasis.Sub(portion)
	pos.RealizedPnL = pos.RealizedPnL.Add(f.Net.Sub(portion))
	if pos.Quantity.IsZero() {
		pos.CostBasis = decimal.Zero
	}
	pos.UpdatedAt = now
	t := domain.Trade{
		ID:         uuid.NewString(),
		MarketID:   req.MarketID,
		UserID:     req.UserID,
		Side:       domain.SideSell,
		Outcome:    req.Outcome,
		Amount:     f.Gross,
		Shares:     req.Shares,
		Fee:        f.Fee,
		Net:        f.Net,
		Price:      domain.DivFloor(f.Gross, req.Shares),
		TransferID: tr.ID,
		CreatedAt:  now,
	}
	if err := e.store.ApplyTrade(ctx, p, pos, t); err != nil {
		e.abandon(ctx, tr.ID, err)
		return domain.Trade{}, fmt.Errorf("amm: sell %s: %w", req.MarketID, err)
	}
	e.recordTrade(ctx, t)
	return t, nil
}

// AddLiquidity escrows amount and mints LP tokens for it. Deposits into an
// empty pool seed both reserves equally; later deposits keep the price.
func (e *Engine) AddLiquidity(ctx context.Context, userID, marketID string, amount decimal.Decimal) (c domain.LiquidityChange, err error) {
	defer func() { e.metrics.RecordTrade("add_liquidity", "", amount, err) }()

	if err := e.validateTrade(domain.OutcomeYes, amount); err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity: %w", err)
	}
	if _, err := e.registry.Require(ctx, marketID, "add_liquidity", domain.MarketOpen); err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity: %w", err)
	}

	hold, err := e.gateway.Escrow(ctx, domain.PurposeAddLiquidity, marketID, userID, amount, domain.SourceAMM)
	if err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity: %w", err)
	}
	c, err = e.applyAdd(ctx, userID, marketID, hold)
	if err != nil {
		e.returnHold(ctx, hold, "add_liquidity")
		return domain.LiquidityChange{}, err
	}

	e.logger.InfoContext(ctx, "amm: liquidity added",
		slog.String("market_id", marketID),
		slog.String("user_id", userID),
		slog.String("amount", amount.String()),
		slog.String("lp_tokens", c.LPTokens.String()),
	)
	e.publishLiquidity(ctx, c)
	return c, nil
}

func (e *Engine) applyAdd(ctx context.Context, userID, marketID string, hold domain.Hold) (domain.LiquidityChange, error) {
	ctx, unlock, err := e.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity: %w", err)
	}
	defer unlock()

	if _, err := e.registry.Require(ctx, marketID, "add_liquidity", domain.MarketOpen); err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity: %w", err)
	}
	p, err := e.store.GetPool(ctx, marketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		p = domain.NewLiquidityPool(marketID, e.cfg.FeeBps)
	case err != nil:
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity: %w", err)
	}

	amount := hold.Amount
	if e.cfg.MaxLiquidity.IsPositive() && p.Value().Add(amount).GreaterThan(e.cfg.MaxLiquidity) {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity %s: pool %s + %s over %s: %w",
			marketID, p.Value(), amount, e.cfg.MaxLiquidity, domain.ErrLiquidityCap)
	}
	minted := mintFor(p, amount, e.cfg.LPFeeBps)
	if !minted.IsPositive() {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity %s: %w: %s mints no tokens", marketID, domain.ErrInvalidAmount, amount)
	}
	yes, no := seedSplit(p, amount)
	if err := e.gateway.Attach(ctx, hold); err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity: %w", err)
	}

	now := e.now()
	p.ReserveYes = p.ReserveYes.Add(yes)
	p.ReserveNo = p.ReserveNo.Add(no)
	p.Collateral = p.Collateral.Add(amount)
	p.LPTotalSupply = p.LPTotalSupply.Add(minted)
	p.LPBalances[userID] = p.LPBalances[userID].Add(minted)
	p.UpdatedAt = now
	c := domain.LiquidityChange{
		ID:         uuid.NewString(),
		MarketID:   marketID,
		UserID:     userID,
		Added:      true,
		Amount:     amount,
		LPTokens:   minted,
		TransferID: hold.TransferID,
		CreatedAt:  now,
	}
	if err := e.store.ApplyLiquidity(ctx, p, c); err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: add liquidity %s: %w", marketID, err)
	}
	if err := e.registry.TouchParticipant(ctx, marketID, userID); err != nil {
		e.logger.WarnContext(ctx, "amm: record participant",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
	return c, nil
}

// RemoveLiquidity burns lpTokens and pays out the matching fraction of
// both reserves. It is allowed while the market is OPEN or CLOSED; after
// resolution LP value is paid through settlement.
func (e *Engine) RemoveLiquidity(ctx context.Context, userID, marketID string, lpTokens decimal.Decimal) (c domain.LiquidityChange, err error) {
	defer func() { e.metrics.RecordTrade("remove_liquidity", "", lpTokens, err) }()

	if !domain.ValidAmount(lpTokens) {
		return domain.LiquidityChange{}, fmt.Errorf("amm: remove liquidity: %w: %s", domain.ErrInvalidAmount, lpTokens)
	}
	lctx, unlock, err := e.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: remove liquidity: %w", err)
	}
	c, err = e.applyRemove(lctx, userID, marketID, lpTokens)
	unlock()
	if err != nil {
		return domain.LiquidityChange{}, err
	}

	e.logger.InfoContext(ctx, "amm: liquidity removed",
		slog.String("market_id", marketID),
		slog.String("user_id", userID),
		slog.String("lp_tokens", lpTokens.String()),
		slog.String("payout", c.Amount.String()),
	)
	e.publishLiquidity(ctx, c)

	if _, err := e.gateway.Settle(ctx, c.TransferID); err != nil {
		return c, fmt.Errorf("amm: remove liquidity %s: payout: %w", marketID, err)
	}
	return c, nil
}

func (e *Engine) applyRemove(ctx context.Context, userID, marketID string, lpTokens decimal.Decimal) (domain.LiquidityChange, error) {
	if _, err := e.registry.Require(ctx, marketID, "remove_liquidity", domain.MarketOpen, domain.MarketClosed); err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: remove liquidity: %w", err)
	}
	p, err := e.store.GetPool(ctx, marketID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.LiquidityChange{}, fmt.Errorf("amm: remove liquidity: %w", err)
	}
	if bal := p.LPBalance(userID); bal.LessThan(lpTokens) {
		return domain.LiquidityChange{}, fmt.Errorf("amm: remove liquidity %s: holding %s LP, burning %s: %w",
			marketID, bal, lpTokens, domain.ErrInsufficientPosition)
	}
	yes, no := withdrawFor(p, lpTokens)
	payout := yes.Add(no)
	if !payout.IsPositive() {
		return domain.LiquidityChange{}, fmt.Errorf("amm: remove liquidity %s: %w: %s LP redeems nothing", marketID, domain.ErrInvalidAmount, lpTokens)
	}

	tr, err := e.gateway.PrepareRelease(ctx, ledger.Outflow{
		Purpose:  domain.PurposeRemoveLiquidity,
		MarketID: marketID,
		UserID:   userID,
		Amount:   payout,
		Sources:  []domain.FundSource{domain.SourceAMM},
	})
	if err != nil {
		return domain.LiquidityChange{}, fmt.Errorf("amm: remove liquidity %s: %w", marketID, err)
	}

	now := e.now()
	p.ReserveYes = p.ReserveYes.Sub(yes)
	p.ReserveNo = p.ReserveNo.Sub(no)
	p.Collateral = p.Collateral.Sub(payout)
	p.LPTotalSupply = p.LPTotalSupply.Sub(lpTokens)
	p.LPBalances[userID] = p.LPBalances[userID].Sub(lpTokens)
	p.UpdatedAt = now
	c := domain.LiquidityChange{
		ID:         uuid.NewString(),
		MarketID:   marketID,
		UserID:     userID,
		Amount:     payout,
		LPTokens:   lpTokens,
		TransferID: tr.ID,
		CreatedAt:  now,
	}
	if err := e.store.ApplyLiquidity(ctx, p, c); err != nil {
		e.abandon(ctx, tr.ID, err)
		return domain.LiquidityChange{}, fmt.Errorf("amm: remove liquidity %s: %w", marketID, err)
	}
	return c, nil
}

// Odds returns the implied probability of each outcome. A market without
// liquidity is 50/50.
func (e *Engine) Odds(ctx context.Context, marketID string) (domain.Odds, error) {
	p, err := e.store.GetPool(ctx, marketID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Odds{}, fmt.Errorf("amm: odds %s: %w", marketID, err)
	}
	return odds(p), nil
}

// Pool returns a snapshot of the pool of marketID.
func (e *Engine) Pool(ctx context.Context, marketID string) (PoolState, error) {
	p, err := e.store.GetPool(ctx, marketID)
	if err != nil {
		return PoolState{}, fmt.Errorf("amm: pool %s: %w", marketID, err)
	}
	return PoolState{Pool: p, Odds: odds(p), TotalLiquidity: p.Value()}, nil
}

// Positions returns the positions in marketID, only those of userID when
// it is non-empty.
func (e *Engine) Positions(ctx context.Context, marketID, userID string) ([]domain.Position, error) {
	all, err := e.store.ListPositions(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("amm: positions %s: %w", marketID, err)
	}
	if userID == "" {
		return all, nil
	}
	out := all[:0]
	for _, pos := range all {
		if pos.UserID == userID {
			out = append(out, pos)
		}
	}
	return out, nil
}

// Trades returns the trade history of marketID, newest first.
func (e *Engine) Trades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	ts, err := e.store.ListTrades(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("amm: trades %s: %w", marketID, err)
	}
	return ts, nil
}

// pool loads a tradable pool; a market without one has no liquidity.
func (e *Engine) pool(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	p, err := e.store.GetPool(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.LiquidityPool{}, fmt.Errorf("market %s: %w", marketID, domain.ErrInsufficientLiquidity)
	}
	return p, err
}

func (e *Engine) position(ctx context.Context, userID, marketID string, outcome domain.Outcome) (domain.Position, error) {
	key := domain.PositionKey{UserID: userID, MarketID: marketID, Outcome: outcome}
	pos, err := e.store.GetPosition(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Position{UserID: userID, MarketID: marketID, Outcome: outcome}, nil
	}
	return pos, err
}

func (e *Engine) validateTrade(outcome domain.Outcome, amount decimal.Decimal) error {
	if !outcome.Valid() {
		return domain.ErrInvalidOutcome
	}
	if !domain.ValidAmount(amount) || amount.LessThan(e.cfg.MinTrade) {
		return fmt.Errorf("%w: %s (minimum %s)", domain.ErrInvalidAmount, amount, e.cfg.MinTrade)
	}
	return nil
}

func checkSlippage(op string, got, min decimal.Decimal) error {
	if got.LessThan(min) {
		return fmt.Errorf("amm: %s: got %s, minimum %s: %w", op, got, min, domain.ErrSlippageExceeded)
	}
	return nil
}

func (e *Engine) recordTrade(ctx context.Context, t domain.Trade) {
	if err := e.registry.RecordTrade(ctx, t.MarketID, t.UserID, t.Amount, t.Fee); err != nil {
		e.logger.WarnContext(ctx, "amm: record market volume",
			slog.String("market_id", t.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) returnHold(ctx context.Context, h domain.Hold, op string) {
	if err := e.gateway.ReturnHold(ctx, h); err != nil {
		e.logger.ErrorContext(ctx, "amm: return hold after failed "+op,
			slog.String("transfer_id", h.TransferID),
			slog.String("user_id", h.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) abandon(ctx context.Context, transferID string, cause error) {
	if err := e.gateway.Abandon(ctx, transferID, cause.Error()); err != nil {
		e.logger.ErrorContext(ctx, "amm: abandon payout",
			slog.String("transfer_id", transferID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publishTrade(ctx context.Context, t domain.Trade) {
	e.events.Publish(ctx, domain.NewEvent(domain.EventSharesTraded, t.MarketID, t.CreatedAt, map[string]any{
		"trade_id": t.ID,
		"user_id":  t.UserID,
		"side":     string(t.Side),
		"outcome":  int(t.Outcome),
		"shares":   t.Shares.String(),
		"amount":   t.Amount.String(),
		"price":    t.Price.String(),
	}))
}

func (e *Engine) publishLiquidity(ctx context.Context, c domain.LiquidityChange) {
	e.events.Publish(ctx, domain.NewEvent(domain.EventLiquidityChanged, c.MarketID, c.CreatedAt, map[string]any{
		"user_id":   c.UserID,
		"added":     c.Added,
		"amount":    c.Amount.String(),
		"lp_tokens": c.LPTokens.String(),
	}))
}
