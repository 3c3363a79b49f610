package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LiquidityPool is the constant-product AMM state of one market.
//
// Collateral is the USDC backing the reserves and all outstanding shares;
// Collateral == ReserveYes + ReserveNo + OutstandingYes + OutstandingNo
// holds after every operation. Trading fees are held separately in
// FeesCollected.
type LiquidityPool struct {
	MarketID       string                     `json:"market_id"`
	ReserveYes     decimal.Decimal            `json:"reserve_yes"`
	ReserveNo      decimal.Decimal            `json:"reserve_no"`
	LPTotalSupply  decimal.Decimal            `json:"lp_total_supply"`
	LPBalances     map[string]decimal.Decimal `json:"lp_balances"`
	Collateral     decimal.Decimal            `json:"collateral"`
	OutstandingYes decimal.Decimal            `json:"outstanding_yes"`
	OutstandingNo  decimal.Decimal            `json:"outstanding_no"`
	FeesCollected  decimal.Decimal            `json:"fees_collected"`
	FeeBps         int                        `json:"fee_bps"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// NewLiquidityPool returns an empty pool for marketID.
func NewLiquidityPool(marketID string, feeBps int) LiquidityPool {
	return LiquidityPool{
		MarketID:   marketID,
		FeeBps:     feeBps,
		LPBalances: make(map[string]decimal.Decimal),
	}
}

// Reserve returns the reserve of outcome o.
func (p LiquidityPool) Reserve(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return p.ReserveYes
	}
	return p.ReserveNo
}

// SetReserve replaces the reserve of outcome o.
func (p *LiquidityPool) SetReserve(o Outcome, v decimal.Decimal) {
	if o == OutcomeYes {
		p.ReserveYes = v
	} else {
		p.ReserveNo = v
	}
}

// Outstanding returns the number of outcome-o shares held by traders.
func (p LiquidityPool) Outstanding(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return p.OutstandingYes
	}
	return p.OutstandingNo
}

// AddOutstanding adjusts the outstanding share count of outcome o.
func (p *LiquidityPool) AddOutstanding(o Outcome, delta decimal.Decimal) {
	if o == OutcomeYes {
		p.OutstandingYes = p.OutstandingYes.Add(delta)
	} else {
		p.OutstandingNo = p.OutstandingNo.Add(delta)
	}
}

// K is the constant-product invariant ReserveYes*ReserveNo.
func (p LiquidityPool) K() decimal.Decimal { return p.ReserveYes.Mul(p.ReserveNo) }

// Value is the sum of both reserves at par, the basis for LP token pricing.
func (p LiquidityPool) Value() decimal.Decimal { return p.ReserveYes.Add(p.ReserveNo) }

// MarkValue is what qty shares of outcome o are worth at the pool's current
// odds, rounded down. A pool without reserves prices both outcomes at one
// half.
func (p LiquidityPool) MarkValue(o Outcome, qty decimal.Decimal) decimal.Decimal {
	if !p.Value().IsPositive() {
		return DivFloor(qty, decimal.NewFromInt(2))
	}
	return DivFloor(qty.Mul(p.Reserve(o.Opposite())), p.Value())
}

// Empty reports whether either reserve is exhausted.
func (p LiquidityPool) Empty() bool { return !p.ReserveYes.IsPositive() || !p.ReserveNo.IsPositive() }

// LPBalance returns the LP token balance of userID.
func (p LiquidityPool) LPBalance(userID string) decimal.Decimal {
	return p.LPBalances[userID]
}

// Providers returns LP holders with a positive balance, sorted by id.
func (p LiquidityPool) Providers() []string {
	out := make([]string, 0, len(p.LPBalances))
	for id, bal := range p.LPBalances {
		if bal.IsPositive() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (p LiquidityPool) Clone() LiquidityPool {
	out := p
	out.LPBalances = make(map[string]decimal.Decimal, len(p.LPBalances))
	for k, v := range p.LPBalances {
		out.LPBalances[k] = v
	}
	return out
}

// Position is a trader's holding of one outcome in one market.
type Position struct {
	UserID      string          `json:"user_id"`
	MarketID    string          `json:"market_id"`
	Outcome     Outcome         `json:"outcome"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PositionKey identifies a Position.
type PositionKey struct {
	UserID   string
	MarketID string
	Outcome  Outcome
}

// Key returns the identity of p.
func (p Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, MarketID: p.MarketID, Outcome: p.Outcome}
}

// Odds is the implied probability of each outcome in basis points. The two
// values always sum to 10000.
type Odds struct {
	Yes int `json:"yes_bps"`
	No  int `json:"no_bps"`
}

// Quote is the result of pricing a prospective buy.
type Quote struct {
	MarketID  string          `json:"market_id"`
	Outcome   Outcome         `json:"outcome"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	Fee       decimal.Decimal `json:"fee"`
	SharesOut decimal.Decimal `json:"shares_out"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}
