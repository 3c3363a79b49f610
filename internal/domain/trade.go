package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide distinguishes buys from sells.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Trade is an executed AMM trade. Amount is the USDC paid in (buy) or the
// gross USDC taken from the curve before fees (sell); Net is what actually
// moved between trader and pool.
type Trade struct {
	ID         string          `json:"id"`
	MarketID   string          `json:"market_id"`
	UserID     string          `json:"user_id"`
	Side       TradeSide       `json:"side"`
	Outcome    Outcome         `json:"outcome"`
	Amount     decimal.Decimal `json:"amount"`
	Shares     decimal.Decimal `json:"shares"`
	Fee        decimal.Decimal `json:"fee"`
	Net        decimal.Decimal `json:"net"`
	Price      decimal.Decimal `json:"price"`
	TransferID string          `json:"transfer_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LiquidityChange is an executed add or remove of pool liquidity.
type LiquidityChange struct {
	ID         string          `json:"id"`
	MarketID   string          `json:"market_id"`
	UserID     string          `json:"user_id"`
	Added      bool            `json:"added"`
	Amount     decimal.Decimal `json:"amount"`
	LPTokens   decimal.Decimal `json:"lp_tokens"`
	TransferID string          `json:"transfer_id"`
	CreatedAt  time.Time       `json:"created_at"`
}
