package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RecordKind distinguishes a resolution payout from a cancellation refund.
type RecordKind string

const (
	RecordResolution   RecordKind = "RESOLUTION"
	RecordCancellation RecordKind = "CANCELLATION"
)

// FundsState tracks the ledger side of a claimed payout entry.
type FundsState string

const (
	FundsUnclaimed FundsState = ""
	FundsPending   FundsState = "PENDING"
	FundsSettled   FundsState = "SETTLED"
	// FundsRejected means the ledger refused the release; claiming again
	// re-drives the same transfer.
	FundsRejected  FundsState = "REJECTED"
)

// PayoutComponents breaks an entry down by where the money comes from.
type PayoutComponents struct {
	Commitment decimal.Decimal `json:"commitment"` // winner share of the prediction pool
	Shares     decimal.Decimal `json:"shares"`     // winning shares at par
	Liquidity  decimal.Decimal `json:"liquidity"`  // LP residual of pool collateral
	Fees       decimal.Decimal `json:"fees"`       // fee split credited to this account
	Refund     decimal.Decimal `json:"refund"`     // returned escrow or cost basis
	Forfeit    decimal.Decimal `json:"forfeit"`    // unrevealed escrow routed to this account
}

// Plus returns the field-wise sum of c and o.
func (c PayoutComponents) Plus(o PayoutComponents) PayoutComponents {
	return PayoutComponents{
		Commitment: c.Commitment.Add(o.Commitment),
		Shares:     c.Shares.Add(o.Shares),
		Liquidity:  c.Liquidity.Add(o.Liquidity),
		Fees:       c.Fees.Add(o.Fees),
		Refund:     c.Refund.Add(o.Refund),
		Forfeit:    c.Forfeit.Add(o.Forfeit),
	}
}

// Total sums every component.
func (c PayoutComponents) Total() decimal.Decimal {
	return c.Commitment.Add(c.Shares).Add(c.Liquidity).Add(c.Fees).Add(c.Refund).Add(c.Forfeit)
}

// Payout is one account's entry in a settlement record.
type Payout struct {
	UserID     string           `json:"user_id"`
	Amount     decimal.Decimal  `json:"amount"`
	Components PayoutComponents `json:"components"`
	Claimed    bool             `json:"claimed"`
	ClaimedAt  *time.Time       `json:"claimed_at,omitempty"`
	FundsState FundsState       `json:"funds_state,omitempty"`
	TransferID string           `json:"transfer_id,omitempty"`
}

// FeeSplit is the allocation of AMM trading fees and the prediction-pool
// platform fee.
type FeeSplit struct {
	Platform decimal.Decimal `json:"platform"`
	Creator  decimal.Decimal `json:"creator"`
	LP       decimal.Decimal `json:"lp"`
}

// SettlementRecord is the computed distribution of every unit of value held
// for a market once it is resolved or cancelled.
type SettlementRecord struct {
	MarketID        string            `json:"market_id"`
	Kind            RecordKind        `json:"kind"`
	WinningOutcome  *Outcome          `json:"winning_outcome,omitempty"`
	Version         int               `json:"version"`
	TotalPayoutPool decimal.Decimal   `json:"total_payout_pool"`
	CommitmentPool  decimal.Decimal   `json:"commitment_pool"`
	CommitmentFee   decimal.Decimal   `json:"commitment_fee"`
	Forfeited       decimal.Decimal   `json:"forfeited"`
	TradingFees     decimal.Decimal   `json:"trading_fees"`
	FeeSplit        FeeSplit          `json:"fee_split"`
	Payouts         map[string]Payout `json:"payouts"`
	ComputedAt      time.Time         `json:"computed_at"`
}

// Clone returns a deep copy.
func (r SettlementRecord) Clone() SettlementRecord {
	out := r
	if r.WinningOutcome != nil {
		o := *r.WinningOutcome
		out.WinningOutcome = &o
	}
	out.Payouts = make(map[string]Payout, len(r.Payouts))
	for k, p := range r.Payouts {
		p.ClaimedAt = cloneTime(p.ClaimedAt)
		out.Payouts[k] = p
	}
	return out
}

// Accounts returns payout account ids in sorted order.
func (r SettlementRecord) Accounts() []string {
	out := make([]string, 0, len(r.Payouts))
	for id := range r.Payouts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Claimed returns the sum of entries that have been claimed.
func (r SettlementRecord) Claimed() decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.Payouts {
		if p.Claimed {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// AnyClaimed reports whether at least one entry has been claimed.
func (r SettlementRecord) AnyClaimed() bool {
	for _, p := range r.Payouts {
		if p.Claimed {
			return true
		}
	}
	return false
}

// SameDistribution reports whether r and o assign identical amounts. Claim
// bookkeeping, version and timestamps are ignored.
func (r SettlementRecord) SameDistribution(o SettlementRecord) bool {
	if r.Kind != o.Kind || r.MarketID != o.MarketID {
		return false
	}
	if (r.WinningOutcome == nil) != (o.WinningOutcome == nil) {
		return false
	}
	if r.WinningOutcome != nil && *r.WinningOutcome != *o.WinningOutcome {
		return false
	}
	if !r.TotalPayoutPool.Equal(o.TotalPayoutPool) || len(r.Payouts) != len(o.Payouts) {
		return false
	}
	for id, p := range r.Payouts {
		q, ok := o.Payouts[id]
		if !ok || !p.Amount.Equal(q.Amount) {
			return false
		}
	}
	return true
}
