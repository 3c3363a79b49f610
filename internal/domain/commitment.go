package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommitmentStatus is the commit-reveal state of a prediction.
type CommitmentStatus string

const (
	CommitmentCommitted CommitmentStatus = "COMMITTED"
	CommitmentRevealed  CommitmentStatus = "REVEALED"
	CommitmentSettled   CommitmentStatus = "SETTLED"
	CommitmentVoid      CommitmentStatus = "VOID"
)

// Commitment binds a user's hidden outcome choice to escrowed funds.
type Commitment struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	MarketID        string           `json:"market_id"`
	Hash            string           `json:"commitment_hash"` // 0x-prefixed keccak-256
	Amount          decimal.Decimal  `json:"escrowed_amount"`
	Status          CommitmentStatus `json:"status"`
	RevealedOutcome *Outcome         `json:"revealed_outcome,omitempty"`
	ReceiptID       string           `json:"receipt_id"`
	EscrowTransfer  string           `json:"escrow_transfer"`
	RefundTransfer  string           `json:"refund_transfer,omitempty"`
	FundsState      FundsState       `json:"funds_state,omitempty"`
	CommittedAt     time.Time        `json:"committed_at"`
	RevealedAt      *time.Time       `json:"revealed_at,omitempty"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
	VoidedAt        *time.Time       `json:"voided_at,omitempty"`
}

// Active reports whether the commitment still counts toward the
// one-per-(user, market) limit.
func (c Commitment) Active() bool { return c.Status != CommitmentVoid }

// Revealed reports whether the outcome has been disclosed.
func (c Commitment) Revealed() bool { return c.RevealedOutcome != nil }

// Clone returns a deep copy.
func (c Commitment) Clone() Commitment {
	out := c
	if c.RevealedOutcome != nil {
		o := *c.RevealedOutcome
		out.RevealedOutcome = &o
	}
	out.RevealedAt = cloneTime(c.RevealedAt)
	out.SettledAt = cloneTime(c.SettledAt)
	out.VoidedAt = cloneTime(c.VoidedAt)
	return out
}
