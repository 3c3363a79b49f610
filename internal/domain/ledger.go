package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerClient moves funds on the external ledger. Every call is idempotent
// for the same key (Escrow, Release) or receipt (Refund). Implementations
// return errors wrapping ErrLedgerUnavailable for retryable failures and
// ErrLedgerRejected for terminal ones.
type LedgerClient interface {
	// Escrow holds amount from userID and returns the receipt id.
	Escrow(ctx context.Context, key, userID string, amount decimal.Decimal) (string, error)
	// Release pays amount out of the held receipt to toUserID.
	Release(ctx context.Context, key, receiptID, toUserID string, amount decimal.Decimal) error
	// Refund returns whatever is still held on receiptID to its owner.
	Refund(ctx context.Context, receiptID string) error
}

// OracleSignal reports the externally agreed outcome of a market once
// consensus exists. ok is false while consensus is pending.
type OracleSignal interface {
	ConsensusOutcome(ctx context.Context, marketID string) (outcome Outcome, ok bool, err error)
}

// TransferKind is the ledger operation a transfer performs.
type TransferKind string

const (
	TransferEscrow  TransferKind = "ESCROW"
	TransferRelease TransferKind = "RELEASE"
	TransferRefund  TransferKind = "REFUND"
)

// TransferState is the confirmation state of a transfer.
type TransferState string

const (
	TransferPending   TransferState = "PENDING"
	TransferConfirmed TransferState = "CONFIRMED"
	TransferRejected  TransferState = "REJECTED"
	// TransferReversed marks an escrow whose hold was handed back because
	// the operation that requested it did not complete.
	TransferReversed TransferState = "REVERSED"
)

// FundSource tags escrowed funds by the component that holds them.
type FundSource string

const (
	SourceAMM        FundSource = "AMM"
	SourceCommitment FundSource = "COMMITMENT"
)

// Transfer purposes.
const (
	PurposeCommit          = "commit"
	PurposeBuy             = "buy"
	PurposeAddLiquidity    = "add_liquidity"
	PurposeSell            = "sell"
	PurposeRemoveLiquidity = "remove_liquidity"
	PurposeClaim           = "claim"
	PurposeCancelRefund    = "cancel_refund"
	PurposeVoid            = "void"
	PurposeReversal        = "reversal"
)

// TransferLeg is one Release against a single escrow receipt.
type TransferLeg struct {
	ReceiptID string          `json:"receipt_id"`
	Amount    decimal.Decimal `json:"amount"`
	Done      bool            `json:"done"`
}

// Transfer is a journaled ledger movement. For escrows, ReceiptID is the
// receipt the ledger issued and Remaining is the part of the hold not yet
// released. For refunds, ReceiptID is the receipt being returned.
type Transfer struct {
	ID        string          `json:"id"`
	Kind      TransferKind    `json:"kind"`
	Purpose   string          `json:"purpose"`
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Source    FundSource      `json:"source"`
	ReceiptID string          `json:"receipt_id,omitempty"`
	Remaining decimal.Decimal `json:"remaining"`
	Attached  bool            `json:"attached"`
	Legs      []TransferLeg   `json:"legs,omitempty"`
	State     TransferState   `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (t Transfer) Clone() Transfer {
	out := t
	if t.Legs != nil {
		out.Legs = append([]TransferLeg(nil), t.Legs...)
	}
	return out
}

// Hold is the caller-facing view of a confirmed escrow.
type Hold struct {
	TransferID string
	ReceiptID  string
	UserID     string
	Amount     decimal.Decimal
}
