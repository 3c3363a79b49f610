package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCommitmentMismatch     = errors.New("commitment mismatch")
	ErrDuplicateCommitment    = errors.New("duplicate commitment")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrSlippageExceeded       = errors.New("slippage exceeded")
	ErrInsufficientPosition   = errors.New("insufficient position")
	ErrAlreadyClaimed         = errors.New("already claimed")
	ErrNothingToClaim         = errors.New("nothing to claim")

	// ErrLedgerUnavailable is retryable; ErrLedgerRejected is terminal.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrLedgerRejected    = errors.New("ledger rejected")

	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidOutcome      = errors.New("invalid outcome")
	ErrInvalidCommitment   = errors.New("invalid commitment hash")
	ErrInvalidMarket       = errors.New("invalid market parameters")
	ErrLiquidityCap        = errors.New("liquidity cap exceeded")
	ErrDisputeWindowClosed = errors.New("dispute window closed")
	ErrNotParticipant      = errors.New("not a participant")
	ErrClaimsPaused        = errors.New("claims paused")
	ErrPayoutsStarted      = errors.New("payouts already started")
	ErrOracleTimeout       = errors.New("oracle consensus timeout")
	ErrNoConsensus         = errors.New("oracle has no consensus yet")
)

// TransitionError reports a lifecycle operation attempted from a state that
// does not allow it. It matches ErrInvalidStateTransition under errors.Is.
type TransitionError struct {
	MarketID   string
	Transition string
	From       MarketStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s not allowed from %s (market %s)",
		e.Transition, e.From, e.MarketID)
}

// Is makes errors.Is(err, ErrInvalidStateTransition) hold.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// Retryable reports whether err is a temporary failure the caller may retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}
