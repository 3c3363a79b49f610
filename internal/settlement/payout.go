package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
)

// snapshot is everything a record is computed from, read under the market
// lock.
type snapshot struct {
	market      domain.Market
	commitments []domain.Commitment
	pool        *domain.LiquidityPool
	positions   []domain.Position
}

// accounts accumulates payout components per account.
type accounts map[string]domain.PayoutComponents

func (a accounts) credit(userID string, c domain.PayoutComponents) {
	a[userID] = a[userID].Plus(c)
}

// resolution computes the payout record for a market resolved to win. The
// entries sum to exactly the funds held for the market: the escrow of every
// active commitment plus the AMM pool's collateral and fees. Remainders of
// pro-rata divisions go to the platform account.
func (c Config) resolution(s snapshot, win domain.Outcome, now time.Time) domain.SettlementRecord {
	acc := make(accounts)
	platform := c.PlatformAccount
	var split domain.FeeSplit

	// Prediction pool.
	var (
		revealedTotal = decimal.Zero
		winnerTotal   = decimal.Zero
		forfeited     = decimal.Zero
		commitPool    = decimal.Zero
	)
	for _, cm := range s.commitments {
		if !cm.Active() {
			continue
		}
		commitPool = commitPool.Add(cm.Amount)
		if !cm.Revealed() {
			continue
		}
		revealedTotal = revealedTotal.Add(cm.Amount)
		if *cm.RevealedOutcome == win {
			winnerTotal = winnerTotal.Add(cm.Amount)
		}
	}

	commitFee := decimal.Zero
	if winnerTotal.IsPositive() {
		commitFee = domain.Bps(revealedTotal, c.PlatformFeeBps)
		distributable := revealedTotal.Sub(commitFee)
		paid := decimal.Zero
		for _, cm := range s.commitments {
			if !cm.Active() || !cm.Revealed() || *cm.RevealedOutcome != win {
				continue
			}
			share := domain.ProRata(distributable, cm.Amount, winnerTotal)
			acc.credit(cm.UserID, domain.PayoutComponents{Commitment: share})
			paid = paid.Add(share)
		}
		acc.credit(platform, domain.PayoutComponents{Fees: commitFee.Add(distributable.Sub(paid))})
		split.Platform = split.Platform.Add(commitFee)
	} else {
		// Nobody revealed the winning outcome: revealed escrow goes back.
		for _, cm := range s.commitments {
			if cm.Active() && cm.Revealed() {
				acc.credit(cm.UserID, domain.PayoutComponents{Refund: cm.Amount})
			}
		}
	}
	for _, cm := range s.commitments {
		if !cm.Active() || cm.Revealed() {
			continue
		}
		if c.UnrevealedPolicy == PolicyRefund {
			acc.credit(cm.UserID, domain.PayoutComponents{Refund: cm.Amount})
			continue
		}
		forfeited = forfeited.Add(cm.Amount)
		acc.credit(platform, domain.PayoutComponents{Forfeit: cm.Amount})
	}

	// AMM.
	tradingFees := decimal.Zero
	if s.pool != nil {
		p := *s.pool
		tradingFees = p.FeesCollected

		winShares := decimal.Zero
		for _, pos := range s.positions {
			if pos.Outcome == win && pos.Quantity.IsPositive() {
				acc.credit(pos.UserID, domain.PayoutComponents{Shares: pos.Quantity})
				winShares = winShares.Add(pos.Quantity)
			}
		}
		residual := p.Collateral.Sub(winShares)

		platformFee := domain.Bps(tradingFees, c.FeeSplit.PlatformBps)
		creatorFee := domain.Bps(tradingFees, c.FeeSplit.CreatorBps)
		lpFee := tradingFees.Sub(platformFee).Sub(creatorFee)
		if creatorFee.IsPositive() {
			acc.credit(s.market.CreatorID, domain.PayoutComponents{Fees: creatorFee})
			split.Creator = creatorFee
		}

		providers := p.Providers()
		if len(providers) == 0 || !p.LPTotalSupply.IsPositive() {
			acc.credit(platform, domain.PayoutComponents{Liquidity: residual, Fees: platformFee.Add(lpFee)})
			split.Platform = split.Platform.Add(platformFee).Add(lpFee)
		} else {
			paidLiq, paidFee := decimal.Zero, decimal.Zero
			for _, id := range providers {
				bal := p.LPBalance(id)
				liq := domain.ProRata(residual, bal, p.LPTotalSupply)
				fee := domain.ProRata(lpFee, bal, p.LPTotalSupply)
				acc.credit(id, domain.PayoutComponents{Liquidity: liq, Fees: fee})
				paidLiq = paidLiq.Add(liq)
				paidFee = paidFee.Add(fee)
			}
			acc.credit(platform, domain.PayoutComponents{
				Liquidity: residual.Sub(paidLiq),
				Fees:      platformFee.Add(lpFee.Sub(paidFee)),
			})
			split.Platform = split.Platform.Add(platformFee)
			split.LP = lpFee
		}
	}

	r := build(s.market.ID, domain.RecordResolution, acc, now)
	r.WinningOutcome = &win
	r.CommitmentPool = commitPool
	r.CommitmentFee = commitFee
	r.Forfeited = forfeited
	r.TradingFees = tradingFees
	r.FeeSplit = split
	return r
}

// cancellation computes the refund record for a cancelled market.
// Commitment escrow is returned whole by voiding each commitment, so only
// the pool appears in the entries. Each open position is refunded its value
// at the pool's odds when the market is cancelled, and liquidity providers
// share the rest of collateral and fees. The pool always covers those
// values; if it somehow does not, traders share what it holds pro-rata and
// providers get nothing.
func (c Config) cancellation(s snapshot, now time.Time) domain.SettlementRecord {
	acc := make(accounts)
	platform := c.PlatformAccount

	commitPool := decimal.Zero
	for _, cm := range s.commitments {
		if cm.Active() {
			commitPool = commitPool.Add(cm.Amount)
		}
	}

	tradingFees := decimal.Zero
	if s.pool != nil {
		p := *s.pool
		tradingFees = p.FeesCollected
		held := p.Collateral.Add(p.FeesCollected)

		values := make([]decimal.Decimal, len(s.positions))
		owed := decimal.Zero
		for i, pos := range s.positions {
			if pos.Quantity.IsPositive() {
				values[i] = p.MarkValue(pos.Outcome, pos.Quantity)
				owed = owed.Add(values[i])
			}
		}

		paid := decimal.Zero
		if held.GreaterThanOrEqual(owed) {
			for i, pos := range s.positions {
				if values[i].IsPositive() {
					acc.credit(pos.UserID, domain.PayoutComponents{Refund: values[i]})
					paid = paid.Add(values[i])
				}
			}
			rest := held.Sub(owed)
			if p.LPTotalSupply.IsPositive() {
				for _, id := range p.Providers() {
					share := domain.ProRata(rest, p.LPBalance(id), p.LPTotalSupply)
					acc.credit(id, domain.PayoutComponents{Liquidity: share})
					paid = paid.Add(share)
				}
			}
		} else {
			for i, pos := range s.positions {
				if values[i].IsPositive() {
					share := domain.ProRata(held, values[i], owed)
					acc.credit(pos.UserID, domain.PayoutComponents{Refund: share})
					paid = paid.Add(share)
				}
			}
		}
		acc.credit(platform, domain.PayoutComponents{Fees: held.Sub(paid)})
	}

	r := build(s.market.ID, domain.RecordCancellation, acc, now)
	r.CommitmentPool = commitPool
	r.TradingFees = tradingFees
	return r
}

func build(marketID string, kind domain.RecordKind, acc accounts, now time.Time) domain.SettlementRecord {
	r := domain.SettlementRecord{
		MarketID:        marketID,
		Kind:            kind,
		Version:         1,
		TotalPayoutPool: decimal.Zero,
		Payouts:         make(map[string]domain.Payout, len(acc)),
		ComputedAt:      now,
	}
	for id, comp := range acc {
		amount := comp.Total()
		if !amount.IsPositive() {
			continue
		}
		r.Payouts[id] = domain.Payout{UserID: id, Amount: amount, Components: comp}
		r.TotalPayoutPool = r.TotalPayoutPool.Add(amount)
	}
	return r
}
