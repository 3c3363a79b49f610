package amm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
)

// fill is a priced trade against a pool. Every field is rounded in the
// pool's favour.
type fill struct {
	Gross  decimal.Decimal // buy: USDC paid in; sell: USDC taken from the curve
	Fee    decimal.Decimal
	Net    decimal.Decimal // buy: USDC added to the curve; sell: USDC paid out
	Shares decimal.Decimal
}

// priceBuy prices spending amountIn on outcome. The after-fee amount is
// added to the opposite reserve and the shares come out of the outcome's
// own reserve:
//
//	sharesOut = reserveX - ceil(k / (reserveOther + amountAfterFee))
func priceBuy(p domain.LiquidityPool, outcome domain.Outcome, amountIn decimal.Decimal) (fill, error) {
	if p.Empty() {
		return fill{}, domain.ErrInsufficientLiquidity
	}
	fee := domain.Bps(amountIn, p.FeeBps)
	net := amountIn.Sub(fee)
	if !net.IsPositive() {
		return fill{}, fmt.Errorf("%w: %s is consumed by fees", domain.ErrInvalidAmount, amountIn)
	}
	x := p.Reserve(outcome)
	other := p.Reserve(outcome.Opposite())
	newX := domain.DivCeil(p.K(), other.Add(net))
	shares := x.Sub(newX)
	if !shares.IsPositive() {
		return fill{}, fmt.Errorf("%w: %s buys no shares", domain.ErrInvalidAmount, amountIn)
	}
	return fill{Gross: amountIn, Fee: fee, Net: net, Shares: shares}, nil
}

// priceSell prices returning sharesIn of outcome to the pool. The shares
// are added to the outcome's reserve, the opposite reserve shrinks by the
// gross payout and the fee comes off that payout.
func priceSell(p domain.LiquidityPool, outcome domain.Outcome, sharesIn decimal.Decimal) (fill, error) {
	if p.Empty() {
		return fill{}, domain.ErrInsufficientLiquidity
	}
	x := p.Reserve(outcome).Add(sharesIn)
	other := p.Reserve(outcome.Opposite())
	newOther := domain.DivCeil(p.K(), x)
	gross := other.Sub(newOther)
	if !gross.IsPositive() {
		return fill{}, fmt.Errorf("%w: %s shares are worth nothing", domain.ErrInvalidAmount, sharesIn)
	}
	fee := domain.Bps(gross, p.FeeBps)
	return fill{Gross: gross, Fee: fee, Net: gross.Sub(fee), Shares: sharesIn}, nil
}

// buyInto moves a priced buy into p.
func buyInto(p *domain.LiquidityPool, outcome domain.Outcome, f fill) {
	opp := outcome.Opposite()
	p.SetReserve(opp, p.Reserve(opp).Add(f.Net))
	p.SetReserve(outcome, p.Reserve(outcome).Sub(f.Shares))
	p.AddOutstanding(outcome, f.Shares)
	p.Collateral = p.Collateral.Add(f.Net)
	p.FeesCollected = p.FeesCollected.Add(f.Fee)
}

// sellInto moves a priced sell into p.
func sellInto(p *domain.LiquidityPool, outcome domain.Outcome, f fill) {
	opp := outcome.Opposite()
	p.SetReserve(outcome, p.Reserve(outcome).Add(f.Shares))
	p.SetReserve(opp, p.Reserve(opp).Sub(f.Gross))
	p.AddOutstanding(outcome, f.Shares.Neg())
	p.Collateral = p.Collateral.Sub(f.Gross)
	p.FeesCollected = p.FeesCollected.Add(f.Fee)
}

// odds returns the implied probability of each outcome in basis points.
// Buying an outcome drains its reserve, so its price is the opposite
// reserve's share of the pool. The floor goes to YES and NO takes the
// remainder, keeping the sum at exactly 10000.
func odds(p domain.LiquidityPool) domain.Odds {
	if p.Empty() {
		return domain.Odds{Yes: domain.BpsDenominator / 2, No: domain.BpsDenominator / 2}
	}
	yes := p.ReserveNo.Mul(decimal.NewFromInt(domain.BpsDenominator)).
		Div(p.Value()).Floor().IntPart()
	return domain.Odds{Yes: int(yes), No: domain.BpsDenominator - int(yes)}
}

// seedSplit divides a deposit across the reserves: equally into an empty
// pool, otherwise in proportion to the current reserves so the price does
// not move. The YES share rounds down and NO takes the rest.
func seedSplit(p domain.LiquidityPool, amount decimal.Decimal) (yes, no decimal.Decimal) {
	if p.Empty() {
		yes = domain.DivFloor(amount, decimal.NewFromInt(2))
		return yes, amount.Sub(yes)
	}
	yes = domain.DivFloor(amount.Mul(p.ReserveYes), p.Value())
	return yes, amount.Sub(yes)
}

// lpClaim values what the providers of p are owed at the pool's current
// odds: the collateral less the traders' outstanding shares, each priced at
// its implied probability, plus the providers' cut of the trading fees.
// The liability rounds down so rounding does not cheapen a token.
func lpClaim(p domain.LiquidityPool, lpFeeBps int) decimal.Decimal {
	liability := domain.DivFloor(
		p.OutstandingYes.Mul(p.ReserveNo).Add(p.OutstandingNo.Mul(p.ReserveYes)),
		p.Value(),
	)
	fees := p.FeesCollected.Sub(domain.Bps(p.FeesCollected, domain.BpsDenominator-lpFeeBps))
	return p.Collateral.Sub(liability).Add(fees)
}

// mintFor returns the LP tokens minted for depositing amount: amount
// itself for the first deposit, otherwise lpTotal * amount / lpClaim, so a
// late provider buys into the shares already sold and the fees already
// earned at their current value rather than at par.
func mintFor(p domain.LiquidityPool, amount decimal.Decimal, lpFeeBps int) decimal.Decimal {
	if p.Empty() || p.LPTotalSupply.IsZero() {
		return amount
	}
	return domain.DivFloor(p.LPTotalSupply.Mul(amount), lpClaim(p, lpFeeBps))
}

// withdrawFor returns the reserve amounts paid for burning lpTokens. Both
// sides shrink by the same fraction; the last LP out takes the reserves
// exactly.
func withdrawFor(p domain.LiquidityPool, lpTokens decimal.Decimal) (yes, no decimal.Decimal) {
	if lpTokens.Equal(p.LPTotalSupply) {
		return p.ReserveYes, p.ReserveNo
	}
	yes = domain.DivFloor(p.ReserveYes.Mul(lpTokens), p.LPTotalSupply)
	no = domain.DivFloor(p.ReserveNo.Mul(lpTokens), p.LPTotalSupply)
	return yes, no
}
