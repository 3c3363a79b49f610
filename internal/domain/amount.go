package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountPrecision is the number of decimal places carried by every USDC
// amount, share quantity and LP token balance (micro-units).
const AmountPrecision int32 = 6

// BpsDenominator is the basis-point scale (100% == 10000).
const BpsDenominator = 10000

var (
	// Unit is the smallest representable amount.
	Unit = decimal.New(1, -AmountPrecision)
	// One is the par redemption value of a winning share.
	One = decimal.NewFromInt(1)
)

// ParseAmount parses a decimal string and rejects values that carry more
// precision than AmountPrecision.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Truncate(AmountPrecision)) {
		return decimal.Zero, fmt.Errorf("%w: %q exceeds %d decimal places", ErrInvalidAmount, s, AmountPrecision)
	}
	return d, nil
}

// ValidAmount reports whether d is strictly positive and representable.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(AmountPrecision))
}

// DivFloor returns a/b rounded toward negative infinity at AmountPrecision.
// The quotient is exact: no intermediate rounding happens.
func DivFloor(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, AmountPrecision)
	if r.IsZero() {
		return q
	}
	// QuoRem truncates toward zero.
	if r.Sign()*b.Sign() < 0 {
		return q.Sub(Unit)
	}
	return q
}

// DivCeil returns a/b rounded toward positive infinity at AmountPrecision.
func DivCeil(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, AmountPrecision)
	if r.IsZero() {
		return q
	}
	if r.Sign()*b.Sign() > 0 {
		return q.Add(Unit)
	}
	return q
}

// MulFloor returns a*b rounded down at AmountPrecision.
func MulFloor(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundFloor(AmountPrecision)
}

// Bps returns amount*bps/10000 rounded down.
func Bps(amount decimal.Decimal, bps int) decimal.Decimal {
	return DivFloor(amount.Mul(decimal.NewFromInt(int64(bps))), decimal.NewFromInt(BpsDenominator))
}

// ProRata returns total*part/whole rounded down. A zero whole yields zero.
func ProRata(total, part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return DivFloor(total.Mul(part), whole)
}
