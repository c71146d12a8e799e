package fixed

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

// ErrOverflow is returned when a computation does not fit in the target
// fixed-point representation. Amounts never wrap silently.
var ErrOverflow = errors.New("arithmetic overflow")

// Fixed-point scales. Quantities, prices and quote (collateral) amounts all
// use 6 decimal places; the realized-PnL accumulator keeps 18.
const (
	QuantityScale int64 = 1_000_000
	PriceScale    int64 = 1_000_000
	QuoteScale    int64 = 1_000_000
	RatioScale    int64 = 1_000_000 // margin/maintenance fractions
	BpsDenom      int64 = 10_000    // fee and slippage tolerances
)

// PnlScale is the scale of the 18-decimal realized-PnL accumulator.
// Accumulators at this scale are big.Int; single amounts stay int64.
var PnlScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// QuoteToPnl converts a quote-scale amount to pnl scale (1e6 -> 1e18).
var quoteToPnl = big.NewInt(1_000_000_000_000)

// RoundingMode selects how DivBig resolves a remainder.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding (default)
	RoundDown
	RoundUp
)

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// AddChecked returns a+b or ErrOverflow.
func AddChecked(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// SubChecked returns a-b or ErrOverflow.
func SubChecked(a, b int64) (int64, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// MulBig returns a*b as a big.Int taken from the pool. Callers must release
// the result with a matching DivBig call or return it via putBig.
func MulBig(a, b int64) *big.Int {
	r := getBig()
	r.Mul(big.NewInt(a), big.NewInt(b))
	return r
}

// DivBig divides numerator by denominator, applies the rounding mode,
// releases numerator back to the pool, and checks the result fits in int64.
func DivBig(numerator *big.Int, denominator int64, mode RoundingMode) (int64, error) {
	defer putBig(numerator)

	denom := big.NewInt(denominator)
	quotient := getBig()
	remainder := getBig()
	defer putBig(quotient)
	defer putBig(remainder)

	quotient.QuoRem(numerator, denom, remainder)

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	result := quotient.Int64()

	// Work with magnitudes; reapply the sign at the end.
	negative := (numerator.Sign() < 0) != (denominator < 0)
	remainder.Abs(remainder)
	absDenom := denominator
	if absDenom < 0 {
		absDenom = -absDenom
	}

	bump := false
	switch mode {
	case RoundHalfEven:
		half := big.NewInt(absDenom / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			bump = true
		} else if cmp == 0 && absDenom%2 == 0 && result%2 != 0 {
			bump = true
		}
	case RoundUp:
		bump = remainder.Sign() != 0
	case RoundDown:
		// truncation already happened
	}

	if bump {
		var err error
		if negative {
			result, err = SubChecked(result, 1)
		} else {
			result, err = AddChecked(result, 1)
		}
		if err != nil {
			return 0, err
		}
	}

	return result, nil
}

// MulDiv computes a*b/den with an int128 intermediate and banker's rounding.
func MulDiv(a, b, den int64) (int64, error) {
	if den == 0 {
		return 0, ErrOverflow
	}
	return DivBig(MulBig(a, b), den, RoundHalfEven)
}

// Notional returns |size| * price in quote scale.
func Notional(size, price int64) (int64, error) {
	if size < 0 {
		size = -size
	}
	return MulDiv(size, price, PriceScale)
}

// ApplyBps returns amount * bps / 10_000, rounded half-even.
func ApplyBps(amount, bps int64) (int64, error) {
	return MulDiv(amount, bps, BpsDenom)
}

// ApplyRatio returns amount * ratio / RatioScale, rounded half-even.
func ApplyRatio(amount, ratio int64) (int64, error) {
	return MulDiv(amount, ratio, RatioScale)
}

// WeightedEntry computes the notional-weighted average entry price after a
// same-direction increase. oldSize and fillQty are magnitudes (> 0).
func WeightedEntry(oldSize, oldEntry, fillQty, fillPrice int64) (int64, error) {
	if oldSize == 0 {
		return fillPrice, nil
	}

	term1 := MulBig(oldSize, oldEntry)
	term2 := MulBig(fillQty, fillPrice)
	numerator := getBig()
	numerator.Add(term1, term2)
	putBig(term1)
	putBig(term2)

	denominator, err := AddChecked(oldSize, fillQty)
	if err != nil {
		putBig(numerator)
		return 0, err
	}

	return DivBig(numerator, denominator, RoundHalfEven)
}

// RealizedPnl computes the PnL in quote scale for closing closeQty of a
// position: sideSign * (exitPrice - entryPrice) * closeQty.
// sideSign is +1 for long, -1 for short; closeQty is a magnitude.
func RealizedPnl(sideSign, exitPrice, entryPrice int64, closeQty int64) (int64, error) {
	diff, err := SubChecked(exitPrice, entryPrice)
	if err != nil {
		return 0, err
	}
	signed, err := mulChecked(sideSign, diff)
	if err != nil {
		return 0, err
	}
	return MulDiv(signed, closeQty, PriceScale)
}

// QuoteToPnlAccum converts a quote-scale amount into the given 1e18-scale
// accumulator, adding in place.
func QuoteToPnlAccum(accum *big.Int, quoteAmount int64) {
	delta := new(big.Int).Mul(big.NewInt(quoteAmount), quoteToPnl)
	accum.Add(accum, delta)
}

func mulChecked(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	r := a * b
	if r/b != a {
		return 0, ErrOverflow
	}
	return r, nil
}
