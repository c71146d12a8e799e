// Package position holds the pure netting math for per-market exposure.
// Nothing in here touches balances or emits events: callers feed in the
// current position and a fill, and get back the next position plus the
// realized PnL of whatever portion closed.
package position

import (
	"perpclear/internal/fixed"
)

// Netting is the outcome of applying one fill to one position.
type Netting struct {
	NewSize     int64 // signed, positive = long
	NewEntry    int64 // price scale; 0 when the position is flat
	RealizedPnl int64 // quote scale; 0 unless the fill closed exposure
	Flipped     bool  // the fill crossed through zero
}

// Net applies a signed fill to a signed position.
//
// Three branches:
//   - same sign (or flat current): entry becomes the notional-weighted
//     average of old and fill;
//   - sign-preserving decrease: entry is unchanged, PnL is realized on the
//     closed quantity at (fillPrice - entry) * sign(current);
//   - sign flip: the position closes fully (realizing PnL on all of it) and
//     reopens with the remainder at fillPrice.
//
// All arithmetic is checked; overflow returns fixed.ErrOverflow.
func Net(currentSize, currentEntry, fillSize, fillPrice int64) (Netting, error) {
	if fillSize == 0 {
		return Netting{NewSize: currentSize, NewEntry: currentEntry}, nil
	}

	// Open or increase.
	if currentSize == 0 || sameSign(currentSize, fillSize) {
		newSize, err := fixed.AddChecked(currentSize, fillSize)
		if err != nil {
			return Netting{}, err
		}
		entry, err := fixed.WeightedEntry(abs(currentSize), currentEntry, abs(fillSize), fillPrice)
		if err != nil {
			return Netting{}, err
		}
		return Netting{NewSize: newSize, NewEntry: entry}, nil
	}

	side := sign(currentSize)
	closeQty := abs(fillSize)
	if closeQty > abs(currentSize) {
		closeQty = abs(currentSize)
	}

	pnl, err := fixed.RealizedPnl(side, fillPrice, currentEntry, closeQty)
	if err != nil {
		return Netting{}, err
	}

	newSize, err := fixed.AddChecked(currentSize, fillSize)
	if err != nil {
		return Netting{}, err
	}

	switch {
	case newSize == 0:
		// Full close.
		return Netting{RealizedPnl: pnl}, nil
	case sameSign(newSize, currentSize):
		// Partial close: entry held constant.
		return Netting{NewSize: newSize, NewEntry: currentEntry, RealizedPnl: pnl}, nil
	default:
		// Flip: the remainder opens fresh at the fill price.
		return Netting{NewSize: newSize, NewEntry: fillPrice, RealizedPnl: pnl, Flipped: true}, nil
	}
}

// UnrealizedPnl values an open position against a mark price.
func UnrealizedPnl(size, entry, markPrice int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}
	return fixed.RealizedPnl(sign(size), markPrice, entry, abs(size))
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
