package ledger

import (
	"time"

	"perpclear/internal/fixed"
)

// markWindow bounds the trailing trade sample used when blending the
// mark price from order book mid and recent execution prices.
const markWindow = 32

type tradeSample struct {
	price int64
	size  int64
}

// MarkState tracks the current mark price for one market. The mark is the
// volume-weighted average of a bounded trailing window of trades, blended
// half and half with the book mid when a mid exists. An oracle override
// through SetMarkPrice replaces the blend outright until the next trade.
type MarkState struct {
	Price int64

	window     [markWindow]tradeSample
	head       int
	filled     int
	overridden bool
}

func (m *MarkState) recordTrade(price, size int64, mid int64) {
	m.window[m.head] = tradeSample{price: price, size: size}
	m.head = (m.head + 1) % markWindow
	if m.filled < markWindow {
		m.filled++
	}
	m.overridden = false
	m.Price = m.blend(mid)
}

// setOverride pins the mark to an oracle price until the next trade.
func (m *MarkState) setOverride(price int64) {
	m.Price = price
	m.overridden = true
}

// reblend recomputes the mark against a fresh book mid without a new
// trade. A standing oracle override wins.
func (m *MarkState) reblend(mid int64) {
	if m.overridden {
		return
	}
	m.Price = m.blend(mid)
}

func (m *MarkState) blend(mid int64) int64 {
	vwap, ok := m.vwap()
	switch {
	case ok && mid > 0:
		return (vwap + mid) / 2
	case ok:
		return vwap
	case mid > 0:
		return mid
	default:
		return m.Price
	}
}

func (m *MarkState) vwap() (int64, bool) {
	if m.filled == 0 {
		return 0, false
	}
	var notional, volume int64
	for i := 0; i < m.filled; i++ {
		s := m.window[i]
		n, err := fixed.Notional(s.size, s.price)
		if err != nil {
			continue
		}
		notional += n
		volume += s.size
	}
	if volume == 0 {
		return 0, false
	}
	p, err := fixed.MulDiv(notional, fixed.PriceScale, volume)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Market holds per-market risk parameters and settlement state. Ratios
// are at RatioScale, fees in basis points. Cursor is the liquidation
// scan position into the account arena, persisted so restarts resume
// the sweep where it stopped.
type Market struct {
	ID string

	InitialMarginRatio     int64
	MaintenanceMarginRatio int64
	FeeBps                 int64
	LiquidationPenaltyBps  int64

	SettlementTime time.Time
	Settled        bool
	TerminalPrice  int64

	Mark MarkState

	Cursor  int
	BadDebt int64

	OpenInterest int64

	CreatedAt time.Time
}

// initialMargin returns the margin required to carry abs size at price
// under the initial margin ratio.
func (mk *Market) initialMargin(size, price int64) (int64, error) {
	notional, err := fixed.Notional(abs(size), price)
	if err != nil {
		return 0, err
	}
	return fixed.ApplyRatio(notional, mk.InitialMarginRatio)
}

// maintenanceMargin returns the equity floor for abs size at the mark.
func (mk *Market) maintenanceMargin(size int64) (int64, error) {
	notional, err := fixed.Notional(abs(size), mk.Mark.Price)
	if err != nil {
		return 0, err
	}
	return fixed.ApplyRatio(notional, mk.MaintenanceMarginRatio)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
