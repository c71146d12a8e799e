package liquidation_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpclear/internal/book"
	"perpclear/internal/ledger"
	"perpclear/internal/liquidation"
)

const (
	unit   = int64(1_000_000)
	market = "BTC-TERM"
)

type fixture struct {
	ledger *ledger.Ledger
	book   *book.Engine
	engine *liquidation.Engine
	admin  ledger.Capability
	oracle ledger.Capability
}

// newFixture wires a 10x market with a 1% liquidation penalty, no
// trading fee and the maintenance floor at the full initial margin.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(zerolog.Nop())
	admin := ledger.NewCapability(ledger.RoleMarketAdmin)
	require.NoError(t, l.RegisterMarket(admin, ledger.MarketParams{
		ID:                     market,
		InitialMarginRatio:     100_000,
		MaintenanceMarginRatio: 100_000,
		FeeBps:                 0,
		LiquidationPenaltyBps:  100,
	}))

	flow := ledger.NewCapability(ledger.RoleOrderFlow, ledger.RoleMarkPrice)
	bk := book.NewEngine(market, l, flow, zerolog.Nop())

	liqCap := ledger.NewCapability(ledger.RoleLiquidator)
	eng := liquidation.NewEngine(l, liqCap, 1500, zerolog.Nop())
	eng.RegisterBook(market, bk)

	return &fixture{
		ledger: l,
		book:   bk,
		engine: eng,
		admin:  admin,
		oracle: ledger.NewCapability(ledger.RoleMarkPrice),
	}
}

func (f *fixture) fund(t *testing.T, amount int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.ledger.Deposit(id, amount))
	return id
}

func (f *fixture) mark(t *testing.T, price int64) {
	t.Helper()
	require.NoError(t, f.ledger.SetMarkPrice(f.oracle, market, price))
}

// openLong crosses the victim against a resting counterparty offer.
func (f *fixture) openLong(t *testing.T, buyer, seller uuid.UUID, size, price int64) {
	t.Helper()
	_, err := f.book.SubmitLimit(seller, book.SideSell, price, size)
	require.NoError(t, err)
	res, err := f.book.SubmitLimit(buyer, book.SideBuy, price, size)
	require.NoError(t, err)
	require.Equal(t, size, res.Filled)
}

// The worked example: 1000 deposited, a 10x long of notional 5000 at
// 100, mark to 85. Equity 250 sits under the 425 maintenance floor, so
// the sweep closes the position into the resting 85 bid and charges the
// 1% penalty on the 4250 closed notional.
func TestPoke_LiquidatesUnderwaterLong(t *testing.T) {
	f := newFixture(t)
	victim := f.fund(t, 1000*unit)
	counter := f.fund(t, 100_000*unit)
	maker := f.fund(t, 100_000*unit)

	f.mark(t, 100*unit)
	f.openLong(t, victim, counter, 50*unit, 100*unit)
	f.mark(t, 85*unit)

	_, err := f.book.SubmitLimit(maker, book.SideBuy, 85*unit, 50*unit)
	require.NoError(t, err)

	out, err := f.engine.Poke(market)
	require.NoError(t, err)
	require.Len(t, out.Liquidations, 1)

	liq := out.Liquidations[0]
	assert.Equal(t, victim, liq.Account)
	assert.Equal(t, 50*unit, liq.ClosedSize)
	assert.Equal(t, 85*unit, liq.ClosePrice)
	assert.Zero(t, liq.Remaining)
	assert.Zero(t, liq.GapLoss)
	assert.Zero(t, liq.BadDebt)

	// 1% of the 4250 closed notional.
	assert.Equal(t, 42_500_000, int(liq.Penalty))
	// The single maker collects the whole penalty as its reward.
	assert.Equal(t, liq.Penalty, liq.RewardsPaid)
	assert.Zero(t, f.engine.PenaltyPool())

	// 1000 - 750 realized loss - 42.5 penalty.
	a := f.ledger.Account(victim)
	assert.Nil(t, a.Positions[market])
	assert.Equal(t, 207_500_000, int(a.Available()))
}

func TestPoke_SkipsHealthyAccounts(t *testing.T) {
	f := newFixture(t)
	trader := f.fund(t, 10_000*unit)
	counter := f.fund(t, 100_000*unit)

	f.mark(t, 100*unit)
	f.openLong(t, trader, counter, 50*unit, 100*unit)
	f.mark(t, 95*unit)

	out, err := f.engine.Poke(market)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Scanned)
	assert.Empty(t, out.Liquidations)
	assert.NotNil(t, f.ledger.Account(trader).Positions[market])
}

func TestPoke_GapLossSocializedAcrossWinners(t *testing.T) {
	f := newFixture(t)
	// Margin 500 plus 50 spare: a close at 70 realizes a 1500 loss, of
	// which 950 cannot be covered by the victim.
	victim := f.fund(t, 550*unit)
	counter := f.fund(t, 100_000*unit)
	maker := f.fund(t, 100_000*unit)

	f.mark(t, 100*unit)
	f.openLong(t, victim, counter, 50*unit, 100*unit)
	f.mark(t, 70*unit)

	_, err := f.book.SubmitLimit(maker, book.SideBuy, 70*unit, 50*unit)
	require.NoError(t, err)

	out, err := f.engine.Poke(market)
	require.NoError(t, err)
	require.Len(t, out.Liquidations, 1)

	liq := out.Liquidations[0]
	assert.Equal(t, 950*unit, liq.GapLoss)
	assert.Equal(t, 950*unit, liq.Socialized)
	assert.Zero(t, liq.BadDebt)
	// Nothing left to take the penalty from.
	assert.Zero(t, liq.Penalty)
	assert.Zero(t, f.ledger.Account(victim).Available())
}

func TestPoke_NoLiquidityLeavesPositionForNextSweep(t *testing.T) {
	f := newFixture(t)
	victim := f.fund(t, 1000*unit)
	counter := f.fund(t, 100_000*unit)

	f.mark(t, 100*unit)
	f.openLong(t, victim, counter, 50*unit, 100*unit)
	f.mark(t, 85*unit)

	// Empty book: the forced close finds nothing inside the bound.
	out, err := f.engine.Poke(market)
	require.NoError(t, err)
	require.Len(t, out.Liquidations, 1)
	liq := out.Liquidations[0]
	assert.Zero(t, liq.ClosedSize)
	assert.Equal(t, 50*unit, liq.Remaining)
	assert.NotNil(t, f.ledger.Account(victim).Positions[market])
}

func TestPoke_CursorAdvancesByWindow(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.fund(t, 1000*unit)
	}
	f.engine.SetWindow(4)

	out, err := f.engine.Poke(market)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Scanned)
	assert.Equal(t, 4, f.ledger.Market(market).Cursor)

	_, err = f.engine.Poke(market)
	require.NoError(t, err)
	_, err = f.engine.Poke(market)
	require.NoError(t, err)
	// Wrapped around the 10-slot arena.
	assert.Equal(t, 2, f.ledger.Market(market).Cursor)
}

func TestPoke_CancelsRestingOrdersFirst(t *testing.T) {
	f := newFixture(t)
	victim := f.fund(t, 1100*unit)
	counter := f.fund(t, 100_000*unit)
	maker := f.fund(t, 100_000*unit)

	f.mark(t, 100*unit)
	f.openLong(t, victim, counter, 50*unit, 100*unit)
	// A working order keeps an extra 100 reserved.
	_, err := f.book.SubmitLimit(victim, book.SideBuy, 50*unit, 20*unit)
	require.NoError(t, err)
	f.mark(t, 85*unit)

	_, err = f.book.SubmitLimit(maker, book.SideBuy, 85*unit, 50*unit)
	require.NoError(t, err)

	out, err := f.engine.Poke(market)
	require.NoError(t, err)
	require.Len(t, out.Liquidations, 1)
	// The victim's resting bid is gone along with the position.
	_, found := f.book.Book().Order(out.Liquidations[0].Trades[0].TakerOrderID)
	assert.False(t, found)
	assert.Zero(t, f.ledger.Account(victim).Locked)
}

func TestSettle_DrainsBookThenSettles(t *testing.T) {
	f := newFixture(t)
	long := f.fund(t, 2000*unit)
	short := f.fund(t, 2000*unit)

	f.mark(t, 100*unit)
	f.openLong(t, long, short, 50*unit, 100*unit)
	// Unfilled order that must not leak its reservation.
	_, err := f.book.SubmitLimit(long, book.SideBuy, 90*unit, 10*unit)
	require.NoError(t, err)

	report, err := f.engine.Settle(f.admin, market, 110*unit)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), report.HaircutRatio)
	assert.Zero(t, f.book.Book().Len())

	assert.Equal(t, 2500*unit, f.ledger.Account(long).Native)
	assert.Equal(t, 1500*unit, f.ledger.Account(short).Native)

	_, err = f.engine.Poke(market)
	assert.ErrorIs(t, err, ledger.ErrMarketSettled)
}

// A sweep must price maintenance against the book as it stands, not
// against the last execution, so Poke refreshes the mark first.
func TestPoke_RefreshesMarkFromBook(t *testing.T) {
	f := newFixture(t)
	long := f.fund(t, 100_000*unit)
	short := f.fund(t, 100_000*unit)

	// Seed the trade window at 100 with no oracle override standing.
	f.openLong(t, long, short, 10*unit, 100*unit)
	require.Equal(t, 100*unit, f.ledger.Market(market).Mark.Price)

	// Quotes drift down to an 80/82 market, mid 81.
	_, err := f.book.SubmitLimit(long, book.SideBuy, 80*unit, unit)
	require.NoError(t, err)
	_, err = f.book.SubmitLimit(short, book.SideSell, 82*unit, unit)
	require.NoError(t, err)

	out, err := f.engine.Poke(market)
	require.NoError(t, err)
	assert.Empty(t, out.Liquidations)

	// Half trade window, half live mid: (100 + 81) / 2.
	assert.Equal(t, int64(90_500_000), f.ledger.Market(market).Mark.Price)

	// An oracle push pins the mark until the next trade; the sweep's
	// refresh must not claw it back toward the book.
	f.mark(t, 85*unit)
	_, err = f.engine.Poke(market)
	require.NoError(t, err)
	assert.Equal(t, 85*unit, f.ledger.Market(market).Mark.Price)
}
