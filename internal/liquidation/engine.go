// Package liquidation sweeps accounts for maintenance margin breaches
// and force-closes underwater positions against the book. Each sweep is
// a bounded window over the account arena so a single poke never stalls
// the core; the per-market cursor survives restarts.
package liquidation

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpclear/internal/book"
	"perpclear/internal/event"
	"perpclear/internal/fixed"
	"perpclear/internal/ledger"
)

var ErrUnknownMarketBook = errors.New("no order book registered for market")

// DefaultWindow is the number of arena slots one poke inspects.
const DefaultWindow = 64

// Liquidation describes one forced close, fully accounted.
type Liquidation struct {
	Account     uuid.UUID
	Market      string
	ClosedSize  int64
	ClosePrice  int64
	Remaining   int64
	Penalty     int64
	GapLoss     int64
	Socialized  int64
	BadDebt     int64
	RewardsPaid int64
	Trades      []book.Trade
}

// Outcome summarizes one sweep window.
type Outcome struct {
	Market       string
	Scanned      int
	Liquidations []Liquidation
}

// Engine drives liquidation sweeps and terminal settlement across all
// registered markets.
type Engine struct {
	ledger *ledger.Ledger
	books  map[string]*book.Engine
	cap    ledger.Capability

	slippageBps int64
	window      int

	// pool carries penalty collateral that found no maker to reward,
	// available to absorb future gap losses.
	pool int64

	log  zerolog.Logger
	emit ledger.Emitter
}

func NewEngine(l *ledger.Ledger, cap ledger.Capability, slippageBps int64, log zerolog.Logger) *Engine {
	if slippageBps <= 0 {
		slippageBps = book.DefaultSlippageBps
	}
	return &Engine{
		ledger:      l,
		books:       make(map[string]*book.Engine),
		cap:         cap,
		slippageBps: slippageBps,
		window:      DefaultWindow,
		log:         log.With().Str("component", "liquidation").Logger(),
		emit:        func(event.Type, *string, interface{}) {},
	}
}

// RegisterBook attaches the matching engine liquidations in the market
// execute through.
func (e *Engine) RegisterBook(market string, b *book.Engine) {
	e.books[market] = b
}

// SetEmitter installs the event sink.
func (e *Engine) SetEmitter(em ledger.Emitter) { e.emit = em }

// SetWindow overrides the per-poke scan width.
func (e *Engine) SetWindow(n int) {
	if n > 0 {
		e.window = n
	}
}

// PenaltyPool is the undistributed penalty balance.
func (e *Engine) PenaltyPool() int64 { return e.pool }

// Poke refreshes the mark price, then advances the market's liquidation
// cursor by one window, force closing every account in the window whose
// equity sits below its maintenance floor.
func (e *Engine) Poke(market string) (Outcome, error) {
	mk := e.ledger.Market(market)
	if mk == nil {
		return Outcome{}, ledger.ErrUnknownMarket
	}
	if mk.Settled {
		return Outcome{}, ledger.ErrMarketSettled
	}
	bk, ok := e.books[market]
	if !ok {
		return Outcome{}, ErrUnknownMarketBook
	}

	// Refresh the mark before testing anyone, so the sweep prices
	// maintenance against the book as it stands now.
	if err := e.ledger.ReblendMark(e.cap, market, bk.Book().Mid()); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Market: market}
	total := e.ledger.ArenaLen()
	if total == 0 {
		return out, nil
	}
	n := e.window
	if n > total {
		n = total
	}

	start := mk.Cursor % total
	for i := 0; i < n; i++ {
		acct := e.ledger.AccountAt((start + i) % total)
		out.Scanned++

		liq, err := e.ledger.IsLiquidatable(acct.ID)
		if err != nil || !liq {
			continue
		}
		if _, held := acct.Positions[market]; !held {
			continue
		}
		result, err := e.liquidate(mk, bk, acct)
		if err != nil {
			return out, err
		}
		out.Liquidations = append(out.Liquidations, result)
	}
	mk.Cursor = (start + n) % total
	return out, nil
}

// liquidate cancels the account's working orders, closes the position
// inside the slippage bound, charges the penalty and pushes any
// uncovered loss through the pool, socialization and bad debt in that
// order. Penalty collateral left after loss coverage rewards the makers
// who took the other side, pro rata by notional with the rounding
// remainder going to the earliest fill.
func (e *Engine) liquidate(mk *ledger.Market, bk *book.Engine, acct *ledger.Account) (Liquidation, error) {
	out := Liquidation{Account: acct.ID, Market: mk.ID}

	if _, err := bk.CancelAll(acct.ID); err != nil {
		return out, err
	}
	// Freeing reservations may have restored the account above water.
	if liq, err := e.ledger.IsLiquidatable(acct.ID); err != nil || !liq {
		return out, err
	}
	pos, held := acct.Positions[mk.ID]
	if !held {
		return out, nil
	}
	size := pos.Size

	res, err := bk.ForcedClose(e.cap, acct.ID, size, e.slippageBps)
	if err != nil {
		if errors.Is(err, book.ErrPriceBound) {
			// No liquidity inside the bound; the next poke retries.
			out.Remaining = size
			return out, nil
		}
		return out, err
	}
	out.Trades = res.Trades
	out.ClosedSize = res.Filled
	out.GapLoss = res.GapLoss
	if remaining, ok := acct.Positions[mk.ID]; ok {
		out.Remaining = remaining.Size
	}
	if res.Filled == 0 {
		return out, nil
	}

	var closedNotional int64
	for _, tr := range res.Trades {
		n, nerr := fixed.Notional(tr.Size, tr.Price)
		if nerr != nil {
			return out, nerr
		}
		closedNotional += n
	}
	if out.ClosePrice, err = fixed.MulDiv(closedNotional, fixed.PriceScale, res.Filled); err != nil {
		return out, err
	}

	penalty, err := fixed.ApplyBps(closedNotional, mk.LiquidationPenaltyBps)
	if err != nil {
		return out, err
	}
	collected, err := e.ledger.CollectPenalty(e.cap, acct.ID, penalty)
	if err != nil {
		return out, err
	}
	out.Penalty = collected
	e.pool += collected

	if out.GapLoss > 0 {
		fromPool := out.GapLoss
		if fromPool > e.pool {
			fromPool = e.pool
		}
		e.pool -= fromPool
		if uncovered := out.GapLoss - fromPool; uncovered > 0 {
			out.Socialized, out.BadDebt, err = e.ledger.SocializeLoss(e.cap, mk.ID, uncovered)
			if err != nil {
				return out, err
			}
		}
	}

	if out.RewardsPaid, err = e.rewardMakers(res.Trades, closedNotional); err != nil {
		return out, err
	}

	e.log.Info().
		Str("account", acct.ID.String()).
		Str("market", mk.ID).
		Int64("closed_size", out.ClosedSize).
		Int64("close_price", out.ClosePrice).
		Int64("penalty", out.Penalty).
		Int64("gap_loss", out.GapLoss).
		Int64("socialized", out.Socialized).
		Int64("bad_debt", out.BadDebt).
		Msg("position liquidated")

	e.emit(event.TypeLiquidationExecuted, &mk.ID, event.LiquidationExecuted{
		Account:     acct.ID,
		Market:      mk.ID,
		ClosedSize:  out.ClosedSize,
		ClosePrice:  out.ClosePrice,
		Penalty:     out.Penalty,
		GapLoss:     out.GapLoss,
		Socialized:  out.Socialized,
		BadDebt:     out.BadDebt,
		RewardsPaid: out.RewardsPaid,
	})
	return out, nil
}

// rewardMakers splits the remaining pool across the liquidation's
// makers pro rata by filled notional. Integer division remainders go to
// the earliest fill.
func (e *Engine) rewardMakers(trades []book.Trade, totalNotional int64) (int64, error) {
	if e.pool == 0 || totalNotional == 0 || len(trades) == 0 {
		return 0, nil
	}
	budget := e.pool
	var paid int64
	for _, tr := range trades {
		n, err := fixed.Notional(tr.Size, tr.Price)
		if err != nil {
			return paid, err
		}
		share, err := fixed.MulDiv(budget, n, totalNotional)
		if err != nil {
			return paid, err
		}
		if share > budget-paid {
			share = budget - paid
		}
		if share == 0 {
			continue
		}
		if err := e.ledger.PayReward(e.cap, tr.Maker, share); err != nil {
			return paid, err
		}
		paid += share
	}
	if leftover := budget - paid; leftover > 0 {
		if err := e.ledger.PayReward(e.cap, trades[0].Maker, leftover); err != nil {
			return paid, err
		}
		paid += leftover
	}
	e.pool -= paid
	return paid, nil
}

// Settle drains the market's book and runs terminal settlement, in that
// order, so no reservation is left behind a cancelled order.
func (e *Engine) Settle(adminCap ledger.Capability, market string, terminalPrice int64) (ledger.SettlementReport, error) {
	bk, ok := e.books[market]
	if !ok {
		return ledger.SettlementReport{}, ErrUnknownMarketBook
	}
	if _, err := bk.Drain(); err != nil {
		return ledger.SettlementReport{}, err
	}
	return e.ledger.SettleMarket(adminCap, market, terminalPrice)
}
