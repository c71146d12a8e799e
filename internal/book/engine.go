package book

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"perpclear/internal/event"
	"perpclear/internal/fixed"
	"perpclear/internal/ledger"
)

var (
	// ErrPriceBound is returned when a market order finds no liquidity
	// inside its slippage bound, or no price reference exists at all.
	ErrPriceBound = errors.New("no liquidity inside price bound")

	ErrUnknownOrder = errors.New("unknown order")
)

// DefaultSlippageBps bounds market orders at 15% around the mark when
// the caller does not narrow it.
const DefaultSlippageBps int64 = 1500

// Trade is one execution between a resting maker and an incoming taker.
type Trade struct {
	ID           string    `json:"id"`
	Market       string    `json:"market"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	Maker        uuid.UUID `json:"maker"`
	Taker        uuid.UUID `json:"taker"`
	Price        int64     `json:"price"`
	Size         int64     `json:"size"`
	TakerSide    Side      `json:"taker_side"`
	MakerFee     int64     `json:"maker_fee"`
	TakerFee     int64     `json:"taker_fee"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// SubmitResult reports what happened to an incoming order.
type SubmitResult struct {
	OrderID string  `json:"order_id,omitempty"`
	Trades  []Trade `json:"trades,omitempty"`
	// Filled is the executed quantity, Netted the quantity cancelled
	// against the account's own resting orders without a trade, Resting
	// what remains on the book.
	Filled  int64 `json:"filled"`
	Netted  int64 `json:"netted"`
	Resting int64 `json:"resting"`
	// GapLoss sums the taker-side losses the account could not cover,
	// nonzero only on forced closes through an underwater position.
	GapLoss int64 `json:"gap_loss,omitempty"`
}

// Engine matches orders for a single market and settles every fill
// through the ledger. It holds order flow and mark price capabilities;
// forced closes additionally present the caller's liquidator capability.
type Engine struct {
	market string
	ledger *ledger.Ledger
	cap    ledger.Capability
	book   *OrderBook

	log     zerolog.Logger
	emit    ledger.Emitter
	now     func() time.Time
	entropy io.Reader
}

func NewEngine(market string, l *ledger.Ledger, cap ledger.Capability, log zerolog.Logger) *Engine {
	return &Engine{
		market:  market,
		ledger:  l,
		cap:     cap,
		book:    NewOrderBook(market),
		log:     log.With().Str("component", "book").Str("market", market).Logger(),
		emit:    func(event.Type, *string, interface{}) {},
		now:     time.Now,
		entropy: ulid.DefaultEntropy(),
	}
}

// SetEmitter installs the trade event sink.
func (e *Engine) SetEmitter(em ledger.Emitter) { e.emit = em }

// SetClock overrides the time source, used by tests and replay.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetEntropy overrides the ULID entropy source for deterministic replay.
func (e *Engine) SetEntropy(r io.Reader) { e.entropy = r }

// Book exposes the order book for read views.
func (e *Engine) Book() *OrderBook { return e.book }

// SubmitLimit reserves worst-case margin and fee first, then matches
// against the opposite side and rests any remainder.
func (e *Engine) SubmitLimit(account uuid.UUID, side Side, price, quantity int64) (*SubmitResult, error) {
	if price <= 0 || quantity <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	mk := e.ledger.Market(e.market)
	if mk == nil {
		return nil, ledger.ErrUnknownMarket
	}
	if mk.Settled {
		return nil, ledger.ErrMarketSettled
	}

	reserve, err := e.worstCase(mk, quantity, price)
	if err != nil {
		return nil, err
	}
	resID, err := e.ledger.ReserveMargin(e.cap, account, e.market, reserve)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:            e.newID(),
		Account:       account,
		Market:        e.market,
		Side:          side,
		Price:         price,
		Quantity:      quantity,
		ReservationID: resID,
		CreatedAt:     e.now(),
	}

	result, err := e.execute(order, price, e.cap, false)
	if err != nil {
		e.releaseRemainder(order)
		return nil, err
	}

	if order.Remaining() > 0 {
		e.book.add(order)
		result.Resting = order.Remaining()
	}
	if err := e.releaseExcess(mk, order); err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitMarket executes immediately against the book, walking levels no
// further than slippageBps away from the mark. The unfilled remainder
// is discarded, never rested.
func (e *Engine) SubmitMarket(account uuid.UUID, side Side, quantity, slippageBps int64) (*SubmitResult, error) {
	if quantity <= 0 || slippageBps < 0 {
		return nil, ledger.ErrInvalidAmount
	}
	if slippageBps == 0 {
		slippageBps = DefaultSlippageBps
	}
	mk := e.ledger.Market(e.market)
	if mk == nil {
		return nil, ledger.ErrUnknownMarket
	}
	if mk.Settled {
		return nil, ledger.ErrMarketSettled
	}

	bound, err := e.slippageBound(mk, side, slippageBps)
	if err != nil {
		return nil, err
	}

	reserve, err := e.worstCase(mk, quantity, bound)
	if err != nil {
		return nil, err
	}
	resID, err := e.ledger.ReserveMargin(e.cap, account, e.market, reserve)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:            e.newID(),
		Account:       account,
		Market:        e.market,
		Side:          side,
		Price:         bound,
		Quantity:      quantity,
		ReservationID: resID,
		CreatedAt:     e.now(),
	}

	result, err := e.execute(order, bound, e.cap, false)
	if err != nil {
		e.releaseRemainder(order)
		return nil, err
	}

	// Whatever is left of the reservation unwinds with the remainder.
	if _, ok := e.ledger.Reservation(resID); ok {
		if err := e.ledger.ReleaseMargin(e.cap, resID); err != nil {
			return nil, err
		}
	}
	if result.Filled == 0 && result.Netted == 0 {
		return nil, ErrPriceBound
	}
	return result, nil
}

// Cancel removes a resting order and returns its unused reservation.
func (e *Engine) Cancel(orderID string) error {
	order := e.book.remove(orderID)
	if order == nil {
		return ErrUnknownOrder
	}
	if _, ok := e.ledger.Reservation(order.ReservationID); ok {
		return e.ledger.ReleaseMargin(e.cap, order.ReservationID)
	}
	return nil
}

// CancelAll removes every resting order the account has in this market.
// Returns the number cancelled.
func (e *Engine) CancelAll(account uuid.UUID) (int, error) {
	ids := e.book.ordersOf(account)
	for _, id := range ids {
		if err := e.Cancel(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Drain cancels every resting order, used before terminal settlement.
func (e *Engine) Drain() (int, error) {
	ids := e.book.allOrders()
	for _, id := range ids {
		if err := e.Cancel(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// ForcedClose sells down (or buys back) a liquidated position against
// the book, bounded to slippageBps around the mark. positionSize is the
// signed size being closed; fills run under the liquidator capability
// with no reservation and no taker fee. Returns the trades and the
// quantity actually closed.
func (e *Engine) ForcedClose(liqCap ledger.Capability, account uuid.UUID, positionSize, slippageBps int64) (*SubmitResult, error) {
	if !liqCap.Has(ledger.RoleLiquidator) {
		return nil, ledger.ErrUnauthorized
	}
	if positionSize == 0 {
		return nil, ledger.ErrInvalidAmount
	}
	if slippageBps <= 0 {
		slippageBps = DefaultSlippageBps
	}
	mk := e.ledger.Market(e.market)
	if mk == nil {
		return nil, ledger.ErrUnknownMarket
	}

	side := SideSell
	qty := positionSize
	if positionSize < 0 {
		side = SideBuy
		qty = -positionSize
	}
	bound, err := e.slippageBound(mk, side, slippageBps)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:        e.newID(),
		Account:   account,
		Market:    e.market,
		Side:      side,
		Price:     bound,
		Quantity:  qty,
		CreatedAt: e.now(),
	}
	return e.execute(order, bound, liqCap, true)
}

// execute walks the opposite side in price-time priority. Crossing the
// account's own resting orders nets quantity away without a trade or
// fee. takerCap settles the taker legs; forced closes pay no taker fee.
func (e *Engine) execute(taker *Order, bound int64, takerCap ledger.Capability, forced bool) (*SubmitResult, error) {
	mk := e.ledger.Market(e.market)
	opposite := e.book.sideFor(taker.Side.opposite())
	result := &SubmitResult{OrderID: taker.ID}

	for taker.Remaining() > 0 {
		best := opposite.best()
		if best == nil || !crosses(taker.Side, bound, best.price) {
			break
		}
		makerElem := best.orders.Front()
		if makerElem == nil {
			break
		}
		maker := makerElem.Value.(*Order)

		matchQty := taker.Remaining()
		if r := maker.Remaining(); r < matchQty {
			matchQty = r
		}

		if maker.Account == taker.Account {
			if err := e.netSelfCross(mk, taker, maker, matchQty); err != nil {
				return nil, err
			}
			result.Netted += matchQty
			continue
		}

		trade, gap, err := e.settleMatch(mk, taker, maker, matchQty, takerCap, forced)
		if err != nil {
			return nil, err
		}
		result.Trades = append(result.Trades, trade)
		result.Filled += matchQty
		result.GapLoss += gap
	}
	return result, nil
}

// netSelfCross cancels matchQty of the account's own resting order
// instead of trading with it. No trade, no fee, and both orders shrink.
func (e *Engine) netSelfCross(mk *ledger.Market, taker, maker *Order, matchQty int64) error {
	released, err := e.worstCase(mk, matchQty, maker.Price)
	if err != nil {
		return err
	}
	maker.Quantity -= matchQty
	taker.Quantity -= matchQty
	if maker.Remaining() <= 0 {
		e.book.remove(maker.ID)
	}
	if res, ok := e.ledger.Reservation(maker.ReservationID); ok {
		if released > res.Amount {
			released = res.Amount
		}
		if released > 0 {
			if err := e.ledger.ReleaseMarginPartial(e.cap, maker.ReservationID, released); err != nil {
				return err
			}
		}
	}
	e.log.Debug().
		Str("account", taker.Account.String()).
		Int64("netted", matchQty).
		Msg("self-cross netted without execution")
	return nil
}

// settleMatch applies one fill at the maker's price to both legs and
// folds the trade into the mark window.
func (e *Engine) settleMatch(mk *ledger.Market, taker, maker *Order, matchQty int64, takerCap ledger.Capability, forced bool) (Trade, int64, error) {
	price := maker.Price
	notional, err := fixed.Notional(matchQty, price)
	if err != nil {
		return Trade{}, 0, err
	}
	fee, err := fixed.ApplyBps(notional, mk.FeeBps)
	if err != nil {
		return Trade{}, 0, err
	}
	takerFee := fee
	if forced {
		takerFee = 0
	}

	makerLeg := ledger.FillLeg{
		Account:       maker.Account,
		Market:        e.market,
		SizeDelta:     maker.Side.Sign() * matchQty,
		Price:         price,
		Fee:           fee,
		ReservationID: maker.ReservationID,
	}
	takerLeg := ledger.FillLeg{
		Account:       taker.Account,
		Market:        e.market,
		SizeDelta:     taker.Side.Sign() * matchQty,
		Price:         price,
		Fee:           takerFee,
		ReservationID: taker.ReservationID,
	}

	// The taker leg can fail even after a successful reservation: a sell
	// filling above its limit needs more initial margin than was reserved
	// at the limit price. Validate it before the maker's leg commits so a
	// rejection leaves neither side half-applied.
	if err := e.ledger.CheckFill(takerCap, takerLeg); err != nil {
		return Trade{}, 0, err
	}
	if _, err := e.ledger.ApplyFill(e.cap, makerLeg); err != nil {
		return Trade{}, 0, err
	}
	takerFill, err := e.ledger.ApplyFill(takerCap, takerLeg)
	if err != nil {
		return Trade{}, 0, err
	}

	maker.Filled += matchQty
	taker.Filled += matchQty
	if maker.Remaining() <= 0 {
		e.book.remove(maker.ID)
	}

	if err := e.ledger.RecordTrade(e.cap, e.market, price, matchQty, e.book.Mid()); err != nil {
		return Trade{}, 0, err
	}

	trade := Trade{
		ID:           e.newID(),
		Market:       e.market,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Maker:        maker.Account,
		Taker:        taker.Account,
		Price:        price,
		Size:         matchQty,
		TakerSide:    taker.Side,
		MakerFee:     fee,
		TakerFee:     takerFee,
		ExecutedAt:   e.now(),
	}
	e.emit(event.TypeTradeExecuted, &e.market, event.TradeExecuted{
		TradeID: trade.ID,
		Market:  e.market,
		Maker:   maker.Account,
		Taker:   taker.Account,
		Price:   price,
		Size:    matchQty,
		Fee:     fee + takerFee,
	})
	return trade, takerFill.GapLoss, nil
}

// releaseRemainder returns whatever is left of the order's reservation
// after a rejected execution, so the rejection leaves no locked residue.
func (e *Engine) releaseRemainder(order *Order) {
	if _, ok := e.ledger.Reservation(order.ReservationID); !ok {
		return
	}
	if err := e.ledger.ReleaseMargin(e.cap, order.ReservationID); err != nil {
		e.log.Error().Err(err).Str("order", order.ID).
			Msg("reservation release after rejected execution failed")
	}
}

// releaseExcess trims the order's reservation down to what its resting
// remainder still needs.
func (e *Engine) releaseExcess(mk *ledger.Market, order *Order) error {
	res, ok := e.ledger.Reservation(order.ReservationID)
	if !ok {
		return nil
	}
	var needed int64
	if order.Remaining() > 0 {
		var err error
		needed, err = e.worstCase(mk, order.Remaining(), order.Price)
		if err != nil {
			return err
		}
	}
	if excess := res.Amount - needed; excess > 0 {
		return e.ledger.ReleaseMarginPartial(e.cap, order.ReservationID, excess)
	}
	return nil
}

// worstCase is the initial margin plus fee for qty at price.
func (e *Engine) worstCase(mk *ledger.Market, qty, price int64) (int64, error) {
	notional, err := fixed.Notional(qty, price)
	if err != nil {
		return 0, err
	}
	margin, err := fixed.ApplyRatio(notional, mk.InitialMarginRatio)
	if err != nil {
		return 0, err
	}
	fee, err := fixed.ApplyBps(notional, mk.FeeBps)
	if err != nil {
		return 0, err
	}
	return fixed.AddChecked(margin, fee)
}

// slippageBound derives the worst acceptable execution price around the
// mark, falling back to the book mid before a first mark exists.
func (e *Engine) slippageBound(mk *ledger.Market, side Side, slippageBps int64) (int64, error) {
	ref := mk.Mark.Price
	if ref == 0 {
		ref = e.book.Mid()
	}
	if ref == 0 {
		return 0, ErrPriceBound
	}
	offset, err := fixed.ApplyBps(ref, slippageBps)
	if err != nil {
		return 0, err
	}
	if side == SideBuy {
		return fixed.AddChecked(ref, offset)
	}
	bound, err := fixed.SubChecked(ref, offset)
	if err != nil {
		return 0, err
	}
	if bound <= 0 {
		return 0, ErrPriceBound
	}
	return bound, nil
}

func crosses(takerSide Side, bound, makerPrice int64) bool {
	if takerSide == SideBuy {
		return makerPrice <= bound
	}
	return makerPrice >= bound
}

func (e *Engine) newID() string {
	return ulid.MustNew(ulid.Timestamp(e.now()), e.entropy).String()
}
