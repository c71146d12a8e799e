// Package clearing hosts the deterministic core: a single serialized
// state machine owning the ledger, the per-market books and the
// liquidation engine. Every mutation runs to completion under one lock,
// emits hash-chained events, and hands them to the persistence worker
// (blocking) and the projection fan-out (best effort).
package clearing

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpclear/internal/book"
	"perpclear/internal/event"
	"perpclear/internal/fixed"
	"perpclear/internal/ledger"
	"perpclear/internal/liquidation"
	"perpclear/internal/observability"
)

// CoreOutput is one sequenced event leaving the core.
type CoreOutput struct {
	Envelope *event.Envelope
}

// Core wires the domain engines together and owns the event log head.
type Core struct {
	mu sync.RWMutex

	sequence int64
	hasher   *stateHasher

	ledger *ledger.Ledger
	books  map[string]*book.Engine
	liq    *liquidation.Engine

	// Capabilities are minted once at construction; components never
	// see roles beyond the entrypoints they implement.
	orderFlowCap ledger.Capability
	oracleCap    ledger.Capability
	adminCap     ledger.Capability
	bridgeCap    ledger.Capability

	idempotency *idempotencyChecker

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	pending []pendingEvent

	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

type pendingEvent struct {
	eventType event.Type
	market    *string
	payload   interface{}
}

// Options tunes core construction.
type Options struct {
	StartSequence int64
	// StartStateHash resumes the hash chain from the last durably
	// committed event. Empty means a fresh chain from the genesis seed.
	StartStateHash []byte
	// LRUCapacity bounds the in-memory deposit id cache. Zero means the
	// production default of one million entries.
	LRUCapacity int
	DBChecker   DBIdempotencyChecker
	Metrics     *observability.Metrics
	Clock       func() time.Time
	// LiquidationWindow bounds one poke's scan over the account arena.
	// Zero keeps the engine default.
	LiquidationWindow int
}

func NewCore(persistChan, projectionChan chan<- CoreOutput, log zerolog.Logger, opts Options) *Core {
	if opts.LRUCapacity == 0 {
		opts.LRUCapacity = 1_000_000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Core{
		sequence:       opts.StartSequence,
		hasher:         newStateHasher(),
		books:          make(map[string]*book.Engine),
		orderFlowCap:   ledger.NewCapability(ledger.RoleOrderFlow, ledger.RoleMarkPrice),
		oracleCap:      ledger.NewCapability(ledger.RoleMarkPrice),
		adminCap:       ledger.NewCapability(ledger.RoleMarketAdmin),
		bridgeCap:      ledger.NewCapability(ledger.RoleBridge),
		idempotency:    newIdempotencyChecker(opts.LRUCapacity, opts.DBChecker),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        opts.Metrics,
		log:            log.With().Str("component", "core").Logger(),
		now:            opts.Clock,
	}

	if len(opts.StartStateHash) == 32 {
		var h [32]byte
		copy(h[:], opts.StartStateHash)
		c.hasher.restore(h)
	}

	c.ledger = ledger.New(log)
	c.ledger.SetClock(opts.Clock)
	c.ledger.SetEmitter(c.capture)

	liqCap := ledger.NewCapability(ledger.RoleLiquidator)
	c.liq = liquidation.NewEngine(c.ledger, liqCap, book.DefaultSlippageBps, log)
	c.liq.SetEmitter(c.capture)
	if opts.LiquidationWindow > 0 {
		c.liq.SetWindow(opts.LiquidationWindow)
	}
	return c
}

// WarmIdempotency preloads recently processed deposit ids after restart.
func (c *Core) WarmIdempotency(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.warm(ids)
}

// capture buffers a domain event until the surrounding operation
// commits.
func (c *Core) capture(t event.Type, market *string, payload interface{}) {
	c.pending = append(c.pending, pendingEvent{eventType: t, market: market, payload: payload})
}

// commit stamps every buffered event with a sequence and chained hash
// and pushes them out. Persist sends block so nothing is lost;
// projection sends drop when the consumer lags.
func (c *Core) commit() {
	for _, p := range c.pending {
		digest, err := json.Marshal(p.payload)
		if err != nil {
			digest = []byte(p.eventType.String())
		}
		start := time.Now()
		prev := c.hasher.prev()
		hash := c.hasher.computeHash(c.sequence, digest)
		if c.metrics != nil {
			c.metrics.CoreStateHashDur.Observe(time.Since(start).Seconds())
		}

		out := CoreOutput{Envelope: &event.Envelope{
			Sequence:  c.sequence,
			EventType: p.eventType,
			Market:    p.market,
			Timestamp: c.now(),
			Payload:   p.payload,
			StateHash: hash,
			PrevHash:  prev,
		}}
		if c.persistChan != nil {
			select {
			case c.persistChan <- out:
			default:
				if c.metrics != nil {
					c.metrics.PersistBackpressure.Inc()
				}
				c.persistChan <- out
			}
		}
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- out:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.Inc()
				}
			}
		}
		c.sequence++
	}
	c.pending = c.pending[:0]
	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
}

// discard drops buffered events after a rejected operation.
func (c *Core) discard() {
	c.pending = c.pending[:0]
}

func (c *Core) finish(op string, start time.Time, err error) error {
	if err != nil {
		c.discard()
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(op, reason(err)).Inc()
		}
		return err
	}
	c.commit()
	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return "applied"
	}
	return reason(err)
}

func reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return "duplicate"
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid"
	case errors.Is(err, ledger.ErrMarketSettled), errors.Is(err, ledger.ErrAlreadySettled):
		return "settled"
	case errors.Is(err, ledger.ErrSettlementNotDue):
		return "not_due"
	case errors.Is(err, book.ErrPriceBound):
		return "price_bound"
	default:
		return "error"
	}
}

// Sequence is the next sequence number the core will assign.
func (c *Core) Sequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// ---------------------------------------------------------------------
// Collateral operations
// ---------------------------------------------------------------------

func (c *Core) Deposit(account uuid.UUID, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()
	return c.finish("deposit", start, c.ledger.Deposit(account, amount))
}

func (c *Core) Withdraw(account uuid.UUID, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()
	return c.finish("withdraw", start, c.ledger.Withdraw(account, amount))
}

// CreditExternal applies a bridge deposit exactly once. The LRU and the
// optional Postgres checker screen replays before the ledger's own
// processed set does.
func (c *Core) CreditExternal(account uuid.UUID, amount int64, depositID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	if c.idempotency.isDuplicate(depositID) {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues("lru").Inc()
		}
		return c.finish("credit_external", start, ledger.ErrAlreadyProcessed)
	}
	err := c.ledger.CreditExternal(c.bridgeCap, account, amount, depositID)
	if err == nil {
		c.idempotency.markProcessed(depositID)
	}
	if c.metrics != nil {
		c.metrics.BridgeCredits.WithLabelValues(resultLabel(err)).Inc()
	}
	return c.finish("credit_external", start, err)
}

func (c *Core) DebitExternal(account uuid.UUID, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()
	err := c.ledger.DebitExternal(c.bridgeCap, account, amount)
	if c.metrics != nil {
		c.metrics.BridgeDebits.WithLabelValues(resultLabel(err)).Inc()
	}
	return c.finish("debit_external", start, err)
}

// ---------------------------------------------------------------------
// Market administration
// ---------------------------------------------------------------------

// RegisterMarket creates the market, its matching engine and its
// liquidation wiring in one step.
func (c *Core) RegisterMarket(p ledger.MarketParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	if err := c.ledger.RegisterMarket(c.adminCap, p); err != nil {
		return c.finish("register_market", start, err)
	}
	bk := book.NewEngine(p.ID, c.ledger, c.orderFlowCap, c.log)
	bk.SetEmitter(c.capture)
	bk.SetClock(c.now)
	c.books[p.ID] = bk
	c.liq.RegisterBook(p.ID, bk)
	return c.finish("register_market", start, nil)
}

func (c *Core) SetMarkPrice(market string, price int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	err := c.ledger.SetMarkPrice(c.oracleCap, market, price)
	if err == nil && c.metrics != nil {
		c.metrics.MarkPrice.WithLabelValues(market).Set(float64(price) / float64(fixed.PriceScale))
	}
	return c.finish("set_mark_price", start, err)
}

// SettleMarket drains the book and runs terminal settlement.
func (c *Core) SettleMarket(market string, terminalPrice int64) (ledger.SettlementReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	report, err := c.liq.Settle(c.adminCap, market, terminalPrice)
	if err == nil && c.metrics != nil {
		c.metrics.SettlementHaircut.WithLabelValues(market).
			Set(float64(report.HaircutRatio) / float64(fixed.RatioScale))
		if report.BadDebt > 0 {
			c.metrics.BadDebt.WithLabelValues(market).Add(float64(report.BadDebt))
		}
	}
	return report, c.finish("settle_market", start, err)
}

// ---------------------------------------------------------------------
// Order flow
// ---------------------------------------------------------------------

func (c *Core) SubmitLimit(market string, account uuid.UUID, side book.Side, price, quantity int64) (*book.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	bk, ok := c.books[market]
	if !ok {
		return nil, c.finish("submit_limit", start, ledger.ErrUnknownMarket)
	}
	res, err := bk.SubmitLimit(account, side, price, quantity)
	c.recordOrderMetrics(market, "limit", res, err)
	return res, c.finish("submit_limit", start, err)
}

func (c *Core) SubmitMarket(market string, account uuid.UUID, side book.Side, quantity, slippageBps int64) (*book.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	bk, ok := c.books[market]
	if !ok {
		return nil, c.finish("submit_market", start, ledger.ErrUnknownMarket)
	}
	res, err := bk.SubmitMarket(account, side, quantity, slippageBps)
	c.recordOrderMetrics(market, "market", res, err)
	return res, c.finish("submit_market", start, err)
}

func (c *Core) CancelOrder(market, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	bk, ok := c.books[market]
	if !ok {
		return c.finish("cancel_order", start, ledger.ErrUnknownMarket)
	}
	return c.finish("cancel_order", start, bk.Cancel(orderID))
}

func (c *Core) recordOrderMetrics(market, orderType string, res *book.SubmitResult, err error) {
	if c.metrics == nil {
		return
	}
	if err != nil {
		c.metrics.OrdersRejected.WithLabelValues(market, reason(err)).Inc()
		return
	}
	c.metrics.OrdersSubmitted.WithLabelValues(market, orderType).Inc()
	if res == nil {
		return
	}
	c.metrics.TradesExecuted.WithLabelValues(market).Add(float64(len(res.Trades)))
	for _, tr := range res.Trades {
		if n, nerr := fixed.Notional(tr.Size, tr.Price); nerr == nil {
			c.metrics.TradeNotional.WithLabelValues(market).Add(float64(n) / float64(fixed.QuoteScale))
		}
	}
	if res.Netted > 0 {
		c.metrics.SelfCrossNetted.WithLabelValues(market).Add(float64(res.Netted) / float64(fixed.QuantityScale))
	}
	if mk := c.ledger.Market(market); mk != nil {
		c.metrics.MarkPrice.WithLabelValues(market).Set(float64(mk.Mark.Price) / float64(fixed.PriceScale))
		c.metrics.OpenInterest.WithLabelValues(market).Set(float64(mk.OpenInterest) / float64(fixed.QuantityScale))
	}
}

// ---------------------------------------------------------------------
// Liquidation
// ---------------------------------------------------------------------

// PokeLiquidations advances the market's sweep cursor one window.
func (c *Core) PokeLiquidations(market string) (liquidation.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	out, err := c.liq.Poke(market)
	if err == nil && c.metrics != nil {
		c.metrics.LiquidationScans.WithLabelValues(market).Add(float64(out.Scanned))
		c.metrics.LiquidationsExecuted.WithLabelValues(market).Add(float64(len(out.Liquidations)))
		c.metrics.PenaltyPoolBalance.Set(float64(c.liq.PenaltyPool()) / float64(fixed.QuoteScale))
		for _, l := range out.Liquidations {
			if l.Socialized > 0 {
				c.metrics.SocializedLoss.WithLabelValues(market).Add(float64(l.Socialized) / float64(fixed.QuoteScale))
			}
			if l.BadDebt > 0 {
				c.metrics.BadDebt.WithLabelValues(market).Add(float64(l.BadDebt) / float64(fixed.QuoteScale))
			}
		}
	}
	return out, c.finish("poke_liquidations", start, err)
}

// ---------------------------------------------------------------------
// Read access
// ---------------------------------------------------------------------

// View runs fn with the core read-locked, handing it the sequence the
// view was taken at. fn must not retain references past its return, and
// must not call back into the core: the lock is not reentrant.
func (c *Core) View(fn func(l *ledger.Ledger, books map[string]*book.Engine, seq int64)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.ledger, c.books, c.sequence)
}
