package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpclear/internal/event"
	"perpclear/internal/fixed"
	"perpclear/internal/position"
)

// Emitter receives domain events for every applied mutation. The clearing
// core installs one that stamps sequence numbers and hash-chains the log.
type Emitter func(t event.Type, market *string, payload interface{})

// MarketParams carries the risk configuration for RegisterMarket.
type MarketParams struct {
	ID                     string
	InitialMarginRatio     int64
	MaintenanceMarginRatio int64
	FeeBps                 int64
	LiquidationPenaltyBps  int64
	SettlementTime         time.Time
}

// FillLeg is one side of an execution handed to ApplyFill. SizeDelta is
// signed from the leg owner's point of view. ReservationID is uuid.Nil
// for forced closes, which draw no fresh margin.
type FillLeg struct {
	Account       uuid.UUID
	Market        string
	SizeDelta     int64
	Price         int64
	Fee           int64
	ReservationID uuid.UUID
}

// FillResult reports what ApplyFill did to the leg owner's balances.
type FillResult struct {
	Netting        position.Netting
	MarginLocked   int64
	MarginReleased int64
	FeePaid        int64
	// GapLoss is the part of a realized loss or fee the account could not
	// cover after its margin and free collateral were exhausted. The
	// liquidation engine decides how it is absorbed.
	GapLoss int64
}

// SettlementReport summarizes a terminal settlement.
type SettlementReport struct {
	Market        string
	TerminalPrice int64
	HaircutRatio  int64
	Collected     int64
	TotalWins     int64
	BadDebt       int64
	Positions     int
}

// Ledger is the collateral and position book. It is not goroutine safe:
// the clearing core serializes all access on its event loop.
type Ledger struct {
	log zerolog.Logger

	accounts map[uuid.UUID]*Account
	// arena is the append-only account index. Liquidation sweeps address
	// accounts by position in this slice so their cursors stay valid as
	// new accounts join.
	arena []*Account

	markets      map[string]*Market
	reservations map[uuid.UUID]*Reservation

	processedDeposits map[string]struct{}

	feePool int64

	totalDeposited int64
	totalWithdrawn int64

	emit Emitter
	now  func() time.Time
}

func New(log zerolog.Logger) *Ledger {
	return &Ledger{
		log:               log.With().Str("component", "ledger").Logger(),
		accounts:          make(map[uuid.UUID]*Account),
		markets:           make(map[string]*Market),
		reservations:      make(map[uuid.UUID]*Reservation),
		processedDeposits: make(map[string]struct{}),
		emit:              func(event.Type, *string, interface{}) {},
		now:               time.Now,
	}
}

// SetEmitter installs the event sink. Must be called before the first
// mutation.
func (l *Ledger) SetEmitter(e Emitter) { l.emit = e }

// SetClock overrides the time source, used by tests and replay.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// ---------------------------------------------------------------------
// Collateral
// ---------------------------------------------------------------------

// Deposit adds native collateral, creating the account on first sight.
func (l *Ledger) Deposit(accountID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct := l.getOrCreate(accountID)
	native, err := fixed.AddChecked(acct.Native, amount)
	if err != nil {
		return err
	}
	acct.Native = native
	acct.UpdatedAt = l.now()
	l.totalDeposited += amount

	l.emit(event.TypeDeposit, nil, event.Deposit{Account: accountID, Amount: amount})
	return nil
}

// Withdraw removes native collateral. Credit never leaves through here,
// and the account must stay above its maintenance floor afterwards.
func (l *Ledger) Withdraw(accountID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if acct.Native < amount {
		return ErrInsufficientCollateral
	}

	acct.Native -= amount
	eq, err := l.Equity(accountID)
	if err == nil {
		var maint int64
		maint, err = l.MaintenanceRequirement(accountID)
		if err == nil && eq < maint {
			err = ErrInsufficientCollateral
		}
	}
	if err != nil {
		acct.Native += amount
		return err
	}

	acct.UpdatedAt = l.now()
	l.totalWithdrawn += amount

	l.emit(event.TypeWithdrawal, nil, event.Deposit{Account: accountID, Amount: -amount})
	return nil
}

// CreditExternal applies a cross-domain deposit exactly once per
// depositID. Replays return ErrAlreadyProcessed without changing state.
func (l *Ledger) CreditExternal(cap Capability, accountID uuid.UUID, amount int64, depositID string) error {
	if err := require(cap, RoleBridge); err != nil {
		return err
	}
	if amount <= 0 || depositID == "" {
		return ErrInvalidAmount
	}
	if _, dup := l.processedDeposits[depositID]; dup {
		return ErrAlreadyProcessed
	}
	acct := l.getOrCreate(accountID)
	credit, err := fixed.AddChecked(acct.Credit, amount)
	if err != nil {
		return err
	}
	acct.Credit = credit
	acct.UpdatedAt = l.now()
	l.processedDeposits[depositID] = struct{}{}

	l.emit(event.TypeExternalCredit, nil, event.ExternalCredit{
		Account: accountID, Amount: amount, DepositID: depositID,
	})
	return nil
}

// DebitExternal burns free credit to mirror a withdrawal on the other
// domain. Only the free credit bucket is spendable here.
func (l *Ledger) DebitExternal(cap Capability, accountID uuid.UUID, amount int64) error {
	if err := require(cap, RoleBridge); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if acct.Credit < amount {
		return ErrInsufficientCollateral
	}
	acct.Credit -= amount
	acct.UpdatedAt = l.now()

	l.emit(event.TypeExternalDebit, nil, event.ExternalDebit{Account: accountID, Amount: amount})
	return nil
}

// WasProcessed reports whether a bridge depositID has been applied.
func (l *Ledger) WasProcessed(depositID string) bool {
	_, ok := l.processedDeposits[depositID]
	return ok
}

// ---------------------------------------------------------------------
// Margin
// ---------------------------------------------------------------------

// ReserveMargin locks free collateral for a resting order and returns
// the reservation handle fills and cancels refer to.
func (l *Ledger) ReserveMargin(cap Capability, accountID uuid.UUID, market string, amount int64) (uuid.UUID, error) {
	if err := require(cap, RoleOrderFlow); err != nil {
		return uuid.Nil, err
	}
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	mk, ok := l.markets[market]
	if !ok {
		return uuid.Nil, ErrUnknownMarket
	}
	if mk.Settled {
		return uuid.Nil, ErrMarketSettled
	}
	acct, ok := l.accounts[accountID]
	if !ok {
		return uuid.Nil, ErrUnknownAccount
	}
	if acct.Available() < amount {
		return uuid.Nil, ErrInsufficientCollateral
	}

	acct.lock(amount)
	acct.UpdatedAt = l.now()
	res := &Reservation{ID: uuid.New(), Account: accountID, Market: market, Amount: amount}
	l.reservations[res.ID] = res

	l.emit(event.TypeMarginLocked, &market, event.MarginChange{
		Account: accountID, Market: market, Amount: amount, ReservationID: res.ID,
	})
	return res.ID, nil
}

// ReleaseMargin returns an unused reservation to the free buckets.
func (l *Ledger) ReleaseMargin(cap Capability, reservationID uuid.UUID) error {
	if err := require(cap, RoleOrderFlow); err != nil {
		return err
	}
	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	acct := l.accounts[res.Account]
	acct.unlock(res.Amount)
	acct.UpdatedAt = l.now()
	delete(l.reservations, reservationID)

	l.emit(event.TypeMarginReleased, &res.Market, event.MarginChange{
		Account: res.Account, Market: res.Market, Amount: -res.Amount, ReservationID: res.ID,
	})
	return nil
}

// ReleaseMarginPartial returns part of a reservation to the free
// buckets, used when resting quantity is netted away without a fill.
func (l *Ledger) ReleaseMarginPartial(cap Capability, reservationID uuid.UUID, amount int64) error {
	if err := require(cap, RoleOrderFlow); err != nil {
		return err
	}
	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if amount <= 0 || amount > res.Amount {
		return ErrInvalidAmount
	}
	acct := l.accounts[res.Account]
	acct.unlock(amount)
	acct.UpdatedAt = l.now()
	res.Amount -= amount
	if res.Amount == 0 {
		delete(l.reservations, reservationID)
	}

	l.emit(event.TypeMarginReleased, &res.Market, event.MarginChange{
		Account: res.Account, Market: res.Market, Amount: -amount, ReservationID: reservationID,
	})
	return nil
}

// Reservation looks up a live reservation.
func (l *Ledger) Reservation(id uuid.UUID) (*Reservation, bool) {
	r, ok := l.reservations[id]
	return r, ok
}

// ---------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------

// fillPlan is one leg's validated outcome, computed before any state
// changes so a rejected leg leaves no residue.
type fillPlan struct {
	mk   *Market
	acct *Account
	pos  *Position

	oldSize, oldEntry, oldMargin        int64
	n                                   position.Netting
	released, required, fromReservation int64
}

// prepareFill validates one execution leg and computes everything its
// application needs, without mutating any state.
func (l *Ledger) prepareFill(cap Capability, leg FillLeg) (fillPlan, error) {
	if !cap.Has(RoleOrderFlow) && !cap.Has(RoleLiquidator) {
		return fillPlan{}, ErrUnauthorized
	}
	if leg.SizeDelta == 0 || leg.Price <= 0 || leg.Fee < 0 {
		return fillPlan{}, ErrInvalidAmount
	}
	mk, ok := l.markets[leg.Market]
	if !ok {
		return fillPlan{}, ErrUnknownMarket
	}
	if mk.Settled {
		return fillPlan{}, ErrMarketSettled
	}
	acct, ok := l.accounts[leg.Account]
	if !ok {
		return fillPlan{}, ErrUnknownAccount
	}

	p := fillPlan{mk: mk, acct: acct, pos: acct.Positions[leg.Market]}
	if p.pos != nil {
		p.oldSize, p.oldEntry, p.oldMargin = p.pos.Size, p.pos.Entry, p.pos.Margin
	}

	var err error
	p.n, err = position.Net(p.oldSize, p.oldEntry, leg.SizeDelta, leg.Price)
	if err != nil {
		return fillPlan{}, err
	}

	closed, opened := splitFill(p.oldSize, leg.SizeDelta)

	if closed > 0 {
		if closed == abs(p.oldSize) {
			p.released = p.oldMargin
		} else {
			p.released, err = fixed.MulDiv(p.oldMargin, closed, abs(p.oldSize))
			if err != nil {
				return fillPlan{}, err
			}
		}
	}

	if opened > 0 {
		p.required, err = mk.initialMargin(opened, leg.Price)
		if err != nil {
			return fillPlan{}, err
		}
	}

	if p.required > 0 {
		if leg.ReservationID != uuid.Nil {
			res, ok := l.reservations[leg.ReservationID]
			if !ok {
				return fillPlan{}, ErrUnknownReservation
			}
			p.fromReservation = p.required
			if p.fromReservation > res.Amount {
				p.fromReservation = res.Amount
			}
		}
		if p.required-p.fromReservation > acct.Available() {
			return fillPlan{}, ErrInsufficientCollateral
		}
	}
	return p, nil
}

// CheckFill validates a fill leg without applying it. The matching
// engine checks the second leg of a match before committing the first,
// so a rejection cannot leave half a match settled.
func (l *Ledger) CheckFill(cap Capability, leg FillLeg) error {
	_, err := l.prepareFill(cap, leg)
	return err
}

// ApplyFill applies one execution leg: nets the position, moves margin
// between reservation, position and free buckets, realizes PnL and
// charges the fee. Order flow and the liquidator are the only callers.
func (l *Ledger) ApplyFill(cap Capability, leg FillLeg) (FillResult, error) {
	p, err := l.prepareFill(cap, leg)
	if err != nil {
		return FillResult{}, err
	}
	mk, acct, pos := p.mk, p.acct, p.pos
	n := p.n
	released, required, fromReservation := p.released, p.required, p.fromReservation
	oldSize, oldMargin := p.oldSize, p.oldMargin

	// Mutations start here.
	if fromReservation > 0 {
		res := l.reservations[leg.ReservationID]
		res.Amount -= fromReservation
		if res.Amount == 0 {
			delete(l.reservations, leg.ReservationID)
		}
	}
	if topUp := required - fromReservation; topUp > 0 {
		acct.lock(topUp)
	}

	acct.unlock(released)

	// Fees were reserved alongside margin at submit time, so draw the
	// reservation down before touching free collateral.
	if leg.Fee > 0 && leg.ReservationID != uuid.Nil {
		if res, ok := l.reservations[leg.ReservationID]; ok {
			feeFromRes := leg.Fee
			if feeFromRes > res.Amount {
				feeFromRes = res.Amount
			}
			res.Amount -= feeFromRes
			if res.Amount == 0 {
				delete(l.reservations, leg.ReservationID)
			}
			acct.unlock(feeFromRes)
		}
	}

	var gapLoss int64
	if n.RealizedPnl > 0 {
		native, err2 := fixed.AddChecked(acct.Native, n.RealizedPnl)
		if err2 != nil {
			return FillResult{}, err2
		}
		acct.Native = native
	} else if n.RealizedPnl < 0 {
		gapLoss = acct.spendFree(-n.RealizedPnl)
	}
	acct.addRealized(n.RealizedPnl)

	feeShort := acct.spendFree(leg.Fee)
	l.feePool += leg.Fee - feeShort
	gapLoss += feeShort

	if n.NewSize == 0 {
		delete(acct.Positions, leg.Market)
	} else {
		if pos == nil {
			pos = &Position{Account: leg.Account, Market: leg.Market}
			acct.Positions[leg.Market] = pos
		}
		pos.Size = n.NewSize
		pos.Entry = n.NewEntry
		pos.Margin = oldMargin - released + required
		pos.UpdatedAt = l.now()
	}
	// Open interest counts each contract once, on the long side, so one
	// trade between two flat accounts adds its size a single time.
	mk.OpenInterest += longSide(n.NewSize) - longSide(oldSize)
	acct.UpdatedAt = l.now()

	l.emit(event.TypePositionUpdated, &leg.Market, event.PositionUpdated{
		Account:     leg.Account,
		Market:      leg.Market,
		Size:        n.NewSize,
		EntryPrice:  n.NewEntry,
		RealizedPnl: n.RealizedPnl,
	})

	return FillResult{
		Netting:        n,
		MarginLocked:   required,
		MarginReleased: released,
		FeePaid:        leg.Fee - feeShort,
		GapLoss:        gapLoss,
	}, nil
}

// splitFill decomposes a signed fill into the quantity that closes
// existing exposure and the quantity that opens new exposure.
// longSide is the long half of a signed size, used for the one-sided
// open interest convention.
func longSide(v int64) int64 {
	if v > 0 {
		return v
	}
	return 0
}

func splitFill(oldSize, delta int64) (closed, opened int64) {
	switch {
	case oldSize == 0 || (oldSize > 0) == (delta > 0):
		return 0, abs(delta)
	case abs(delta) <= abs(oldSize):
		return abs(delta), 0
	default:
		return abs(oldSize), abs(delta) - abs(oldSize)
	}
}

// ---------------------------------------------------------------------
// Markets and marks
// ---------------------------------------------------------------------

// RegisterMarket creates a market with its risk parameters.
func (l *Ledger) RegisterMarket(cap Capability, p MarketParams) error {
	if err := require(cap, RoleMarketAdmin); err != nil {
		return err
	}
	if p.ID == "" || p.InitialMarginRatio <= 0 || p.InitialMarginRatio > fixed.RatioScale ||
		p.MaintenanceMarginRatio <= 0 || p.MaintenanceMarginRatio > p.InitialMarginRatio ||
		p.FeeBps < 0 || p.LiquidationPenaltyBps < 0 {
		return ErrInvalidAmount
	}
	if _, dup := l.markets[p.ID]; dup {
		return ErrInvalidAmount
	}
	l.markets[p.ID] = &Market{
		ID:                     p.ID,
		InitialMarginRatio:     p.InitialMarginRatio,
		MaintenanceMarginRatio: p.MaintenanceMarginRatio,
		FeeBps:                 p.FeeBps,
		LiquidationPenaltyBps:  p.LiquidationPenaltyBps,
		SettlementTime:         p.SettlementTime,
		CreatedAt:              l.now(),
	}
	l.log.Info().Str("market", p.ID).
		Int64("initial_margin_ratio", p.InitialMarginRatio).
		Int64("maintenance_margin_ratio", p.MaintenanceMarginRatio).
		Msg("market registered")

	l.emit(event.TypeMarketRegistered, &p.ID, event.MarketRegistered{
		Market:                 p.ID,
		InitialMarginRatio:     p.InitialMarginRatio,
		MaintenanceMarginRatio: p.MaintenanceMarginRatio,
		FeeBps:                 p.FeeBps,
		SettlementTime:         p.SettlementTime,
	})
	return nil
}

// SetMarkPrice overrides the mark outright, used by the oracle feed.
func (l *Ledger) SetMarkPrice(cap Capability, market string, price int64) error {
	if err := require(cap, RoleMarkPrice); err != nil {
		return err
	}
	if price <= 0 {
		return ErrInvalidAmount
	}
	mk, ok := l.markets[market]
	if !ok {
		return ErrUnknownMarket
	}
	if mk.Settled {
		return ErrMarketSettled
	}
	mk.Mark.setOverride(price)

	l.emit(event.TypeMarkPriceUpdated, &market, event.MarkPriceUpdated{Market: market, Price: price})
	return nil
}

// ReblendMark refreshes the mark against the current book mid without a
// new trade. Liquidation sweeps call it first so maintenance checks
// price against the live book rather than the last execution.
func (l *Ledger) ReblendMark(cap Capability, market string, mid int64) error {
	if !cap.Has(RoleMarkPrice) && !cap.Has(RoleLiquidator) {
		return ErrUnauthorized
	}
	mk, ok := l.markets[market]
	if !ok {
		return ErrUnknownMarket
	}
	if mk.Settled {
		return ErrMarketSettled
	}
	before := mk.Mark.Price
	mk.Mark.reblend(mid)
	if mk.Mark.Price != before {
		l.emit(event.TypeMarkPriceUpdated, &market, event.MarkPriceUpdated{Market: market, Price: mk.Mark.Price})
	}
	return nil
}

// RecordTrade folds an execution into the trailing mark window and
// reblends the mark against the current book mid.
func (l *Ledger) RecordTrade(cap Capability, market string, price, size, mid int64) error {
	if err := require(cap, RoleMarkPrice); err != nil {
		return err
	}
	mk, ok := l.markets[market]
	if !ok {
		return ErrUnknownMarket
	}
	before := mk.Mark.Price
	mk.Mark.recordTrade(price, size, mid)
	if mk.Mark.Price != before {
		l.emit(event.TypeMarkPriceUpdated, &market, event.MarkPriceUpdated{Market: market, Price: mk.Mark.Price})
	}
	return nil
}

// ---------------------------------------------------------------------
// Risk queries
// ---------------------------------------------------------------------

// Equity is total collateral plus unrealized PnL across all markets,
// at the current marks.
func (l *Ledger) Equity(accountID uuid.UUID) (int64, error) {
	acct, ok := l.accounts[accountID]
	if !ok {
		return 0, ErrUnknownAccount
	}
	eq := acct.Native + acct.Credit + acct.Locked
	for market, pos := range acct.Positions {
		mk := l.markets[market]
		upnl, err := position.UnrealizedPnl(pos.Size, pos.Entry, mk.Mark.Price)
		if err != nil {
			return 0, err
		}
		eq, err = fixed.AddChecked(eq, upnl)
		if err != nil {
			return 0, err
		}
	}
	return eq, nil
}

// MaintenanceRequirement is the summed equity floor across the
// account's open positions.
func (l *Ledger) MaintenanceRequirement(accountID uuid.UUID) (int64, error) {
	acct, ok := l.accounts[accountID]
	if !ok {
		return 0, ErrUnknownAccount
	}
	var total int64
	for market, pos := range acct.Positions {
		mk := l.markets[market]
		m, err := mk.maintenanceMargin(pos.Size)
		if err != nil {
			return 0, err
		}
		total, err = fixed.AddChecked(total, m)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// IsLiquidatable reports whether equity has fallen below the
// maintenance floor.
func (l *Ledger) IsLiquidatable(accountID uuid.UUID) (bool, error) {
	eq, err := l.Equity(accountID)
	if err != nil {
		return false, err
	}
	maint, err := l.MaintenanceRequirement(accountID)
	if err != nil {
		return false, err
	}
	return maint > 0 && eq < maint, nil
}

// ---------------------------------------------------------------------
// Liquidation support
// ---------------------------------------------------------------------

// CollectPenalty takes up to amount from the account's free collateral
// into the caller's penalty pool. Returns what was actually collected.
func (l *Ledger) CollectPenalty(cap Capability, accountID uuid.UUID, amount int64) (int64, error) {
	if err := require(cap, RoleLiquidator); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	acct, ok := l.accounts[accountID]
	if !ok {
		return 0, ErrUnknownAccount
	}
	short := acct.spendFree(amount)
	acct.UpdatedAt = l.now()
	return amount - short, nil
}

// PayReward credits native collateral from the penalty pool, used for
// maker liquidity rewards after a liquidation.
func (l *Ledger) PayReward(cap Capability, accountID uuid.UUID, amount int64) error {
	if err := require(cap, RoleLiquidator); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, ok := l.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	native, err := fixed.AddChecked(acct.Native, amount)
	if err != nil {
		return err
	}
	acct.Native = native
	acct.UpdatedAt = l.now()
	return nil
}

// SocializeLoss spreads an uncovered loss pro rata over the accounts
// holding profitable positions in the market, capped by each account's
// free collateral. The remainder is recorded as bad debt on the market.
func (l *Ledger) SocializeLoss(cap Capability, market string, amount int64) (socialized, badDebt int64, err error) {
	if err := require(cap, RoleLiquidator); err != nil {
		return 0, 0, err
	}
	if amount <= 0 {
		return 0, 0, nil
	}
	mk, ok := l.markets[market]
	if !ok {
		return 0, 0, ErrUnknownMarket
	}

	type winner struct {
		acct *Account
		upnl int64
	}
	var winners []winner
	var totalWin int64
	for _, acct := range l.arena {
		pos, ok := acct.Positions[market]
		if !ok {
			continue
		}
		upnl, perr := position.UnrealizedPnl(pos.Size, pos.Entry, mk.Mark.Price)
		if perr != nil || upnl <= 0 {
			continue
		}
		winners = append(winners, winner{acct: acct, upnl: upnl})
		totalWin += upnl
	}

	remaining := amount
	if totalWin > 0 {
		for _, w := range winners {
			share, serr := fixed.MulDiv(amount, w.upnl, totalWin)
			if serr != nil {
				continue
			}
			if share > remaining {
				share = remaining
			}
			short := w.acct.spendFree(share)
			taken := share - short
			socialized += taken
			remaining -= taken
			if remaining == 0 {
				break
			}
		}
	}
	badDebt = remaining
	mk.BadDebt += badDebt
	if badDebt > 0 {
		l.log.Warn().Str("market", market).
			Int64("socialized", socialized).
			Int64("bad_debt", badDebt).
			Msg("loss exceeded socializable equity")
	}
	return socialized, badDebt, nil
}

// ---------------------------------------------------------------------
// Settlement
// ---------------------------------------------------------------------

// SettleMarket fixes the terminal price, pays out every open position
// and freezes the market. Losses are collected first; if they do not
// cover the winners, payouts are scaled down proportionally and the
// shortfall is recorded as bad debt. Fires exactly once, and only after
// the market's settlement time has passed.
func (l *Ledger) SettleMarket(cap Capability, market string, terminalPrice int64) (SettlementReport, error) {
	if err := require(cap, RoleMarketAdmin); err != nil {
		return SettlementReport{}, err
	}
	if terminalPrice <= 0 {
		return SettlementReport{}, ErrInvalidAmount
	}
	mk, ok := l.markets[market]
	if !ok {
		return SettlementReport{}, ErrUnknownMarket
	}
	if mk.Settled {
		return SettlementReport{}, ErrAlreadySettled
	}
	// A zero settlement time leaves the market settleable at will.
	if !mk.SettlementTime.IsZero() && l.now().Before(mk.SettlementTime) {
		return SettlementReport{}, ErrSettlementNotDue
	}

	// Outstanding reservations in this market unwind before payouts so
	// the locked buckets hold position margin only.
	for id, res := range l.reservations {
		if res.Market != market {
			continue
		}
		l.accounts[res.Account].unlock(res.Amount)
		delete(l.reservations, id)
	}

	type settled struct {
		acct   *Account
		payout int64
	}
	var winners []settled
	var collected, totalWins int64
	var count int

	for _, acct := range l.arena {
		pos, ok := acct.Positions[market]
		if !ok {
			continue
		}
		count++
		payout, err := position.UnrealizedPnl(pos.Size, pos.Entry, terminalPrice)
		if err != nil {
			return SettlementReport{}, err
		}
		acct.unlock(pos.Margin)
		delete(acct.Positions, market)
		acct.UpdatedAt = l.now()

		if payout >= 0 {
			winners = append(winners, settled{acct: acct, payout: payout})
			totalWins += payout
			continue
		}
		loss := -payout
		short := acct.spendFree(loss)
		collected += loss - short
		acct.addRealized(-(loss - short))
	}

	haircut := fixed.RatioScale
	var badDebt int64
	if totalWins > collected {
		var err error
		haircut, err = fixed.MulDiv(collected, fixed.RatioScale, totalWins)
		if err != nil {
			return SettlementReport{}, err
		}
		badDebt = totalWins - collected
	}
	for _, w := range winners {
		paid := w.payout
		if haircut < fixed.RatioScale {
			var err error
			paid, err = fixed.ApplyRatio(w.payout, haircut)
			if err != nil {
				return SettlementReport{}, err
			}
		}
		native, err := fixed.AddChecked(w.acct.Native, paid)
		if err != nil {
			return SettlementReport{}, err
		}
		w.acct.Native = native
		w.acct.addRealized(paid)
	}

	mk.Settled = true
	mk.TerminalPrice = terminalPrice
	mk.Mark.Price = terminalPrice
	mk.BadDebt += badDebt
	mk.OpenInterest = 0

	l.log.Info().Str("market", market).
		Int64("terminal_price", terminalPrice).
		Int64("haircut_ratio", haircut).
		Int64("bad_debt", badDebt).
		Int("positions", count).
		Msg("market settled")

	report := SettlementReport{
		Market:        market,
		TerminalPrice: terminalPrice,
		HaircutRatio:  haircut,
		Collected:     collected,
		TotalWins:     totalWins,
		BadDebt:       badDebt,
		Positions:     count,
	}
	l.emit(event.TypeMarketSettled, &market, event.MarketSettled{
		Market:        market,
		TerminalPrice: terminalPrice,
		HaircutRatio:  haircut,
		BadDebt:       badDebt,
		Positions:     count,
	})
	return report, nil
}

// ---------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------

// Account returns the account, or nil when unknown.
func (l *Ledger) Account(id uuid.UUID) *Account {
	return l.accounts[id]
}

// Market returns the market, or nil when unknown.
func (l *Ledger) Market(id string) *Market {
	return l.markets[id]
}

// Markets returns the market ids in registration-independent map order.
func (l *Ledger) Markets() []*Market {
	out := make([]*Market, 0, len(l.markets))
	for _, mk := range l.markets {
		out = append(out, mk)
	}
	return out
}

// ArenaLen is the number of accounts ever created.
func (l *Ledger) ArenaLen() int { return len(l.arena) }

// AccountAt returns the account at an arena index.
func (l *Ledger) AccountAt(index int) *Account { return l.arena[index] }

// FeePool is the accumulated trading fees.
func (l *Ledger) FeePool() int64 { return l.feePool }

// TotalDeposited and TotalWithdrawn expose the conservation counters.
func (l *Ledger) TotalDeposited() int64 { return l.totalDeposited }
func (l *Ledger) TotalWithdrawn() int64 { return l.totalWithdrawn }

func (l *Ledger) getOrCreate(id uuid.UUID) *Account {
	if acct, ok := l.accounts[id]; ok {
		return acct
	}
	acct := newAccount(id, len(l.arena), l.now())
	l.accounts[id] = acct
	l.arena = append(l.arena, acct)
	return acct
}
