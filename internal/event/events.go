// Package event defines the outbound domain events the clearinghouse emits
// on every state change. Events are observational: external indexers and
// dashboards consume them, the core never depends on them for correctness.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposit
	TypeWithdrawal
	TypeExternalCredit
	TypeExternalDebit
	TypeMarginLocked
	TypeMarginReleased
	TypeTradeExecuted
	TypePositionUpdated
	TypeOrderRejected
	TypeLiquidationExecuted
	TypeMarketRegistered
	TypeMarkPriceUpdated
	TypeMarketSettled
)

func (t Type) String() string {
	switch t {
	case TypeDeposit:
		return "Deposit"
	case TypeWithdrawal:
		return "Withdrawal"
	case TypeExternalCredit:
		return "ExternalCredit"
	case TypeExternalDebit:
		return "ExternalDebit"
	case TypeMarginLocked:
		return "MarginLocked"
	case TypeMarginReleased:
		return "MarginReleased"
	case TypeTradeExecuted:
		return "TradeExecuted"
	case TypePositionUpdated:
		return "PositionUpdated"
	case TypeOrderRejected:
		return "OrderRejected"
	case TypeLiquidationExecuted:
		return "LiquidationExecuted"
	case TypeMarketRegistered:
		return "MarketRegistered"
	case TypeMarkPriceUpdated:
		return "MarkPriceUpdated"
	case TypeMarketSettled:
		return "MarketSettled"
	default:
		return "Unknown"
	}
}

// Envelope wraps every emitted event. Sequence is the clearing core's
// global monotonic counter; StateHash chains each event to the previous
// one so the log is tamper-evident.
type Envelope struct {
	Sequence  int64       `json:"sequence"`
	EventType Type        `json:"event_type"`
	Market    *string     `json:"market,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
	StateHash [32]byte    `json:"state_hash"`
	PrevHash  [32]byte    `json:"prev_hash"`
}

// Deposit is emitted for native collateral deposits and withdrawals
// (Amount is positive for deposits, negative for withdrawals).
type Deposit struct {
	Account uuid.UUID `json:"account"`
	Amount  int64     `json:"amount"`
}

// ExternalCredit is emitted when the bridge credits cross-domain collateral.
type ExternalCredit struct {
	Account   uuid.UUID `json:"account"`
	Amount    int64     `json:"amount"`
	DepositID string    `json:"deposit_id"`
}

// ExternalDebit mirrors a pending withdrawal intent on another domain.
type ExternalDebit struct {
	Account uuid.UUID `json:"account"`
	Amount  int64     `json:"amount"`
}

// MarginChange is emitted for locks and releases.
type MarginChange struct {
	Account       uuid.UUID `json:"account"`
	Market        string    `json:"market"`
	Amount        int64     `json:"amount"`
	ReservationID uuid.UUID `json:"reservation_id"`
}

// TradeExecuted records a single match.
type TradeExecuted struct {
	TradeID string    `json:"trade_id"`
	Market  string    `json:"market"`
	Maker   uuid.UUID `json:"maker"`
	Taker   uuid.UUID `json:"taker"`
	Price   int64     `json:"price"`
	Size    int64     `json:"size"`
	Fee     int64     `json:"fee"`
}

// PositionUpdated records the post-fill position state.
type PositionUpdated struct {
	Account     uuid.UUID `json:"account"`
	Market      string    `json:"market"`
	Size        int64     `json:"size"`
	EntryPrice  int64     `json:"entry_price"`
	RealizedPnl int64     `json:"realized_pnl"`
}

// LiquidationExecuted records one forced close.
type LiquidationExecuted struct {
	Account     uuid.UUID `json:"account"`
	Market      string    `json:"market"`
	ClosedSize  int64     `json:"closed_size"`
	ClosePrice  int64     `json:"close_price"`
	Penalty     int64     `json:"penalty"`
	GapLoss     int64     `json:"gap_loss"`
	Socialized  int64     `json:"socialized"`
	BadDebt     int64     `json:"bad_debt"`
	RewardsPaid int64     `json:"rewards_paid"`
}

// MarketRegistered records a new market and its risk parameters.
type MarketRegistered struct {
	Market                 string    `json:"market"`
	InitialMarginRatio     int64     `json:"initial_margin_ratio"`
	MaintenanceMarginRatio int64     `json:"maintenance_margin_ratio"`
	FeeBps                 int64     `json:"fee_bps"`
	SettlementTime         time.Time `json:"settlement_time"`
}

// MarkPriceUpdated records a mark-price recomputation.
type MarkPriceUpdated struct {
	Market string `json:"market"`
	Price  int64  `json:"price"`
}

// MarketSettled records a terminal settlement.
type MarketSettled struct {
	Market        string `json:"market"`
	TerminalPrice int64  `json:"terminal_price"`
	// HaircutRatio at RatioScale: 1_000_000 means winners were paid in
	// full, anything lower is the proportional reduction applied.
	HaircutRatio int64 `json:"haircut_ratio"`
	BadDebt      int64 `json:"bad_debt"`
	Positions    int   `json:"positions"`
}
