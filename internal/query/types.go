package query

import "github.com/google/uuid"

// BalancesResponse is a point-in-time view of an account's collateral
// buckets. Amounts use the fixed-point quote scale. AsOfSequence is the
// core sequence at read time.
type BalancesResponse struct {
	Account      uuid.UUID `json:"account"`
	Native       int64     `json:"native"`
	Credit       int64     `json:"credit"`
	Locked       int64     `json:"locked"`
	Available    int64     `json:"available"`
	Equity       int64     `json:"equity"`
	RealizedPnl  string    `json:"realized_pnl"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PositionResponse is one open position in a market.
type PositionResponse struct {
	Account       uuid.UUID `json:"account"`
	Market        string    `json:"market"`
	Size          int64     `json:"size"`
	EntryPrice    int64     `json:"entry_price"`
	Margin        int64     `json:"margin"`
	UnrealizedPnl int64     `json:"unrealized_pnl"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// PositionsPage is a cursor-paginated slice of a market's positions.
// NextCursor is absent on the last page.
type PositionsPage struct {
	Market       string             `json:"market"`
	Positions    []PositionResponse `json:"positions"`
	NextCursor   *int               `json:"next_cursor,omitempty"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// PriceLevel is aggregate resting quantity at one price.
type PriceLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
}

// BookResponse is the order book depth snapshot for a market.
type BookResponse struct {
	Market       string       `json:"market"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// MarkResponse is a market's current mark price and risk parameters.
type MarkResponse struct {
	Market                 string `json:"market"`
	MarkPrice              int64  `json:"mark_price"`
	InitialMarginRatio     int64  `json:"initial_margin_ratio"`
	MaintenanceMarginRatio int64  `json:"maintenance_margin_ratio"`
	FeeBps                 int64  `json:"fee_bps"`
	OpenInterest           int64  `json:"open_interest"`
	Settled                bool   `json:"settled"`
	TerminalPrice          int64  `json:"terminal_price,omitempty"`
	AsOfSequence           int64  `json:"as_of_sequence"`
}

// MarketSummary is one entry in the market listing.
type MarketSummary struct {
	Market       string `json:"market"`
	MarkPrice    int64  `json:"mark_price"`
	OpenInterest int64  `json:"open_interest"`
	Settled      bool   `json:"settled"`
}

// MarketsResponse lists all registered markets.
type MarketsResponse struct {
	Markets      []MarketSummary `json:"markets"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// IntegrityReport is the result of verifying the durable event log's
// hash chain.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventsChecked   int64   `json:"events_checked"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
