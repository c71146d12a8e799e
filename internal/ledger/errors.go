package ledger

import "errors"

// Validation failures: the attempted operation is rolled back in full and
// the caller learns exactly why. Nothing here is retried inside the core.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrUnknownAccount         = errors.New("unknown account")
	ErrUnknownMarket          = errors.New("unknown market")
	ErrUnknownReservation     = errors.New("unknown margin reservation")
)

// Invariant violations: fatal to the attempted operation, never ignored.
var (
	ErrAlreadyProcessed = errors.New("deposit id already processed")
	ErrAlreadySettled   = errors.New("market already settled")
	ErrSettlementNotDue = errors.New("settlement time not reached")
	ErrMarketSettled    = errors.New("market is settled, no further trading")
	ErrUnauthorized     = errors.New("missing capability role")
)
