package ledger

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"perpclear/internal/fixed"
)

// Account keeps collateral split into three buckets, all at quote scale.
// Native is withdrawable, Credit is cross-domain credit that can back
// margin but never leave through Withdraw, Locked is margin currently
// committed to reservations and open positions. lockedCredit remembers
// how much of Locked was funded from Credit so releases can put funds
// back in the bucket they came from.
type Account struct {
	ID    uuid.UUID
	Index int

	Native int64
	Credit int64
	Locked int64

	lockedCredit int64

	// RealizedPnl accumulates lifetime realized PnL at 1e18 scale. It is
	// informational only and never feeds back into balances, which carry
	// the quote-scale amounts.
	RealizedPnl *big.Int

	Positions map[string]*Position

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Position is one account's exposure in one market. Size is signed,
// positive long. Margin is the quote-scale collateral locked against it,
// included in the owning account's Locked bucket.
type Position struct {
	Account uuid.UUID
	Market  string
	Size    int64
	Entry   int64
	Margin  int64

	UpdatedAt time.Time
}

// Reservation is margin earmarked for a resting order. Fills consume it
// into position margin, cancels return it to the free buckets.
type Reservation struct {
	ID      uuid.UUID
	Account uuid.UUID
	Market  string
	Amount  int64
}

// Available is the collateral not committed to margin.
func (a *Account) Available() int64 {
	return a.Native + a.Credit
}

// lock moves amount from the free buckets into Locked, credit first.
// Caller has validated that Available() covers amount.
func (a *Account) lock(amount int64) {
	fromCredit := amount
	if fromCredit > a.Credit {
		fromCredit = a.Credit
	}
	a.Credit -= fromCredit
	a.Native -= amount - fromCredit
	a.Locked += amount
	a.lockedCredit += fromCredit
}

// unlock returns amount from Locked to the free buckets, restoring the
// credit portion first. Caller has validated amount <= Locked.
func (a *Account) unlock(amount int64) {
	toCredit := amount
	if toCredit > a.lockedCredit {
		toCredit = a.lockedCredit
	}
	a.Credit += toCredit
	a.Native += amount - toCredit
	a.Locked -= amount
	a.lockedCredit -= toCredit
}

// spendFree deducts amount from the free buckets, native first so credit
// keeps backing margin as long as possible. Returns the shortfall that
// could not be covered, zeroing what was there.
func (a *Account) spendFree(amount int64) (shortfall int64) {
	fromNative := amount
	if fromNative > a.Native {
		fromNative = a.Native
	}
	a.Native -= fromNative
	remaining := amount - fromNative

	fromCredit := remaining
	if fromCredit > a.Credit {
		fromCredit = a.Credit
	}
	a.Credit -= fromCredit
	return remaining - fromCredit
}

func (a *Account) addRealized(quoteAmount int64) {
	fixed.QuoteToPnlAccum(a.RealizedPnl, quoteAmount)
}

func newAccount(id uuid.UUID, index int, now time.Time) *Account {
	return &Account{
		ID:          id,
		Index:       index,
		RealizedPnl: new(big.Int),
		Positions:   make(map[string]*Position),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
