// Package query serves read-only views of the clearinghouse: balances,
// positions, book depth and mark prices straight from the core's
// in-memory state, plus integrity checks against the durable event log.
package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"perpclear/internal/book"
	"perpclear/internal/clearing"
	"perpclear/internal/ledger"
	"perpclear/internal/observability"
	"perpclear/internal/position"
)

// MaxPageSize caps positions pagination so one request cannot walk an
// arbitrarily large arena.
const MaxPageSize = 256

// MaxBookDepth caps the levels per side a depth snapshot serializes.
const MaxBookDepth = 32

// Service answers read requests under the core's read lock. Views are
// consistent: every response carries the sequence it was taken at.
type Service struct {
	core    *clearing.Core
	db      *sql.DB
	metrics *observability.Metrics
}

// NewService builds a read service. db may be nil, in which case
// VerifyIntegrity is unavailable.
func NewService(core *clearing.Core, db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{core: core, db: db, metrics: metrics}
}

// Balances returns the collateral view for one account.
func (s *Service) Balances(account uuid.UUID) (*BalancesResponse, error) {
	defer s.observe("balances", time.Now())

	var resp *BalancesResponse
	var err error
	s.core.View(func(l *ledger.Ledger, _ map[string]*book.Engine, seq int64) {
		acct := l.Account(account)
		if acct == nil {
			err = ledger.ErrUnknownAccount
			return
		}
		equity, eqErr := l.Equity(account)
		if eqErr != nil {
			err = eqErr
			return
		}
		resp = &BalancesResponse{
			Account:      account,
			Native:       acct.Native,
			Credit:       acct.Credit,
			Locked:       acct.Locked,
			Available:    acct.Available(),
			Equity:       equity,
			RealizedPnl:  acct.RealizedPnl.String(),
			AsOfSequence: seq,
		}
	})
	if err != nil {
		s.countError("balances", err)
	}
	return resp, err
}

// Positions pages through a market's open positions in arena order.
// cursor is the arena index to resume from; limit is clamped to
// MaxPageSize.
func (s *Service) Positions(market string, cursor, limit int) (*PositionsPage, error) {
	defer s.observe("positions", time.Now())

	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if cursor < 0 {
		cursor = 0
	}

	var page *PositionsPage
	var err error
	s.core.View(func(l *ledger.Ledger, _ map[string]*book.Engine, seq int64) {
		mk := l.Market(market)
		if mk == nil {
			err = ledger.ErrUnknownMarket
			return
		}

		page = &PositionsPage{Market: market, AsOfSequence: seq}

		total := l.ArenaLen()
		i := cursor
		for ; i < total && len(page.Positions) < limit; i++ {
			acct := l.AccountAt(i)
			pos, ok := acct.Positions[market]
			if !ok || pos.Size == 0 {
				continue
			}
			upnl, pnlErr := position.UnrealizedPnl(pos.Size, pos.Entry, mk.Mark.Price)
			if pnlErr != nil {
				err = pnlErr
				return
			}
			page.Positions = append(page.Positions, PositionResponse{
				Account:       acct.ID,
				Market:        market,
				Size:          pos.Size,
				EntryPrice:    pos.Entry,
				Margin:        pos.Margin,
				UnrealizedPnl: upnl,
				AsOfSequence:  seq,
			})
		}
		if i < total {
			next := i
			page.NextCursor = &next
		}
	})
	if err != nil {
		s.countError("positions", err)
	}
	return page, err
}

// Book returns the depth snapshot for a market.
func (s *Service) Book(market string) (*BookResponse, error) {
	defer s.observe("book", time.Now())

	var resp *BookResponse
	var err error
	s.core.View(func(_ *ledger.Ledger, books map[string]*book.Engine, seq int64) {
		bk, ok := books[market]
		if !ok {
			err = ledger.ErrUnknownMarket
			return
		}
		depth := bk.Book().Snapshot(MaxBookDepth)
		resp = &BookResponse{
			Market:       market,
			Bids:         toPriceLevels(depth.Bids),
			Asks:         toPriceLevels(depth.Asks),
			AsOfSequence: seq,
		}
	})
	if err != nil {
		s.countError("book", err)
	}
	return resp, err
}

// Mark returns a market's mark price and risk parameters.
func (s *Service) Mark(market string) (*MarkResponse, error) {
	defer s.observe("mark", time.Now())

	var resp *MarkResponse
	var err error
	s.core.View(func(l *ledger.Ledger, _ map[string]*book.Engine, seq int64) {
		mk := l.Market(market)
		if mk == nil {
			err = ledger.ErrUnknownMarket
			return
		}
		resp = &MarkResponse{
			Market:                 market,
			MarkPrice:              mk.Mark.Price,
			InitialMarginRatio:     mk.InitialMarginRatio,
			MaintenanceMarginRatio: mk.MaintenanceMarginRatio,
			FeeBps:                 mk.FeeBps,
			OpenInterest:           mk.OpenInterest,
			Settled:                mk.Settled,
			TerminalPrice:          mk.TerminalPrice,
			AsOfSequence:           seq,
		}
	})
	if err != nil {
		s.countError("mark", err)
	}
	return resp, err
}

// Markets lists all registered markets.
func (s *Service) Markets() *MarketsResponse {
	defer s.observe("markets", time.Now())

	resp := &MarketsResponse{}
	s.core.View(func(l *ledger.Ledger, _ map[string]*book.Engine, seq int64) {
		resp.AsOfSequence = seq
		for _, mk := range l.Markets() {
			resp.Markets = append(resp.Markets, MarketSummary{
				Market:       mk.ID,
				MarkPrice:    mk.Mark.Price,
				OpenInterest: mk.OpenInterest,
				Settled:      mk.Settled,
			})
		}
	})
	return resp
}

// VerifyIntegrity walks the durable event log and reports any sequence
// whose prev_hash does not match its predecessor's state_hash.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer s.observe("integrity", time.Now())

	report := &IntegrityReport{}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clear.events`,
	).Scan(&report.EventsChecked); err != nil {
		s.countError("integrity", err)
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM clear.events e1
		JOIN clear.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		s.countError("integrity", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			s.countError("integrity", err)
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		s.countError("integrity", err)
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

func toPriceLevels(levels []book.Level) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, lv := range levels {
		out[i] = PriceLevel{Price: lv.Price, Quantity: lv.Size}
	}
	return out
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (s *Service) countError(endpoint string, err error) {
	if s.metrics == nil {
		return
	}
	reason := "error"
	if errors.Is(err, ledger.ErrUnknownAccount) || errors.Is(err, ledger.ErrUnknownMarket) {
		reason = "not_found"
	}
	s.metrics.QueryErrors.WithLabelValues(endpoint, reason).Inc()
}
