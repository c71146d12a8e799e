package clearing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpclear/internal/book"
	"perpclear/internal/clearing"
	"perpclear/internal/event"
	"perpclear/internal/ledger"
)

// --- Test helpers ---

const unit = int64(1_000_000)

// newTestCore creates a Core with buffered channels and no DB checker.
func newTestCore() (*clearing.Core, chan clearing.CoreOutput, chan clearing.CoreOutput) {
	persistChan := make(chan clearing.CoreOutput, 1024)
	projChan := make(chan clearing.CoreOutput, 1024)
	c := clearing.NewCore(persistChan, projChan, zerolog.Nop(), clearing.Options{
		LRUCapacity: 16,
		Clock:       func() time.Time { return time.UnixMicro(1_000_000) },
	})
	return c, persistChan, projChan
}

func drainOutputs(ch chan clearing.CoreOutput) []clearing.CoreOutput {
	var outputs []clearing.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func registerMarket(t *testing.T, c *clearing.Core, id string) {
	t.Helper()
	err := c.RegisterMarket(ledger.MarketParams{
		ID:                     id,
		InitialMarginRatio:     100_000,
		MaintenanceMarginRatio: 50_000,
		FeeBps:                 10,
		LiquidationPenaltyBps:  100,
	})
	if err != nil {
		t.Fatalf("RegisterMarket failed: %v", err)
	}
}

type fakeDBChecker struct {
	processed map[string]bool
	calls     int
}

func (f *fakeDBChecker) IsProcessed(depositID string) (bool, error) {
	f.calls++
	return f.processed[depositID], nil
}

// ============================================================================
// Test: Event Emission and Hash Chain
// ============================================================================

func TestDeposit_EmitsSequencedEvent(t *testing.T) {
	c, persistCh, projCh := newTestCore()
	acct := uuid.New()

	if err := c.Deposit(acct, 1000*unit); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 persist output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Sequence != 0 {
		t.Errorf("expected sequence 0, got %d", env.Sequence)
	}
	if env.EventType != event.TypeDeposit {
		t.Errorf("expected Deposit event, got %s", env.EventType)
	}
	payload, ok := env.Payload.(event.Deposit)
	if !ok {
		t.Fatalf("unexpected payload type %T", env.Payload)
	}
	if payload.Account != acct || payload.Amount != 1000*unit {
		t.Errorf("unexpected payload %+v", payload)
	}

	// Projection channel receives the same envelope.
	proj := drainOutputs(projCh)
	if len(proj) != 1 || proj[0].Envelope.Sequence != 0 {
		t.Errorf("projection channel mismatch: %+v", proj)
	}
	if c.Sequence() != 1 {
		t.Errorf("expected next sequence 1, got %d", c.Sequence())
	}
}

func TestHashChain_LinksConsecutiveEvents(t *testing.T) {
	c, persistCh, _ := newTestCore()
	acct := uuid.New()

	for i := 0; i < 3; i++ {
		if err := c.Deposit(acct, unit); err != nil {
			t.Fatalf("Deposit %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("event %d not chained to predecessor", i)
		}
	}
	var zero [32]byte
	if outputs[0].Envelope.PrevHash == zero {
		t.Error("genesis prev hash must be seeded, not zero")
	}
}

func TestRejectedOperation_EmitsNothing(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.Deposit(uuid.New(), -5); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if got := len(drainOutputs(persistCh)); got != 0 {
		t.Errorf("rejected op must emit nothing, got %d events", got)
	}
	if c.Sequence() != 0 {
		t.Errorf("sequence must not advance on rejection, got %d", c.Sequence())
	}
}

// ============================================================================
// Test: Bridge Idempotency Tiers
// ============================================================================

func TestCreditExternal_LRUCatchesReplay(t *testing.T) {
	c, persistCh, _ := newTestCore()
	acct := uuid.New()

	if err := c.CreditExternal(acct, 500*unit, "bridge-1"); err != nil {
		t.Fatalf("first credit failed: %v", err)
	}
	err := c.CreditExternal(acct, 500*unit, "bridge-1")
	if !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Errorf("replay must not re-emit, got %d events", len(outputs))
	}
}

func TestCreditExternal_DBTierCatchesColdReplay(t *testing.T) {
	db := &fakeDBChecker{processed: map[string]bool{"old-deposit": true}}
	persistChan := make(chan clearing.CoreOutput, 16)
	c := clearing.NewCore(persistChan, nil, zerolog.Nop(), clearing.Options{
		LRUCapacity: 16,
		DBChecker:   db,
	})

	err := c.CreditExternal(uuid.New(), unit, "old-deposit")
	if !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed from DB tier, got %v", err)
	}
	if db.calls != 1 {
		t.Errorf("expected 1 DB lookup, got %d", db.calls)
	}

	// Second replay is served from the LRU without another DB hit.
	err = c.CreditExternal(uuid.New(), unit, "old-deposit")
	if !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	if db.calls != 1 {
		t.Errorf("LRU must absorb the second lookup, got %d DB calls", db.calls)
	}
}

// ============================================================================
// Test: Full Trading Flow Through the Core
// ============================================================================

func TestTradeFlow_EmitsTradeAndPositionEvents(t *testing.T) {
	c, persistCh, _ := newTestCore()
	registerMarket(t, c, "BTC-TERM")
	maker, taker := uuid.New(), uuid.New()

	if err := c.Deposit(maker, 10_000*unit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.Deposit(taker, 10_000*unit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if _, err := c.SubmitLimit("BTC-TERM", maker, book.SideSell, 100*unit, 10*unit); err != nil {
		t.Fatalf("maker submit failed: %v", err)
	}
	res, err := c.SubmitLimit("BTC-TERM", taker, book.SideBuy, 100*unit, 10*unit)
	if err != nil {
		t.Fatalf("taker submit failed: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Price != 100*unit {
		t.Fatalf("unexpected trades: %+v", res.Trades)
	}

	var sawTrade, sawPosition, sawMark bool
	for _, o := range drainOutputs(persistCh) {
		switch o.Envelope.EventType {
		case event.TypeTradeExecuted:
			sawTrade = true
		case event.TypePositionUpdated:
			sawPosition = true
		case event.TypeMarkPriceUpdated:
			sawMark = true
		}
	}
	if !sawTrade || !sawPosition || !sawMark {
		t.Errorf("missing events: trade=%v position=%v mark=%v", sawTrade, sawPosition, sawMark)
	}
}

func TestSubmitLimit_UnknownMarket(t *testing.T) {
	c, _, _ := newTestCore()
	_, err := c.SubmitLimit("NOPE", uuid.New(), book.SideBuy, unit, unit)
	if !errors.Is(err, ledger.ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
}

// ============================================================================
// Test: Settlement Through the Core
// ============================================================================

func TestSettleMarket_EmitsMarketSettled(t *testing.T) {
	c, persistCh, _ := newTestCore()
	registerMarket(t, c, "BTC-TERM")
	long, short := uuid.New(), uuid.New()

	if err := c.Deposit(long, 10_000*unit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.Deposit(short, 10_000*unit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := c.SubmitLimit("BTC-TERM", short, book.SideSell, 100*unit, 10*unit); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := c.SubmitLimit("BTC-TERM", long, book.SideBuy, 100*unit, 10*unit); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	report, err := c.SettleMarket("BTC-TERM", 110*unit)
	if err != nil {
		t.Fatalf("SettleMarket failed: %v", err)
	}
	if report.BadDebt != 0 || report.Positions != 2 {
		t.Errorf("unexpected report %+v", report)
	}

	var sawSettled bool
	for _, o := range drainOutputs(persistCh) {
		if o.Envelope.EventType == event.TypeMarketSettled {
			sawSettled = true
			payload := o.Envelope.Payload.(event.MarketSettled)
			if payload.TerminalPrice != 110*unit {
				t.Errorf("unexpected terminal price %d", payload.TerminalPrice)
			}
		}
	}
	if !sawSettled {
		t.Error("expected a MarketSettled event")
	}

	// Trading after settlement is rejected and emits nothing.
	before := c.Sequence()
	_, err = c.SubmitLimit("BTC-TERM", long, book.SideBuy, 100*unit, unit)
	if !errors.Is(err, ledger.ErrMarketSettled) {
		t.Errorf("expected ErrMarketSettled, got %v", err)
	}
	if c.Sequence() != before {
		t.Error("rejected trade advanced the sequence")
	}
}

// ============================================================================
// Test: Liquidation Through the Core
// ============================================================================

func TestPokeLiquidations_EmitsLiquidationEvent(t *testing.T) {
	c, persistCh, _ := newTestCore()
	err := c.RegisterMarket(ledger.MarketParams{
		ID:                     "BTC-TERM",
		InitialMarginRatio:     100_000,
		MaintenanceMarginRatio: 100_000,
		FeeBps:                 0,
		LiquidationPenaltyBps:  100,
	})
	if err != nil {
		t.Fatalf("RegisterMarket failed: %v", err)
	}

	victim, counter, maker := uuid.New(), uuid.New(), uuid.New()
	for _, a := range []uuid.UUID{counter, maker} {
		if err := c.Deposit(a, 100_000*unit); err != nil {
			t.Fatalf("deposit failed: %v", err)
		}
	}
	if err := c.Deposit(victim, 1000*unit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if err := c.SetMarkPrice("BTC-TERM", 100*unit); err != nil {
		t.Fatalf("SetMarkPrice failed: %v", err)
	}
	if _, err := c.SubmitLimit("BTC-TERM", counter, book.SideSell, 100*unit, 50*unit); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := c.SubmitLimit("BTC-TERM", victim, book.SideBuy, 100*unit, 50*unit); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := c.SetMarkPrice("BTC-TERM", 85*unit); err != nil {
		t.Fatalf("SetMarkPrice failed: %v", err)
	}
	if _, err := c.SubmitLimit("BTC-TERM", maker, book.SideBuy, 85*unit, 50*unit); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	drainOutputs(persistCh)

	out, err := c.PokeLiquidations("BTC-TERM")
	if err != nil {
		t.Fatalf("PokeLiquidations failed: %v", err)
	}
	if len(out.Liquidations) != 1 {
		t.Fatalf("expected 1 liquidation, got %d", len(out.Liquidations))
	}

	var sawLiquidation bool
	for _, o := range drainOutputs(persistCh) {
		if o.Envelope.EventType == event.TypeLiquidationExecuted {
			sawLiquidation = true
		}
	}
	if !sawLiquidation {
		t.Error("expected a LiquidationExecuted event")
	}
}
