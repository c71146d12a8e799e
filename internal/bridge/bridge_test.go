package bridge_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpclear/internal/bridge"
	"perpclear/internal/ledger"
)

func rawCredit(t *testing.T, v interface{}) bridge.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bridge.RawMessage{Kind: bridge.KindCredit, Subject: "clear.bridge.credits.test", Data: data}
}

func TestParseCredit(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "0xabc-42",
		"account":      "550e8400-e29b-41d4-a716-446655440000",
		"amount":       int64(5_000_000),
		"timestamp_us": int64(1700000000000000),
	}
	data, _ := json.Marshal(payload)

	in, err := bridge.ParseCredit(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.DepositID != "0xabc-42" {
		t.Errorf("deposit_id: got %s, want 0xabc-42", in.DepositID)
	}
	if in.Account != uuid.MustParse("550e8400-e29b-41d4-a716-446655440000") {
		t.Errorf("account: got %s", in.Account)
	}
	if in.Amount != 5_000_000 {
		t.Errorf("amount: got %d, want 5_000_000", in.Amount)
	}
	if in.Timestamp.UnixMicro() != 1700000000000000 {
		t.Errorf("timestamp: got %d", in.Timestamp.UnixMicro())
	}
}

func TestParseCredit_MissingDepositID_Fails(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"account": "550e8400-e29b-41d4-a716-446655440000",
		"amount":  int64(1),
	})
	if _, err := bridge.ParseCredit(data); err == nil {
		t.Fatal("expected error for missing deposit_id")
	}
}

func TestParseCredit_BadAccount_Fails(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"deposit_id": "d-1",
		"account":    "not-a-uuid",
		"amount":     int64(1),
	})
	if _, err := bridge.ParseCredit(data); err == nil {
		t.Fatal("expected error for bad account uuid")
	}
}

func TestParseDebit(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"account":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":       int64(250_000),
		"timestamp_us": int64(1700000000000000),
	})

	in, err := bridge.ParseDebit(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.Amount != 250_000 {
		t.Errorf("amount: got %d, want 250_000", in.Amount)
	}
}

func TestParseDebit_InvalidJSON_Fails(t *testing.T) {
	if _, err := bridge.ParseDebit([]byte(`{invalid`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// fakeCore records calls and returns a scripted error.
type fakeCore struct {
	credits int
	debits  int
	err     error
}

func (f *fakeCore) CreditExternal(account uuid.UUID, amount int64, depositID string) error {
	f.credits++
	return f.err
}

func (f *fakeCore) DebitExternal(account uuid.UUID, amount int64) error {
	f.debits++
	return f.err
}

type ackRecorder struct {
	acked int
	naked int
}

func (r *ackRecorder) attach(raw *bridge.RawMessage) {
	raw.Ack = func() { r.acked++ }
	raw.Nak = func() { r.naked++ }
}

func runOne(t *testing.T, core *fakeCore, raw bridge.RawMessage) *ackRecorder {
	t.Helper()
	rec := &ackRecorder{}
	rec.attach(&raw)

	msgChan := make(chan bridge.RawMessage, 1)
	msgChan <- raw
	close(msgChan)

	a := bridge.NewAdapter(core, msgChan, zerolog.Nop())
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return rec
}

func TestAdapter_CreditApplied_Acks(t *testing.T) {
	core := &fakeCore{}
	raw := rawCredit(t, map[string]interface{}{
		"deposit_id": "d-1",
		"account":    "550e8400-e29b-41d4-a716-446655440000",
		"amount":     int64(1_000_000),
	})

	rec := runOne(t, core, raw)
	if core.credits != 1 {
		t.Errorf("expected 1 credit call, got %d", core.credits)
	}
	if rec.acked != 1 || rec.naked != 0 {
		t.Errorf("expected ack, got ack=%d nak=%d", rec.acked, rec.naked)
	}
}

func TestAdapter_DuplicateCredit_Acks(t *testing.T) {
	core := &fakeCore{err: ledger.ErrAlreadyProcessed}
	raw := rawCredit(t, map[string]interface{}{
		"deposit_id": "d-1",
		"account":    "550e8400-e29b-41d4-a716-446655440000",
		"amount":     int64(1_000_000),
	})

	rec := runOne(t, core, raw)
	if rec.acked != 1 || rec.naked != 0 {
		t.Errorf("duplicate must ack, got ack=%d nak=%d", rec.acked, rec.naked)
	}
}

func TestAdapter_MalformedCredit_AcksWithoutCoreCall(t *testing.T) {
	core := &fakeCore{}
	raw := bridge.RawMessage{Kind: bridge.KindCredit, Data: []byte(`{broken`)}

	rec := runOne(t, core, raw)
	if core.credits != 0 {
		t.Errorf("malformed payload must not reach the core, got %d calls", core.credits)
	}
	if rec.acked != 1 {
		t.Errorf("malformed payload must ack, got ack=%d nak=%d", rec.acked, rec.naked)
	}
}

func TestAdapter_DebitShortfall_Naks(t *testing.T) {
	core := &fakeCore{err: ledger.ErrInsufficientCollateral}
	data, _ := json.Marshal(map[string]interface{}{
		"account": "660e8400-e29b-41d4-a716-446655440001",
		"amount":  int64(9_999_999),
	})
	raw := bridge.RawMessage{Kind: bridge.KindDebit, Data: data}

	rec := runOne(t, core, raw)
	if core.debits != 1 {
		t.Errorf("expected 1 debit call, got %d", core.debits)
	}
	if rec.naked != 1 || rec.acked != 0 {
		t.Errorf("shortfall must nak, got ack=%d nak=%d", rec.acked, rec.naked)
	}
}

func TestAdapter_UnknownDebitAccount_Acks(t *testing.T) {
	core := &fakeCore{err: ledger.ErrUnknownAccount}
	data, _ := json.Marshal(map[string]interface{}{
		"account": "660e8400-e29b-41d4-a716-446655440001",
		"amount":  int64(100),
	})
	raw := bridge.RawMessage{Kind: bridge.KindDebit, Data: data}

	rec := runOne(t, core, raw)
	if rec.acked != 1 || rec.naked != 0 {
		t.Errorf("unknown account must ack, got ack=%d nak=%d", rec.acked, rec.naked)
	}
}
