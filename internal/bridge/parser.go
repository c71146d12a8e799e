package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreditInstruction is a confirmed inbound transfer from the bridge.
// DepositID is the bridge-side identifier used for replay suppression.
type CreditInstruction struct {
	DepositID string
	Account   uuid.UUID
	Amount    int64
	Timestamp time.Time
}

// DebitInstruction reverses previously bridged collateral.
type DebitInstruction struct {
	Account   uuid.UUID
	Amount    int64
	Timestamp time.Time
}

// --- JSON wire formats ---
// Field names use snake_case to match the bridge relayer.

type creditJSON struct {
	DepositID   string `json:"deposit_id"`
	Account     string `json:"account"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

type debitJSON struct {
	Account     string `json:"account"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseCredit decodes a bridge credit payload. A malformed payload is a
// permanent failure: redelivery cannot fix it.
func ParseCredit(data []byte) (*CreditInstruction, error) {
	var j creditJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse credit: %w", err)
	}
	if j.DepositID == "" {
		return nil, fmt.Errorf("parse credit: missing deposit_id")
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &CreditInstruction{
		DepositID: j.DepositID,
		Account:   account,
		Amount:    j.Amount,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

// ParseDebit decodes a bridge debit payload.
func ParseDebit(data []byte) (*DebitInstruction, error) {
	var j debitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse debit: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &DebitInstruction{
		Account:   account,
		Amount:    j.Amount,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
