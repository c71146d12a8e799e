// Package persistence owns the durable Postgres event log. The clearing
// core hands every applied event to the worker over a blocking channel;
// the worker batches rows and writes them transactionally, so a slow
// database applies backpressure instead of losing events.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes event batches to Postgres using multi-row
// INSERT. ON CONFLICT DO NOTHING makes redelivered batches idempotent,
// so a crash between write and channel drain cannot duplicate rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in clear.events.
type EventRow struct {
	Sequence  int64
	EventType string
	Market    *string
	Payload   []byte
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// DepositRow is a row in clear.processed_deposits. One is written for
// every applied bridge credit so replay suppression survives restarts.
type DepositRow struct {
	DepositID string
	Sequence  int64
	Timestamp time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch appends events to clear.events inside tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO clear.events
		(sequence, event_type, market, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventType, e.Market, e.Payload,
			e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteDepositBatch records processed bridge deposit ids inside tx.
func (w *EventLogWriter) WriteDepositBatch(ctx context.Context, tx *sql.Tx, deposits []DepositRow) error {
	if len(deposits) == 0 {
		return nil
	}

	query := `INSERT INTO clear.processed_deposits (deposit_id, sequence, processed_at) VALUES `

	values := make([]string, 0, len(deposits))
	args := make([]interface{}, 0, len(deposits)*3)

	for i, d := range deposits {
		base := i * 3
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, d.DepositID, d.Sequence, d.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (deposit_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarshalPayload serializes an event payload for the jsonb column.
func MarshalPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
