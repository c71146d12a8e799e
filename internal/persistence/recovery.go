package persistence

import (
	"context"
	"database/sql"
)

// RecoveryState is what a restarting node needs from the durable log
// before it can accept traffic: where the sequence left off and which
// bridge deposits were already applied.
type RecoveryState struct {
	NextSequence  int64
	LastStateHash []byte
	DepositIDs    []string
}

// LoadRecoveryState reads the tail of the event log. An empty log
// yields a zero state, which is a cold start.
func LoadRecoveryState(ctx context.Context, db *sql.DB, depositWarmLimit int) (*RecoveryState, error) {
	state := &RecoveryState{}

	var seq sql.NullInt64
	var hash []byte
	err := db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM clear.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, err
	}
	state.NextSequence = seq.Int64 + 1
	state.LastStateHash = hash

	checker := NewDepositChecker(db)
	ids, err := checker.RecentDepositIDs(ctx, depositWarmLimit)
	if err != nil {
		return nil, err
	}
	state.DepositIDs = ids

	return state, nil
}
