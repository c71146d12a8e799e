package persistence

import (
	"context"
	"database/sql"
	"time"
)

// DepositChecker answers "has this bridge deposit id already been
// applied" from the durable log. It backs the clearing core's cold
// idempotency tier; the in-memory LRU absorbs the hot path.
type DepositChecker struct {
	db *sql.DB
}

func NewDepositChecker(db *sql.DB) *DepositChecker {
	return &DepositChecker{db: db}
}

// IsProcessed reports whether depositID exists in clear.processed_deposits.
// The lookup is bounded so a slow database cannot stall the core; on
// timeout the caller treats the id as unseen and relies on the unique
// constraint at write time.
func (dc *DepositChecker) IsProcessed(depositID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := dc.db.QueryRowContext(ctx,
		`SELECT 1 FROM clear.processed_deposits WHERE deposit_id = $1 LIMIT 1`,
		depositID,
	).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentDepositIDs returns the most recently processed deposit ids,
// newest first, for warming the core's LRU at startup.
func (dc *DepositChecker) RecentDepositIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := dc.db.QueryContext(ctx, `
		SELECT deposit_id FROM clear.processed_deposits
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
