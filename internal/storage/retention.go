package storage

import (
	"context"
	"fmt"
)

// pruneEvents deletes everything but the newest retentionMax events of runID.
// The subquery yields the id of the oldest event to keep; when the run holds
// fewer events it yields NULL and nothing matches.
func (db *DB) pruneEvents(ctx context.Context, runID string) (int64, error) {
	if db.retentionMax <= 0 {
		return 0, nil
	}
	res, err := db.q.ExecContext(ctx, `
		DELETE FROM events
		WHERE run_id = ?1
		  AND id < (
			SELECT id FROM events
			WHERE run_id = ?1
			ORDER BY id DESC
			LIMIT 1 OFFSET ?2
		  )`,
		runID, db.retentionMax-1,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune events for %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: prune events for %s: %w", runID, err)
	}
	return n, nil
}

// CountEvents returns how many events runID currently holds.
func (db *DB) CountEvents(ctx context.Context, runID string) (int, error) {
	var n int
	if err := db.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = ?`, runID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count events for %s: %w", runID, err)
	}
	return n, nil
}
