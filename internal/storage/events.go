package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/agentops/internal/model"
)

// Event page limits.
const (
	DefaultEventLimit = 500
	MaxEventLimit     = 1000
)

// ClampLimit bounds a caller-supplied page size into [1, upper]. Zero means
// "not specified" and selects def.
func ClampLimit(limit, def, upper int) int {
	if limit == 0 {
		limit = def
	}
	return min(max(limit, 1), upper)
}

// AppendResult is what AppendEvent hands back to the caller.
type AppendResult struct {
	Event  model.Event
	Pruned int64
}

// AppendEvent stores ev for runID, assigning the next global id, then applies
// the run's retention cap. Both happen in one transaction: if pruning fails
// the append is rolled back too. The run must already exist.
func (db *DB) AppendEvent(ctx context.Context, runID string, ev model.Event) (AppendResult, error) {
	ev.RunID = runID
	if ev.Ts.IsZero() {
		ev.Ts = db.now()
	}
	ev.Ts = fromMillis(toMillis(ev.Ts))
	if ev.Level == "" {
		ev.Level = model.LevelInfo
	}
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		ev.Payload = json.RawMessage(`{}`)
	}

	var res AppendResult
	err := db.InTx(ctx, func(tx *DB) error {
		err := tx.q.QueryRowContext(ctx, `
			INSERT INTO events (run_id, ts, type, level, agent_id, task_id, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			runID, toMillis(ev.Ts), ev.Type, string(ev.Level),
			nullString(ev.AgentID), nullString(ev.TaskID), string(ev.Payload),
		).Scan(&ev.ID)
		if err != nil {
			return fmt.Errorf("storage: append event to %s: %w", runID, err)
		}
		pruned, err := tx.pruneEvents(ctx, runID)
		if err != nil {
			return err
		}
		res = AppendResult{Event: ev, Pruned: pruned}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

// ListEvents returns events of runID with id greater than after, in id order.
// The limit is clamped into [1, MaxEventLimit].
func (db *DB) ListEvents(ctx context.Context, runID string, after int64, limit int) ([]model.Event, error) {
	limit = ClampLimit(limit, DefaultEventLimit, MaxEventLimit)
	rows, err := db.q.QueryContext(ctx, `
		SELECT id, run_id, ts, type, level, agent_id, task_id, payload
		FROM events
		WHERE run_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`,
		runID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]model.Event, 0)
	for rows.Next() {
		var (
			ev      model.Event
			ts      int64
			level   string
			agentID sql.NullString
			taskID  sql.NullString
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ts, &ev.Type, &level, &agentID, &taskID, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Ts = fromMillis(ts)
		ev.Level = model.EventLevel(level)
		ev.AgentID = agentID.String
		ev.TaskID = taskID.String
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
