package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/agentops/internal/model"
)

const runColumns = `id, title, started_at, status, ended_at, error_message, metadata`

// NewRunID generates an id for a run created without one.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// CreateOrReplaceRun upserts a run by id. Replacing keeps any events, spans
// and usage attached to the run. EndedAt is stamped when the run is written
// with a terminal status and has never ended before.
func (db *DB) CreateOrReplaceRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == "" {
		return model.Run{}, fmt.Errorf("storage: create run: id is required")
	}
	now := db.now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	var endedAt *int64
	if run.Status.Terminal() {
		ts := toMillis(now)
		if run.EndedAt != nil {
			ts = toMillis(*run.EndedAt)
		}
		endedAt = &ts
	}

	row := db.q.QueryRowContext(ctx, `
		INSERT INTO runs (id, title, started_at, status, ended_at, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title         = excluded.title,
			started_at    = excluded.started_at,
			status        = excluded.status,
			ended_at      = COALESCE(runs.ended_at, excluded.ended_at),
			error_message = COALESCE(excluded.error_message, runs.error_message),
			metadata      = COALESCE(excluded.metadata, runs.metadata)
		RETURNING `+runColumns,
		run.ID, run.Title, toMillis(run.StartedAt), string(run.Status), endedAt,
		run.ErrorMessage, nullJSON(run.Metadata),
	)
	out, err := scanRun(row)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run %s: %w", run.ID, err)
	}
	return out, nil
}

// EnsureRun creates a running run with a default title if id is unknown. An
// existing run is never touched. Reports whether a row was created.
func (db *DB) EnsureRun(ctx context.Context, id string) (bool, error) {
	res, err := db.q.ExecContext(ctx, `
		INSERT INTO runs (id, title, started_at, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, "Run "+id, toMillis(db.now()), string(model.RunStatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("storage: ensure run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: ensure run %s: %w", id, err)
	}
	return n > 0, nil
}

// GetRun returns a run by id, or ErrNotFound.
func (db *DB) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := db.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: get run %s: %w", id, notFound(err))
	}
	return run, nil
}

// ListRuns returns every run, most recently started first.
func (db *DB) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]model.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun applies the supplied fields of req to run id. Metadata is merged
// as a JSON merge patch (RFC 7396): new keys are added, null values delete.
// The first update that moves the run into a terminal status stamps EndedAt.
func (db *DB) UpdateRun(ctx context.Context, id string, req model.UpdateRunRequest) (model.Run, error) {
	var status *string
	if req.Status != nil {
		s := string(*req.Status)
		status = &s
	}
	row := db.q.QueryRowContext(ctx, `
		UPDATE runs SET
			title         = COALESCE(?1, title),
			status        = COALESCE(?2, status),
			error_message = COALESCE(?3, error_message),
			metadata      = CASE WHEN ?4 IS NULL THEN metadata
			                     ELSE json_patch(COALESCE(metadata, '{}'), ?4) END,
			ended_at      = CASE WHEN ended_at IS NULL AND ?2 IN ('completed', 'error') THEN ?5
			                     ELSE ended_at END
		WHERE id = ?6
		RETURNING `+runColumns,
		req.Title, status, req.ErrorMessage, nullJSON(req.Metadata), toMillis(db.now()), id,
	)
	run, err := scanRun(row)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: update run %s: %w", id, notFound(err))
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		run       model.Run
		startedAt int64
		status    string
		endedAt   sql.NullInt64
		errMsg    sql.NullString
		metadata  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Title, &startedAt, &status, &endedAt, &errMsg, &metadata); err != nil {
		return model.Run{}, err
	}
	run.StartedAt = fromMillis(startedAt)
	run.Status = model.RunStatus(status)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		run.EndedAt = &t
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	if metadata.Valid && metadata.String != "" {
		run.Metadata = json.RawMessage(metadata.String)
	}
	return run, nil
}

// nullJSON converts an absent or JSON-null document into a SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
