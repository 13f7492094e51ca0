package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/agentops/internal/model"
)

// Span list limits.
const (
	DefaultSpanLimit = 1000
	MaxSpanLimit     = 5000
)

const spanColumns = `span_id, run_id, parent_span_id, name, kind, start_ts, end_ts, status, attrs`

// GetSpan returns a span by id, or ErrNotFound.
func (db *DB) GetSpan(ctx context.Context, spanID string) (model.Span, error) {
	row := db.q.QueryRowContext(ctx, `SELECT `+spanColumns+` FROM spans WHERE span_id = ?`, spanID)
	span, err := scanSpan(row)
	if err != nil {
		return model.Span{}, fmt.Errorf("storage: get span %s: %w", spanID, notFound(err))
	}
	return span, nil
}

// UpsertSpan creates span, or merges it into the stored span with the same
// id using model.MergeSpan. It returns the stored result and whether a new
// row was created.
func (db *DB) UpsertSpan(ctx context.Context, span model.Span) (model.Span, bool, error) {
	var (
		out     model.Span
		created bool
	)
	err := db.InTx(ctx, func(tx *DB) error {
		existing, err := tx.GetSpan(ctx, span.SpanID)
		switch {
		case errors.Is(err, ErrNotFound):
			out, created = span, true
		case err != nil:
			return err
		default:
			out = model.MergeSpan(existing, span)
		}
		return tx.PutSpan(ctx, out)
	})
	if err != nil {
		return model.Span{}, false, err
	}
	return out, created, nil
}

// PutSpan writes span verbatim, replacing any stored span with the same id.
// Callers that need coalescing semantics use UpsertSpan.
func (db *DB) PutSpan(ctx context.Context, span model.Span) error {
	if span.SpanID == "" || span.RunID == "" {
		return fmt.Errorf("storage: put span: span id and run id are required")
	}
	attrs, err := marshalAttrs(span.Attrs)
	if err != nil {
		return fmt.Errorf("storage: put span %s: %w", span.SpanID, err)
	}
	var status any
	if span.Status != "" {
		status = string(span.Status)
	}
	_, err = db.q.ExecContext(ctx, `
		INSERT INTO spans (`+spanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (span_id) DO UPDATE SET
			parent_span_id = excluded.parent_span_id,
			name           = excluded.name,
			kind           = excluded.kind,
			start_ts       = excluded.start_ts,
			end_ts         = excluded.end_ts,
			status         = excluded.status,
			attrs          = excluded.attrs`,
		span.SpanID, span.RunID, span.ParentSpanID, span.Name, string(span.Kind),
		span.StartTs, span.EndTs, status, attrs,
	)
	if err != nil {
		return fmt.Errorf("storage: put span %s: %w", span.SpanID, err)
	}
	return nil
}

// ListSpans returns the spans of runID in start order, optionally only those
// starting at or after since. The limit is clamped into [1, MaxSpanLimit].
func (db *DB) ListSpans(ctx context.Context, runID string, since *int64, limit int) ([]model.Span, error) {
	limit = ClampLimit(limit, DefaultSpanLimit, MaxSpanLimit)
	rows, err := db.q.QueryContext(ctx, `
		SELECT `+spanColumns+`
		FROM spans
		WHERE run_id = ?1 AND (?2 IS NULL OR start_ts >= ?2)
		ORDER BY start_ts ASC, span_id ASC
		LIMIT ?3`,
		runID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list spans for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	spans := make([]model.Span, 0)
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

// LoadSpans returns up to limit spans of runID in start order and reports
// whether more exist. It is not clamped; analytics callers pick their own cap.
func (db *DB) LoadSpans(ctx context.Context, runID string, limit int) ([]model.Span, bool, error) {
	rows, err := db.q.QueryContext(ctx, `
		SELECT `+spanColumns+`
		FROM spans
		WHERE run_id = ?
		ORDER BY start_ts ASC, span_id ASC
		LIMIT ?`,
		runID, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("storage: load spans for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	spans := make([]model.Span, 0)
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, false, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(spans) > limit {
		return spans[:limit], true, nil
	}
	return spans, false, nil
}

// FindActiveSpan returns the span of runID that was open at the instant at,
// preferring the most recently started one. With a nil at, it returns the
// most recently started span that has not ended. Placeholders never qualify
// since their timing is a guess. Spans derived from tool events (attrs.auto)
// are skipped unless includeAuto is set, so concurrent tool calls parent under
// the surrounding span rather than under each other. Returns ErrNotFound when
// no span qualifies.
func (db *DB) FindActiveSpan(ctx context.Context, runID string, at *int64, includeAuto bool) (model.Span, error) {
	row := db.q.QueryRowContext(ctx, `
		SELECT `+spanColumns+`
		FROM spans
		WHERE run_id = ?1
		  AND COALESCE(json_extract(attrs, '$.placeholder'), 0) = 0
		  AND (?3 OR COALESCE(json_extract(attrs, '$.auto'), 0) = 0)
		  AND CASE WHEN ?2 IS NULL THEN end_ts IS NULL
		           ELSE start_ts <= ?2 AND (end_ts IS NULL OR end_ts >= ?2) END
		ORDER BY start_ts DESC, rowid DESC
		LIMIT 1`,
		runID, at, includeAuto,
	)
	span, err := scanSpan(row)
	if err != nil {
		return model.Span{}, fmt.Errorf("storage: find active span in %s: %w", runID, notFound(err))
	}
	return span, nil
}

func scanSpan(row rowScanner) (model.Span, error) {
	var (
		span   model.Span
		parent sql.NullString
		kind   string
		endTs  sql.NullInt64
		status sql.NullString
		attrs  string
	)
	if err := row.Scan(&span.SpanID, &span.RunID, &parent, &span.Name, &kind,
		&span.StartTs, &endTs, &status, &attrs); err != nil {
		return model.Span{}, err
	}
	span.Kind = model.SpanKind(kind)
	if parent.Valid {
		span.ParentSpanID = &parent.String
	}
	if endTs.Valid {
		span.EndTs = &endTs.Int64
	}
	span.Status = model.SpanStatus(status.String)
	span.Attrs = map[string]any{}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &span.Attrs); err != nil {
			return model.Span{}, fmt.Errorf("decode attrs: %w", err)
		}
	}
	return span, nil
}

func marshalAttrs(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
