package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/agentops/internal/model"
)

const usageColumns = `id, run_id, span_id, ts, model, input_tokens, output_tokens, total_tokens,
	cost_usd, attrs, source, confidence, report_id`

// InsertUsageReport stores r. When r carries a ReportID that is already
// stored, nothing is written and the stored report is returned with
// inserted=false. Values are stored as given; sanitizing is the caller's job.
func (db *DB) InsertUsageReport(ctx context.Context, r model.UsageReport) (model.UsageReport, bool, error) {
	attrs, err := marshalAttrs(r.Attrs)
	if err != nil {
		return model.UsageReport{}, false, fmt.Errorf("storage: insert usage report: %w", err)
	}
	if r.Source == "" {
		r.Source = model.UsageSourceManual
	}

	row := db.q.QueryRowContext(ctx, `
		INSERT INTO usage_reports (run_id, span_id, ts, model, input_tokens, output_tokens,
			total_tokens, cost_usd, attrs, source, confidence, report_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (report_id) DO NOTHING
		RETURNING `+usageColumns,
		r.RunID, r.SpanID, r.Ts, r.Model, r.InputTokens, r.OutputTokens,
		r.TotalTokens, r.CostUSD, attrs, string(r.Source), r.Confidence, r.ReportID,
	)
	out, err := scanUsageReport(row)
	if errors.Is(err, sql.ErrNoRows) && r.ReportID != nil {
		existing, getErr := db.getUsageReportByReportID(ctx, *r.ReportID)
		if getErr != nil {
			return model.UsageReport{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return model.UsageReport{}, false, fmt.Errorf("storage: insert usage report for %s: %w", r.RunID, err)
	}
	return out, true, nil
}

// ListUsageReports returns the usage reports of runID ordered by timestamp,
// then insertion order.
func (db *DB) ListUsageReports(ctx context.Context, runID string) ([]model.UsageReport, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_reports WHERE run_id = ? ORDER BY ts ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list usage reports for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	reports := make([]model.UsageReport, 0)
	for rows.Next() {
		r, err := scanUsageReport(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan usage report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (db *DB) getUsageReportByReportID(ctx context.Context, reportID string) (model.UsageReport, error) {
	row := db.q.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_reports WHERE report_id = ?`, reportID)
	r, err := scanUsageReport(row)
	if err != nil {
		return model.UsageReport{}, fmt.Errorf("storage: get usage report %s: %w", reportID, notFound(err))
	}
	return r, nil
}

func scanUsageReport(row rowScanner) (model.UsageReport, error) {
	var (
		r          model.UsageReport
		spanID     sql.NullString
		modelName  sql.NullString
		input      sql.NullInt64
		output     sql.NullInt64
		total      sql.NullInt64
		cost       sql.NullFloat64
		attrs      string
		source     string
		confidence sql.NullFloat64
		reportID   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.RunID, &spanID, &r.Ts, &modelName, &input, &output, &total,
		&cost, &attrs, &source, &confidence, &reportID); err != nil {
		return model.UsageReport{}, err
	}
	r.SpanID = nullStringPtr(spanID)
	r.Model = nullStringPtr(modelName)
	r.InputTokens = nullInt64Ptr(input)
	r.OutputTokens = nullInt64Ptr(output)
	r.TotalTokens = nullInt64Ptr(total)
	r.CostUSD = nullFloat64Ptr(cost)
	r.Source = model.UsageSource(source)
	r.Confidence = nullFloat64Ptr(confidence)
	r.ReportID = nullStringPtr(reportID)
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &r.Attrs); err != nil {
			return model.UsageReport{}, fmt.Errorf("decode attrs: %w", err)
		}
	}
	return r, nil
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullFloat64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
