// Package usage sanitizes, stores and aggregates token/cost reports.
//
// Reports arrive from usage.report events and from the usage endpoint. Their
// numbers come from heuristic extractors, so out-of-range or malformed values
// are stored as null instead of rejecting the report.
package usage

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/storage"
)

// Accounting stores usage reports and computes a run's usage projection.
type Accounting struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates an Accounting over db.
func New(db *storage.DB, logger *slog.Logger) *Accounting {
	return &Accounting{db: db, logger: logger}
}

// Insert sanitizes req and stores it for runID. fallbackTs (epoch ms) is used
// when the request carries no timestamp. A nil db uses the accounting's own
// handle; pass a transaction-bound handle to commit with an event append.
// inserted is false when the reportId was already stored.
func (a *Accounting) Insert(ctx context.Context, db *storage.DB, runID string, req model.UsageReportRequest, fallbackTs int64) (model.UsageReport, bool, error) {
	if db == nil {
		db = a.db
	}
	r := Sanitize(runID, req, fallbackTs)
	out, inserted, err := db.InsertUsageReport(ctx, r)
	if err != nil {
		return model.UsageReport{}, false, fmt.Errorf("usage: insert: %w", err)
	}
	if !inserted {
		a.logger.Debug("usage: duplicate report ignored", "run_id", runID, "report_id", *r.ReportID)
	}
	return out, inserted, nil
}

// Aggregate loads every report of runID and folds them with Aggregate.
func (a *Accounting) Aggregate(ctx context.Context, runID string) (model.UsageAggregate, error) {
	reports, err := a.db.ListUsageReports(ctx, runID)
	if err != nil {
		return model.UsageAggregate{}, fmt.Errorf("usage: aggregate %s: %w", runID, err)
	}
	return Aggregate(runID, reports), nil
}

// Sanitize converts a wire report into a storable one. Token counts must be
// integers in [0, MaxUsageTokens]; cost must be finite in [0, MaxUsageCostUSD];
// confidence must lie in [0, 1]. Anything else becomes null. An unknown
// source becomes manual. Empty span, model and report ids are dropped.
func Sanitize(runID string, req model.UsageReportRequest, fallbackTs int64) model.UsageReport {
	source := model.UsageSource(req.Source)
	if !source.Valid() {
		source = model.UsageSourceManual
	}
	return model.UsageReport{
		RunID:        runID,
		SpanID:       nonEmpty(req.SpanID),
		Ts:           req.Ts.Millis(fallbackTs),
		Model:        nonEmpty(req.Model),
		InputTokens:  tokens(req.InputTokens),
		OutputTokens: tokens(req.OutputTokens),
		TotalTokens:  tokens(req.TotalTokens),
		CostUSD:      bounded(req.CostUSD, model.MaxUsageCostUSD),
		Attrs:        req.Attrs,
		Source:       source,
		Confidence:   bounded(req.Confidence, 1),
		ReportID:     nonEmpty(req.ReportID),
	}
}

// Aggregate folds reports into the usage projection of runID.
//
// BySpan holds the latest report per span, ordered by timestamp and then id.
// Totals come from the latest run-level report when one exists; such a report
// overrides the span figures outright, even when it carries fewer fields.
// Otherwise totals are the sum of the per-span figures. A field no report
// specifies stays null.
func Aggregate(runID string, reports []model.UsageReport) model.UsageAggregate {
	agg := model.UsageAggregate{
		RunID:        runID,
		TotalsSource: model.TotalsFromSpans,
		BySpan:       map[string]model.SpanUsage{},
		ReportCount:  len(reports),
	}

	var runLevel *model.UsageReport
	latest := map[string]model.UsageReport{}
	for i := range reports {
		r := reports[i]
		if r.SpanID == nil {
			if runLevel == nil || newer(r, *runLevel) {
				runLevel = &reports[i]
			}
			continue
		}
		if cur, ok := latest[*r.SpanID]; !ok || newer(r, cur) {
			latest[*r.SpanID] = r
		}
	}

	var sum model.UsageTotals
	for spanID, r := range latest {
		t := totalsOf(r)
		agg.BySpan[spanID] = model.SpanUsage{UsageTotals: t, Model: r.Model, ReportID: r.ID, Ts: r.Ts}
		sum.InputTokens = addInt(sum.InputTokens, t.InputTokens)
		sum.OutputTokens = addInt(sum.OutputTokens, t.OutputTokens)
		sum.TotalTokens = addInt(sum.TotalTokens, t.TotalTokens)
		sum.CostUSD = addFloat(sum.CostUSD, t.CostUSD)
	}

	if runLevel != nil {
		agg.Totals = totalsOf(*runLevel)
		agg.TotalsSource = model.TotalsFromRun
		return agg
	}
	agg.Totals = sum
	return agg
}

// totalsOf returns the figures of one report, deriving totalTokens from the
// supplied input and output counts when it was not reported.
func totalsOf(r model.UsageReport) model.UsageTotals {
	t := model.UsageTotals{
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		TotalTokens:  r.TotalTokens,
		CostUSD:      r.CostUSD,
	}
	if t.TotalTokens == nil {
		t.TotalTokens = addInt(addInt(nil, t.InputTokens), t.OutputTokens)
	}
	return t
}

func newer(a, b model.UsageReport) bool {
	if c := cmp.Compare(a.Ts, b.Ts); c != 0 {
		return c > 0
	}
	return a.ID > b.ID
}

func addInt(acc, v *int64) *int64 {
	if v == nil {
		return acc
	}
	if acc == nil {
		return model.Ptr(*v)
	}
	return model.Ptr(*acc + *v)
}

func addFloat(acc, v *float64) *float64 {
	if v == nil {
		return acc
	}
	if acc == nil {
		return model.Ptr(*v)
	}
	return model.Ptr(*acc + *v)
}

// number extracts a finite float from a decoded JSON value or a Go numeric.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func tokens(v any) *int64 {
	f, ok := number(v)
	if !ok || f < 0 || f > model.MaxUsageTokens || f != math.Trunc(f) {
		return nil
	}
	return model.Ptr(int64(f))
}

func bounded(v any, upper float64) *float64 {
	f, ok := number(v)
	if !ok || f < 0 || f > upper {
		return nil
	}
	return model.Ptr(f)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
