package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/service/usage"
	"github.com/ashita-ai/agentops/internal/storage"
)

// MaxAnalyzedSpans caps how many spans a summary loads. Larger runs are
// summarized over their earliest spans and flagged Truncated.
const MaxAnalyzedSpans = 10_000

// Service loads a run's spans and usage and summarizes them.
type Service struct {
	db    *storage.DB
	usage *usage.Accounting
	now   func() time.Time
}

// New creates an analysis service. A nil now uses time.Now.
func New(db *storage.DB, acct *usage.Accounting, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, usage: acct, now: now}
}

// Summary returns the trace summary of runID. An unknown run yields an empty
// summary.
func (s *Service) Summary(ctx context.Context, runID string) (model.TraceSummary, error) {
	spans, truncated, err := s.db.LoadSpans(ctx, runID, MaxAnalyzedSpans)
	if err != nil {
		return model.TraceSummary{}, fmt.Errorf("analysis: load spans: %w", err)
	}
	agg, err := s.usage.Aggregate(ctx, runID)
	if err != nil {
		return model.TraceSummary{}, fmt.Errorf("analysis: load usage: %w", err)
	}
	sum := Summarize(runID, spans, &agg, s.now().UnixMilli())
	sum.Truncated = truncated
	return sum, nil
}
