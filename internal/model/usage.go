package model

// UsageSource records how a usage figure was obtained.
type UsageSource string

const (
	UsageSourceMetadata UsageSource = "metadata"
	UsageSourceJSON     UsageSource = "json"
	UsageSourceRegex    UsageSource = "regex"
	UsageSourceManual   UsageSource = "manual"
)

// Valid reports whether s is a known source.
func (s UsageSource) Valid() bool {
	switch s {
	case UsageSourceMetadata, UsageSourceJSON, UsageSourceRegex, UsageSourceManual:
		return true
	}
	return false
}

// Limits applied when sanitizing usage numbers. Values outside them are
// stored as null.
const (
	MaxUsageTokens  = 50_000_000
	MaxUsageCostUSD = 10_000
)

// UsageReport is one token/cost observation. A nil SpanID means the figure
// covers the whole run.
type UsageReport struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"runId"`
	SpanID       *string        `json:"spanId,omitempty"`
	Ts           int64          `json:"ts"`
	Model        *string        `json:"model,omitempty"`
	InputTokens  *int64         `json:"inputTokens"`
	OutputTokens *int64         `json:"outputTokens"`
	TotalTokens  *int64         `json:"totalTokens"`
	CostUSD      *float64       `json:"costUsd"`
	Attrs        map[string]any `json:"attrs,omitempty"`
	Source       UsageSource    `json:"source"`
	Confidence   *float64       `json:"confidence,omitempty"`
	ReportID     *string        `json:"reportId,omitempty"`
}

// UsageReportRequest is the wire form of a usage report, taken from either a
// usage.report event payload or POST /api/runs/{id}/usage. Numeric fields are
// left untyped so malformed values can be sanitized instead of failing the
// decode.
type UsageReportRequest struct {
	ReportID     *string        `json:"reportId,omitempty"`
	SpanID       *string        `json:"spanId,omitempty"`
	Model        *string        `json:"model,omitempty"`
	Ts           FlexTime       `json:"ts,omitzero"`
	InputTokens  any            `json:"inputTokens,omitempty"`
	OutputTokens any            `json:"outputTokens,omitempty"`
	TotalTokens  any            `json:"totalTokens,omitempty"`
	CostUSD      any            `json:"costUsd,omitempty"`
	Source       string         `json:"source,omitempty"`
	Confidence   any            `json:"confidence,omitempty"`
	Attrs        map[string]any `json:"attrs,omitempty"`
}

// UsageTotals is a token/cost figure. Nil means unknown, which is distinct
// from zero.
type UsageTotals struct {
	InputTokens  *int64   `json:"inputTokens"`
	OutputTokens *int64   `json:"outputTokens"`
	TotalTokens  *int64   `json:"totalTokens"`
	CostUSD      *float64 `json:"costUsd"`
}

// SpanUsage is the latest usage figure recorded against one span.
type SpanUsage struct {
	UsageTotals
	Model    *string `json:"model,omitempty"`
	ReportID int64   `json:"reportId"`
	Ts       int64   `json:"ts"`
}

// Where UsageAggregate.Totals came from.
const (
	TotalsFromRun   = "run"
	TotalsFromSpans = "spans"
)

// UsageAggregate is the usage projection of a run.
type UsageAggregate struct {
	RunID        string               `json:"runId"`
	Totals       UsageTotals          `json:"totals"`
	TotalsSource string               `json:"totalsSource"`
	BySpan       map[string]SpanUsage `json:"bySpan"`
	ReportCount  int                  `json:"reportCount"`
}
