package model

// SpanDigest is the compact view of a span used in summary lists.
type SpanDigest struct {
	SpanID     string     `json:"spanId"`
	Name       string     `json:"name"`
	Kind       SpanKind   `json:"kind"`
	DurationMs int64      `json:"durationMs"`
	Status     SpanStatus `json:"status,omitempty"`
}

// KindHotspot aggregates inclusive time and usage for one span kind.
type KindHotspot struct {
	Kind            SpanKind `json:"kind"`
	TotalDurationMs int64    `json:"totalDurationMs"`
	SpanCount       int      `json:"spanCount"`
	ErrorCount      int      `json:"errorCount"`
	InputTokens     *int64   `json:"inputTokens,omitempty"`
	OutputTokens    *int64   `json:"outputTokens,omitempty"`
	TotalTokens     *int64   `json:"totalTokens,omitempty"`
	CostUSD         *float64 `json:"costUsd,omitempty"`
}

// KindSelfHotspot aggregates exclusive (self) time and usage for one kind.
type KindSelfHotspot struct {
	Kind         SpanKind `json:"kind"`
	TotalSelfMs  int64    `json:"totalSelfMs"`
	SpanCount    int      `json:"spanCount"`
	ErrorCount   int      `json:"errorCount"`
	InputTokens  *int64   `json:"inputTokens,omitempty"`
	OutputTokens *int64   `json:"outputTokens,omitempty"`
	TotalTokens  *int64   `json:"totalTokens,omitempty"`
	CostUSD      *float64 `json:"costUsd,omitempty"`
}

// AnomalyCounts reports data-quality signals found while summarizing.
// Zero fields are omitted.
type AnomalyCounts struct {
	DurationAnomalies    int `json:"durationAnomalies,omitempty"`
	SelfTimeClampedSpans int `json:"selfTimeClampedSpans,omitempty"`
}

// Zero reports whether no anomaly was counted.
func (a AnomalyCounts) Zero() bool {
	return a.DurationAnomalies == 0 && a.SelfTimeClampedSpans == 0
}

// TraceSummary is the analytics projection of a run's spans.
type TraceSummary struct {
	RunID               string            `json:"runId"`
	SpanCount           int               `json:"spanCount"`
	TotalDurationMs     int64             `json:"totalDurationMs"`
	CriticalPathMs      int64             `json:"criticalPathMs"`
	CriticalPathSpanIDs []string          `json:"criticalPathSpanIds"`
	SlowestSpans        []SpanDigest      `json:"slowestSpans"`
	ErrorSpans          []SpanDigest      `json:"errorSpans"`
	HotspotsByKind      []KindHotspot     `json:"hotspotsByKind"`
	HotspotsByKindSelf  []KindSelfHotspot `json:"hotspotsByKindSelf"`
	AnomalyCounts       *AnomalyCounts    `json:"anomalyCounts,omitempty"`
	Usage               *UsageTotals      `json:"usage,omitempty"`
	Truncated           bool              `json:"truncated,omitempty"`
}
