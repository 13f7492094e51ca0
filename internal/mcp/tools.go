package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/storage"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

func (s *Server) registerTools() {
	// agentops_list_runs: find a run to inspect.
	s.mcpServer.AddTool(
		mcplib.NewTool("agentops_list_runs",
			mcplib.WithDescription(`List recorded agent runs, most recently started first.

WHEN TO USE: To find the run you want to inspect. Filter by status to find
failed runs ("error") or runs still in progress ("running").

WHAT YOU GET BACK: id, title, status, start/end time and duration for each
run, plus the error message of failed runs.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Only return runs in this status"),
				mcplib.Enum(string(model.RunStatusRunning), string(model.RunStatusCompleted), string(model.RunStatusError)),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(maxRunLimit),
				mcplib.DefaultNumber(defaultRunLimit),
			),
		),
		s.handleListRuns,
	)

	// agentops_list_events: page through a run's event log.
	s.mcpServer.AddTool(
		mcplib.NewTool("agentops_list_events",
			mcplib.WithDescription(`Read a run's event log in order.

Pass the last id you saw as "after" to continue where you left off. Payloads
are truncated; use the HTTP API for full bodies.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
			mcplib.WithNumber("after", mcplib.Description("Return only events with an id greater than this"), mcplib.Min(0)),
			mcplib.WithString("type", mcplib.Description("Only return events of this type, for example tool.called")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of events to return"),
				mcplib.Min(1),
				mcplib.Max(storage.MaxEventLimit),
				mcplib.DefaultNumber(100),
			),
		),
		s.handleListEvents,
	)

	// agentops_list_spans: the span tree of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("agentops_list_spans",
			mcplib.WithDescription(`List the spans of a run in start order, with parent links and durations.

Tool spans are derived from tool.called/tool.result events. A span marked
placeholder saw its result but never its call.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
			mcplib.WithNumber("since", mcplib.Description("Only spans starting at or after this epoch-millisecond time")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of spans to return"),
				mcplib.Min(1),
				mcplib.Max(storage.MaxSpanLimit),
				mcplib.DefaultNumber(storage.DefaultSpanLimit),
			),
		),
		s.handleListSpans,
	)

	// agentops_trace_summary: where the time went.
	s.mcpServer.AddTool(
		mcplib.NewTool("agentops_trace_summary",
			mcplib.WithDescription(`Summarize a run's trace: total duration, the critical path, the slowest and
failed spans, and time and token hotspots per span kind (inclusive and self).

WHEN TO USE: First, when asked why a run was slow, expensive or failed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleTraceSummary,
	)

	// agentops_usage: tokens and cost.
	s.mcpServer.AddTool(
		mcplib.NewTool("agentops_usage",
			mcplib.WithDescription(`Report token and cost usage for a run: run totals and the latest figure per span.

totals_source is "run" when a run-level report set the totals, or "spans"
when they are the sum of per-span figures. Null means unknown, not zero.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleUsage,
	)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := model.RunStatus(request.GetString("status", ""))
	if status != "" && !status.Valid() {
		return errorResult(model.ErrMsgInvalidStatus), nil
	}
	limit := clamp(request.GetInt("limit", defaultRunLimit), 1, maxRunLimit)

	runs, err := s.db.ListRuns(ctx)
	if err != nil {
		s.logger.Error("mcp: list runs failed", "error", err)
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}

	out := make([]map[string]any, 0, min(limit, len(runs)))
	matched := 0
	for _, r := range runs {
		if status != "" && r.Status != status {
			continue
		}
		matched++
		if len(out) < limit {
			out = append(out, compactRun(r))
		}
	}
	return jsonResult(map[string]any{
		"runs":  out,
		"total": matched,
	})
}

func (s *Server) handleListEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	after := int64(request.GetFloat("after", 0))
	limit := clamp(request.GetInt("limit", 100), 1, storage.MaxEventLimit)
	eventType := request.GetString("type", "")

	events, err := s.db.ListEvents(ctx, runID, after, limit)
	if err != nil {
		s.logger.Error("mcp: list events failed", "run_id", runID, "error", err)
		return errorResult(fmt.Sprintf("list events failed: %v", err)), nil
	}

	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, compactEvent(e))
	}
	result := map[string]any{
		"run_id": runID,
		"events": out,
	}
	// The cursor advances over filtered-out events too, so paging with a
	// type filter never rereads the same page.
	if n := len(events); n > 0 {
		result["next_after"] = events[n-1].ID
		result["has_more"] = n == limit
	}
	return jsonResult(result)
}

func (s *Server) handleListSpans(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	var since *int64
	if v := request.GetFloat("since", -1); v >= 0 {
		ts := int64(v)
		since = &ts
	}
	limit := clamp(request.GetInt("limit", storage.DefaultSpanLimit), 1, storage.MaxSpanLimit)

	spans, err := s.db.ListSpans(ctx, runID, since, limit)
	if err != nil {
		s.logger.Error("mcp: list spans failed", "run_id", runID, "error", err)
		return errorResult(fmt.Sprintf("list spans failed: %v", err)), nil
	}

	out := make([]map[string]any, 0, len(spans))
	for _, sp := range spans {
		out = append(out, compactSpan(sp))
	}
	return jsonResult(map[string]any{
		"run_id": runID,
		"spans":  out,
		"total":  len(out),
	})
}

func (s *Server) handleTraceSummary(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	sum, err := s.analysis.Summary(ctx, runID)
	if err != nil {
		s.logger.Error("mcp: trace summary failed", "run_id", runID, "error", err)
		return errorResult(fmt.Sprintf("trace summary failed: %v", err)), nil
	}
	return jsonResult(sum)
}

func (s *Server) handleUsage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	agg, err := s.usage.Aggregate(ctx, runID)
	if err != nil {
		s.logger.Error("mcp: usage failed", "run_id", runID, "error", err)
		return errorResult(fmt.Sprintf("usage failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"run_id":        agg.RunID,
		"totals":        agg.Totals,
		"totals_source": agg.TotalsSource,
		"by_span":       agg.BySpan,
		"report_count":  agg.ReportCount,
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
