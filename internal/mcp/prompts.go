package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// investigate-run: walks the agent through diagnosing one run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("investigate-run",
			mcplib.WithPromptDescription("Diagnose why a run was slow, expensive or failed"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run to investigate"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleInvestigateRunPrompt,
	)

	// instrumentation-guide: which events to post so spans and usage are derived.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("instrumentation-guide",
			mcplib.WithPromptDescription("How to report events so agentops can build spans, usage and trace summaries"),
		),
		s.handleInstrumentationGuidePrompt,
	)
}

func (s *Server) handleInvestigateRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Investigate run %s", runID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Investigate run %[1]s step by step:

1. CALL agentops_trace_summary with run_id="%[1]s".
   - criticalPathMs and criticalPathSpanIds show the chain that bounded the run.
   - hotspotsByKindSelf shows where time was spent exclusive of children.
   - errorSpans lists every span that ended with status error.
   - anomalyCounts, when present, means some span timings were implausible
     and were left out of the totals.

2. CALL agentops_list_spans with run_id="%[1]s" to see the tree around the
   spans the summary pointed at. A placeholder span saw a tool result with
   no matching call.

3. CALL agentops_list_events with run_id="%[1]s" and type="tool.result" or
   "run.error" to read the error payloads.

4. CALL agentops_usage with run_id="%[1]s" if cost or tokens matter.

Report the root cause, the spans involved, and what would make the run faster
or cheaper.`, runID),
				},
			},
		},
	}, nil
}

func (s *Server) handleInstrumentationGuidePrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "agentops event conventions",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `agentops stores every event posted to POST /api/runs/{id}/events and derives
spans and usage from a few well-known types. The run is created on the first
event.

## Tool calls

- tool.called  {toolCallId, toolName, params}
- tool.result  {toolCallId, result | error}   (level "error" marks failure)

The pair becomes one span named "Tool: <toolName>". Order does not matter; a
result that arrives first leaves a placeholder that the call later fills in.

## Explicit spans

- span.start {spanId, name, kind, ts, parentSpanId?, attrs?}
- span.end   {spanId, ts, status?, attrs?}

kind is one of llm, tool, agent, step, io, custom. Tool calls made while a
span is open are parented under it.

## Usage

- usage.report {reportId?, spanId?, model?, inputTokens?, outputTokens?,
  totalTokens?, costUsd?, source?, confidence?}

Reuse reportId when retrying; duplicates are ignored. Omit spanId for a
run-level total, which overrides the per-span sum.

## Lifecycle

- run.completed ends the run.
- run.error {error | message} ends it as failed.`,
				},
			},
		},
	}, nil
}
