package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	recentRunsURI     = "agentops://runs/recent"
	runSummaryPrefix  = "agentops://run/"
	runSummarySuffix  = "/summary"
	recentRunsReadCap = 20
)

func (s *Server) registerResources() {
	// agentops://runs/recent: the most recently started runs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentRunsURI,
			"Recent Runs",
			mcplib.WithResourceDescription("The most recently started agent runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	// agentops://run/{id}/summary: trace summary of one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runSummaryPrefix+"{id}"+runSummarySuffix,
			"Run Summary",
			mcplib.WithTemplateDescription("Trace summary and usage totals for a specific run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunSummary,
	)
}

func (s *Server) handleRecentRuns(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.db.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}
	out := make([]map[string]any, 0, min(len(runs), recentRunsReadCap))
	for _, r := range runs[:min(len(runs), recentRunsReadCap)] {
		out = append(out, compactRun(r))
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      recentRunsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunSummary(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, err := parseRunSummaryURI(uri)
	if err != nil {
		return nil, err
	}

	sum, err := s.analysis.Summary(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run summary: %w", err)
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal summary: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseRunSummaryURI extracts the run id from agentops://run/{id}/summary.
// Run ids may contain slashes, so only the fixed prefix and suffix are cut.
func parseRunSummaryURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, runSummaryPrefix) || !strings.HasSuffix(uri, runSummarySuffix) {
		return "", fmt.Errorf("mcp: invalid run summary URI: %s", uri)
	}
	if len(uri) <= len(runSummaryPrefix)+len(runSummarySuffix) {
		return "", fmt.Errorf("mcp: empty run id in URI: %s", uri)
	}
	return uri[len(runSummaryPrefix) : len(uri)-len(runSummarySuffix)], nil
}
