// Package mcp implements the Model Context Protocol server for agentops.
//
// The MCP server exposes the read side of the HTTP API through MCP tools,
// resources and prompts, so an agent can inspect its own runs (events,
// spans, usage and trace summaries) without a separate client. Nothing here
// writes; ingestion stays on the HTTP API.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/agentops/internal/service/analysis"
	"github.com/ashita-ai/agentops/internal/service/usage"
	"github.com/ashita-ai/agentops/internal/storage"
)

// Server wraps the MCP server with the agentops read services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	usage     *usage.Accounting
	analysis  *analysis.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(db *storage.DB, acct *usage.Accounting, analyzer *analysis.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:       db,
		usage:    acct,
		analysis: analyzer,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"agentops",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `agentops records what agent runs did: an event log per run, spans derived
from tool calls and explicit span markers, token/cost usage, and a trace
summary with the critical path and hotspots.

Start with agentops_list_runs to find a run, then agentops_trace_summary for
where its time went. Drill into agentops_list_spans or agentops_list_events
for detail, and agentops_usage for tokens and cost.`
