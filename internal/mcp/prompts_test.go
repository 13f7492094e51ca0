package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvestigateRunPrompt(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.srv.handleInvestigateRunPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "investigate-run",
			Arguments: map[string]string{"run_id": "run-42"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Contains(t, result.Description, "run-42")
	require.Len(t, result.Messages, 1)

	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)
	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	assert.Contains(t, tc.Text, `agentops_trace_summary with run_id="run-42"`)
	assert.Contains(t, tc.Text, "agentops_list_spans")
	assert.Contains(t, tc.Text, "agentops_usage")
}

func TestInvestigateRunPromptMissingRunID(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.handleInvestigateRunPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "investigate-run", Arguments: map[string]string{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_id")
}

func TestInstrumentationGuidePrompt(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.srv.handleInstrumentationGuidePrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "instrumentation-guide"},
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	for _, want := range []string{"tool.called", "tool.result", "span.start", "span.end", "usage.report", "run.error"} {
		assert.Contains(t, tc.Text, want)
	}
}
