package model

import (
	"encoding/json"
	"time"
)

// Event types with side effects beyond the log itself. Any other type string
// is stored and streamed as-is.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunError     = "run.error"

	EventToolCalled = "tool.called"
	EventToolResult = "tool.result"

	EventSpanStart = "span.start"
	EventSpanEnd   = "span.end"

	EventUsageReport = "usage.report"
)

// EventLevel is the severity attached to an event.
type EventLevel string

const (
	LevelDebug EventLevel = "debug"
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Valid reports whether l is a known level.
func (l EventLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// Event is an append-only entry in a run's log. The ID is assigned by the
// store and is strictly increasing across all runs. It is serialized as a
// string so browser clients can use it as an SSE cursor without precision loss.
type Event struct {
	ID      int64           `json:"id,string"`
	RunID   string          `json:"runId"`
	Ts      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Level   EventLevel      `json:"level"`
	AgentID string          `json:"agentId,omitempty"`
	TaskID  string          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// AppendEventRequest is the body of POST /api/runs/{id}/events.
type AppendEventRequest struct {
	Type    string          `json:"type"`
	Ts      FlexTime        `json:"ts,omitzero"`
	Level   EventLevel      `json:"level,omitempty"`
	AgentID string          `json:"agentId,omitempty"`
	TaskID  string          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ToolCalledPayload is the payload of a tool.called event.
type ToolCalledPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// ToolResultPayload is the payload of a tool.result event.
type ToolResultPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// SpanStartPayload is the payload of a span.start event.
type SpanStartPayload struct {
	SpanID       string         `json:"spanId"`
	ParentSpanID *string        `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	Kind         SpanKind       `json:"kind"`
	Ts           FlexTime       `json:"ts"`
	Attrs        map[string]any `json:"attrs,omitempty"`
}

// SpanEndPayload is the payload of a span.end event.
type SpanEndPayload struct {
	SpanID string         `json:"spanId"`
	Ts     FlexTime       `json:"ts"`
	Status SpanStatus     `json:"status,omitempty"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// RunErrorPayload carries the failure reason on run.error events. Collectors
// use either key.
type RunErrorPayload struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
