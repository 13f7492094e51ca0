package mcp

import (
	"encoding/json"
	"time"

	"github.com/ashita-ai/agentops/internal/model"
)

// maxPayloadChars bounds the payload text echoed back per event. Agents read
// tool output into their context window, so full payloads stay on the HTTP API.
const maxPayloadChars = 500

// compactRun returns the fields of a run an agent needs to pick one.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"title":      r.Title,
		"status":     r.Status,
		"started_at": r.StartedAt.UTC().Format(time.RFC3339),
	}
	if r.EndedAt != nil {
		m["ended_at"] = r.EndedAt.UTC().Format(time.RFC3339)
		m["duration_ms"] = r.EndedAt.Sub(r.StartedAt).Milliseconds()
	}
	if r.ErrorMessage != nil {
		m["error"] = *r.ErrorMessage
	}
	return m
}

// compactEvent drops empty fields and truncates the payload.
func compactEvent(e model.Event) map[string]any {
	m := map[string]any{
		"id":    e.ID,
		"ts":    e.Ts.UTC().Format(time.RFC3339Nano),
		"type":  e.Type,
		"level": e.Level,
	}
	if e.AgentID != "" {
		m["agent_id"] = e.AgentID
	}
	if e.TaskID != "" {
		m["task_id"] = e.TaskID
	}
	if p := payloadText(e.Payload); p != "" {
		m["payload"] = truncate(p, maxPayloadChars)
	}
	return m
}

// compactSpan reports a span with its duration instead of raw end time.
// Open spans carry "open": true and no duration.
func compactSpan(s model.Span) map[string]any {
	m := map[string]any{
		"span_id":  s.SpanID,
		"name":     s.Name,
		"kind":     s.Kind,
		"start_ts": s.StartTs,
	}
	if s.ParentSpanID != nil {
		m["parent_span_id"] = *s.ParentSpanID
	}
	if s.EndTs != nil {
		m["duration_ms"] = *s.EndTs - s.StartTs
	} else {
		m["open"] = true
	}
	if s.Status != "" {
		m["status"] = s.Status
	}
	if s.Placeholder() {
		m["placeholder"] = true
	}
	return m
}

func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
