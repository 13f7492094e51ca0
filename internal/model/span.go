package model

import "maps"

// SpanKind tags the kind of work a span represents. Producers may send
// kinds outside this list; they are stored verbatim.
type SpanKind string

const (
	SpanKindLLM    SpanKind = "llm"
	SpanKindTool   SpanKind = "tool"
	SpanKindAgent  SpanKind = "agent"
	SpanKindStep   SpanKind = "step"
	SpanKindIO     SpanKind = "io"
	SpanKindCustom SpanKind = "custom"
)

// SpanStatus is the outcome of a finished span.
type SpanStatus string

const (
	SpanStatusOK        SpanStatus = "ok"
	SpanStatusError     SpanStatus = "error"
	SpanStatusCancelled SpanStatus = "cancelled"
)

// Attribute keys the tracker itself reads and writes.
const (
	AttrAuto        = "auto"
	AttrPlaceholder = "placeholder"
	AttrToolCallID  = "toolCallId"
	AttrToolName    = "toolName"
)

// Span is a named, timed unit of work inside a run. Timestamps are epoch
// milliseconds. A nil EndTs means the span is still open.
type Span struct {
	SpanID       string         `json:"spanId"`
	RunID        string         `json:"runId"`
	ParentSpanID *string        `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	Kind         SpanKind       `json:"kind"`
	StartTs      int64          `json:"startTs"`
	EndTs        *int64         `json:"endTs,omitempty"`
	Status       SpanStatus     `json:"status,omitempty"`
	Attrs        map[string]any `json:"attrs"`
}

// Placeholder reports whether the span was created from only the closing
// half of a pair and is still waiting for its opening event.
func (s Span) Placeholder() bool {
	v, _ := s.Attrs[AttrPlaceholder].(bool)
	return v
}

// Auto reports whether the span was derived from tool events rather than
// declared explicitly.
func (s Span) Auto() bool {
	v, _ := s.Attrs[AttrAuto].(bool)
	return v
}

// MergeSpan folds incoming into existing and returns the result. Neither
// argument is modified. Fields already set on existing are never cleared:
//
//   - EndTs and Status take the incoming value when it is set.
//   - Attrs are merged key by key; incoming keys win.
//   - ParentSpanID is filled only when existing has none.
//   - SpanID, RunID, Name, Kind and StartTs keep their existing values.
func MergeSpan(existing, incoming Span) Span {
	out := existing
	out.Attrs = mergeAttrs(existing.Attrs, incoming.Attrs)
	if incoming.EndTs != nil {
		out.EndTs = Ptr(*incoming.EndTs)
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if out.ParentSpanID == nil && incoming.ParentSpanID != nil {
		out.ParentSpanID = Ptr(*incoming.ParentSpanID)
	}
	return out
}

// UpgradeSpan resolves a placeholder with the declaration that finally
// arrived. The declaration supplies name, kind and attrs; the placeholder's
// timing and status are kept. StartTs moves earlier when the declaration
// knows a better start, never later.
func UpgradeSpan(placeholder, decl Span) Span {
	out := MergeSpan(placeholder, decl)
	delete(out.Attrs, AttrPlaceholder)
	if decl.Name != "" {
		out.Name = decl.Name
	}
	if decl.Kind != "" {
		out.Kind = decl.Kind
	}
	if decl.StartTs != 0 && decl.StartTs < out.StartTs {
		out.StartTs = decl.StartTs
	}
	return out
}

func mergeAttrs(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}
