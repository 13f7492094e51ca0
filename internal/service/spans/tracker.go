// Package spans derives and maintains the span tree of a run from its events.
//
// Explicit spans come from span.start/span.end pairs. Tool spans are derived
// from tool.called/tool.result pairs that share a toolCallId. Either half of a
// pair may arrive first: a closing event without its opening creates a
// placeholder span that the opening event later upgrades in place.
package spans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/storage"
)

// Transition names what an event did to the span store.
type Transition string

const (
	TransitionNone        Transition = "none"
	TransitionCreated     Transition = "created"
	TransitionPlaceholder Transition = "placeholder"
	TransitionUpgraded    Transition = "upgraded"
	TransitionMerged      Transition = "merged"
	TransitionClosed      Transition = "closed"
	TransitionSkipped     Transition = "skipped"
)

// Names given to spans whose declaration has not arrived yet.
const (
	PendingToolName  = "Tool: (pending)"
	UnresolvedName   = "(unresolved span)"
	unknownToolLabel = "unknown"
)

// Result reports the outcome of applying one event.
type Result struct {
	Transition Transition
	Span       *model.Span
}

// Tracker applies span side effects of events to the store.
type Tracker struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewTracker creates a tracker over db.
func NewTracker(db *storage.DB, logger *slog.Logger) *Tracker {
	return &Tracker{db: db, logger: logger}
}

// DeriveSpanID returns the span id of the tool call callID in runID. The run
// id is length-prefixed so distinct (run, call) pairs never collide even when
// either part contains the separator.
func DeriveSpanID(runID, callID string) string {
	return fmt.Sprintf("tool-%d-%s-%s", len(runID), runID, callID)
}

// ToolSpanName is the display name of a tool span.
func ToolSpanName(toolName string) string {
	if toolName == "" {
		toolName = unknownToolLabel
	}
	return "Tool: " + toolName
}

// Apply dispatches ev to the handler for its type. Events without span side
// effects return TransitionNone. When db is bound to a transaction the span
// write joins it and commits with the append; a nil db uses the tracker's
// own handle.
func (t *Tracker) Apply(ctx context.Context, db *storage.DB, ev model.Event) (Result, error) {
	switch ev.Type {
	case model.EventToolCalled:
		return t.HandleToolCalled(ctx, db, ev)
	case model.EventToolResult:
		return t.HandleToolResult(ctx, db, ev)
	case model.EventSpanStart:
		return t.HandleSpanStart(ctx, db, ev)
	case model.EventSpanEnd:
		return t.HandleSpanEnd(ctx, db, ev)
	}
	return Result{Transition: TransitionNone}, nil
}

// HandleToolCalled opens the tool span for the call, or upgrades the
// placeholder left by a result that arrived first. A repeated call for a span
// that is already open or finished is ignored.
func (t *Tracker) HandleToolCalled(ctx context.Context, db *storage.DB, ev model.Event) (Result, error) {
	var p model.ToolCalledPayload
	if !t.decode(ev, &p) || p.ToolCallID == "" {
		return Result{Transition: TransitionSkipped}, nil
	}
	ts := ev.Ts.UnixMilli()
	decl := model.Span{
		SpanID:  DeriveSpanID(ev.RunID, p.ToolCallID),
		RunID:   ev.RunID,
		Name:    ToolSpanName(p.ToolName),
		Kind:    model.SpanKindTool,
		StartTs: ts,
		Attrs: map[string]any{
			model.AttrAuto:       true,
			model.AttrToolCallID: p.ToolCallID,
			model.AttrToolName:   p.ToolName,
		},
	}

	var res Result
	err := t.store(db).InTx(ctx, func(tx *storage.DB) error {
		existing, err := tx.GetSpan(ctx, decl.SpanID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if decl.ParentSpanID, err = activeParent(ctx, tx, ev.RunID, ts); err != nil {
				return err
			}
			res = Result{Transition: TransitionCreated, Span: &decl}
			return tx.PutSpan(ctx, decl)
		case err != nil:
			return err
		case !existing.Placeholder():
			res = Result{Transition: TransitionNone, Span: &existing}
			return nil
		}

		up := model.UpgradeSpan(existing, decl)
		if up.ParentSpanID == nil {
			if up.ParentSpanID, err = activeParent(ctx, tx, ev.RunID, up.StartTs); err != nil {
				return err
			}
		}
		res = Result{Transition: TransitionUpgraded, Span: &up}
		return tx.PutSpan(ctx, up)
	})
	if err != nil {
		return Result{}, fmt.Errorf("spans: tool called: %w", err)
	}
	return res, nil
}

// HandleToolResult closes the tool span for the call. If the call was never
// seen, a zero-length placeholder is recorded at the result time so the
// outcome is not lost. The status is error when the event level is error.
func (t *Tracker) HandleToolResult(ctx context.Context, db *storage.DB, ev model.Event) (Result, error) {
	var p model.ToolResultPayload
	if !t.decode(ev, &p) || p.ToolCallID == "" {
		return Result{Transition: TransitionSkipped}, nil
	}
	ts := ev.Ts.UnixMilli()
	status := model.SpanStatusOK
	if ev.Level == model.LevelError {
		status = model.SpanStatusError
	}
	spanID := DeriveSpanID(ev.RunID, p.ToolCallID)

	var res Result
	err := t.store(db).InTx(ctx, func(tx *storage.DB) error {
		existing, err := tx.GetSpan(ctx, spanID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			ph := model.Span{
				SpanID:  spanID,
				RunID:   ev.RunID,
				Name:    PendingToolName,
				Kind:    model.SpanKindTool,
				StartTs: ts,
				EndTs:   model.Ptr(ts),
				Status:  status,
				Attrs: map[string]any{
					model.AttrAuto:        true,
					model.AttrPlaceholder: true,
					model.AttrToolCallID:  p.ToolCallID,
				},
			}
			if ph.ParentSpanID, err = activeParent(ctx, tx, ev.RunID, ts); err != nil {
				return err
			}
			res = Result{Transition: TransitionPlaceholder, Span: &ph}
			return tx.PutSpan(ctx, ph)
		case err != nil:
			return err
		}

		closed := model.MergeSpan(existing, model.Span{EndTs: model.Ptr(ts), Status: status})
		res = Result{Transition: TransitionClosed, Span: &closed}
		return tx.PutSpan(ctx, closed)
	})
	if err != nil {
		return Result{}, fmt.Errorf("spans: tool result: %w", err)
	}
	return res, nil
}

// HandleSpanStart records an explicit span declaration. A placeholder left by
// an earlier span.end is upgraded; an existing declared span is coalesced.
func (t *Tracker) HandleSpanStart(ctx context.Context, db *storage.DB, ev model.Event) (Result, error) {
	var p model.SpanStartPayload
	if !t.decode(ev, &p) || p.SpanID == "" {
		return Result{Transition: TransitionSkipped}, nil
	}
	kind := p.Kind
	if kind == "" {
		kind = model.SpanKindCustom
	}
	name := p.Name
	if name == "" {
		name = p.SpanID
	}
	decl := model.Span{
		SpanID:       p.SpanID,
		RunID:        ev.RunID,
		ParentSpanID: p.ParentSpanID,
		Name:         name,
		Kind:         kind,
		StartTs:      p.Ts.Millis(ev.Ts.UnixMilli()),
		Attrs:        p.Attrs,
	}
	if decl.ParentSpanID != nil && *decl.ParentSpanID == decl.SpanID {
		decl.ParentSpanID = nil
	}

	var res Result
	err := t.store(db).InTx(ctx, func(tx *storage.DB) error {
		existing, err := tx.GetSpan(ctx, decl.SpanID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if decl.Attrs == nil {
				decl.Attrs = map[string]any{}
			}
			res = Result{Transition: TransitionCreated, Span: &decl}
			return tx.PutSpan(ctx, decl)
		case err != nil:
			return err
		case existing.RunID != ev.RunID:
			t.logger.Warn("spans: span id reused across runs",
				"span_id", decl.SpanID, "run_id", ev.RunID, "owner_run_id", existing.RunID)
			res = Result{Transition: TransitionSkipped}
			return nil
		case existing.Placeholder():
			up := model.UpgradeSpan(existing, decl)
			res = Result{Transition: TransitionUpgraded, Span: &up}
			return tx.PutSpan(ctx, up)
		}

		merged, _, err := tx.UpsertSpan(ctx, decl)
		if err != nil {
			return err
		}
		res = Result{Transition: TransitionMerged, Span: &merged}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("spans: span start: %w", err)
	}
	return res, nil
}

// HandleSpanEnd closes an explicit span. Without a prior span.start a
// placeholder is recorded so the end time and status survive until the start
// arrives. A missing status means ok.
func (t *Tracker) HandleSpanEnd(ctx context.Context, db *storage.DB, ev model.Event) (Result, error) {
	var p model.SpanEndPayload
	if !t.decode(ev, &p) || p.SpanID == "" {
		return Result{Transition: TransitionSkipped}, nil
	}
	ts := p.Ts.Millis(ev.Ts.UnixMilli())
	status := p.Status
	if status == "" {
		status = model.SpanStatusOK
	}
	closing := model.Span{EndTs: model.Ptr(ts), Status: status, Attrs: p.Attrs}

	var res Result
	err := t.store(db).InTx(ctx, func(tx *storage.DB) error {
		existing, err := tx.GetSpan(ctx, p.SpanID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			ph := model.MergeSpan(model.Span{
				SpanID:  p.SpanID,
				RunID:   ev.RunID,
				Name:    UnresolvedName,
				Kind:    model.SpanKindCustom,
				StartTs: ts,
				Attrs:   map[string]any{model.AttrPlaceholder: true},
			}, closing)
			ph.Attrs[model.AttrPlaceholder] = true
			res = Result{Transition: TransitionPlaceholder, Span: &ph}
			return tx.PutSpan(ctx, ph)
		case err != nil:
			return err
		case existing.RunID != ev.RunID:
			t.logger.Warn("spans: span id reused across runs",
				"span_id", p.SpanID, "run_id", ev.RunID, "owner_run_id", existing.RunID)
			res = Result{Transition: TransitionSkipped}
			return nil
		}

		closed := model.MergeSpan(existing, closing)
		res = Result{Transition: TransitionClosed, Span: &closed}
		return tx.PutSpan(ctx, closed)
	})
	if err != nil {
		return Result{}, fmt.Errorf("spans: span end: %w", err)
	}
	return res, nil
}

// decode unmarshals the event payload into v. Malformed payloads are logged
// and skipped; the event itself is already stored.
func (t *Tracker) decode(ev model.Event, v any) bool {
	if len(ev.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		t.logger.Debug("spans: undecodable payload", "run_id", ev.RunID, "type", ev.Type, "error", err)
		return false
	}
	return true
}

// store returns db when the caller supplied one, usually a handle bound to
// the event's transaction, and the tracker's own handle otherwise.
func (t *Tracker) store(db *storage.DB) *storage.DB {
	if db != nil {
		return db
	}
	return t.db
}

// activeParent returns the id of the declared span open at ts, if any.
func activeParent(ctx context.Context, db *storage.DB, runID string, ts int64) (*string, error) {
	parent, err := db.FindActiveSpan(ctx, runID, &ts, false)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &parent.SpanID, nil
}
