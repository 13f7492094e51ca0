package spans_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/service/spans"
	"github.com/ashita-ai/agentops/internal/storage"
	"github.com/ashita-ai/agentops/internal/testutil"
)

func newTracker(t *testing.T) (*spans.Tracker, *storage.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	_, err := db.EnsureRun(context.Background(), "r1")
	require.NoError(t, err)
	return spans.NewTracker(db, testutil.TestLogger()), db
}

func event(typ string, ms int64, level model.EventLevel, payload string) model.Event {
	return model.Event{
		RunID:   "r1",
		Type:    typ,
		Ts:      time.UnixMilli(ms).UTC(),
		Level:   level,
		Payload: json.RawMessage(payload),
	}
}

func apply(t *testing.T, tr *spans.Tracker, ev model.Event) spans.Result {
	t.Helper()
	res, err := tr.Apply(context.Background(), nil, ev)
	require.NoError(t, err)
	return res
}

func TestDeriveSpanIDIsInjective(t *testing.T) {
	assert.Equal(t, spans.DeriveSpanID("r1", "c1"), spans.DeriveSpanID("r1", "c1"))
	assert.NotEqual(t, spans.DeriveSpanID("a-b", "c"), spans.DeriveSpanID("a", "b-c"))
	assert.NotEqual(t, spans.DeriveSpanID("r1", "c1"), spans.DeriveSpanID("r2", "c1"))
}

func TestToolCallThenResult(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	res := apply(t, tr, event(model.EventToolCalled, 1000, model.LevelInfo, `{"toolCallId":"c1","toolName":"Search"}`))
	assert.Equal(t, spans.TransitionCreated, res.Transition)

	res = apply(t, tr, event(model.EventToolResult, 1500, model.LevelInfo, `{"toolCallId":"c1","result":"ok"}`))
	assert.Equal(t, spans.TransitionClosed, res.Transition)

	span, err := db.GetSpan(ctx, spans.DeriveSpanID("r1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "Tool: Search", span.Name)
	assert.Equal(t, model.SpanKindTool, span.Kind)
	assert.Equal(t, int64(1000), span.StartTs)
	require.NotNil(t, span.EndTs)
	assert.Equal(t, int64(1500), *span.EndTs)
	assert.Equal(t, int64(500), *span.EndTs-span.StartTs)
	assert.Equal(t, model.SpanStatusOK, span.Status)
	assert.True(t, span.Auto())
	assert.False(t, span.Placeholder())
}

func TestResultBeforeCallCreatesPlaceholderThenUpgrades(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	id := spans.DeriveSpanID("r1", "c2")

	res := apply(t, tr, event(model.EventToolResult, 2000, model.LevelError, `{"toolCallId":"c2","error":"boom"}`))
	assert.Equal(t, spans.TransitionPlaceholder, res.Transition)

	ph, err := db.GetSpan(ctx, id)
	require.NoError(t, err)
	assert.True(t, ph.Placeholder())
	assert.Equal(t, spans.PendingToolName, ph.Name)
	require.NotNil(t, ph.EndTs)
	assert.Equal(t, int64(2000), *ph.EndTs)
	assert.Equal(t, model.SpanStatusError, ph.Status)

	res = apply(t, tr, event(model.EventToolCalled, 1800, model.LevelInfo, `{"toolCallId":"c2","toolName":"Fetch"}`))
	assert.Equal(t, spans.TransitionUpgraded, res.Transition)

	up, err := db.GetSpan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, up.SpanID)
	assert.Equal(t, "Tool: Fetch", up.Name)
	assert.False(t, up.Placeholder())
	assert.Equal(t, "Fetch", up.Attrs[model.AttrToolName])
	assert.Equal(t, int64(2000), *up.EndTs, "upgrade must not move endTs")
	assert.Equal(t, int64(1800), up.StartTs)
	assert.Equal(t, model.SpanStatusError, up.Status)
}

func TestRepeatedCallIsIgnored(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	apply(t, tr, event(model.EventToolCalled, 1000, model.LevelInfo, `{"toolCallId":"c1","toolName":"Search"}`))
	apply(t, tr, event(model.EventToolResult, 1500, model.LevelInfo, `{"toolCallId":"c1"}`))
	res := apply(t, tr, event(model.EventToolCalled, 3000, model.LevelInfo, `{"toolCallId":"c1","toolName":"Other"}`))
	assert.Equal(t, spans.TransitionNone, res.Transition)

	span, err := db.GetSpan(ctx, spans.DeriveSpanID("r1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "Tool: Search", span.Name)
	assert.Equal(t, int64(1000), span.StartTs)
	assert.Equal(t, int64(1500), *span.EndTs)
}

func TestToolSpanParentsUnderActiveDeclaredSpan(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	apply(t, tr, event(model.EventSpanStart, 900, model.LevelInfo,
		`{"spanId":"agent-1","name":"planner","kind":"agent","ts":900}`))
	apply(t, tr, event(model.EventToolCalled, 1000, model.LevelInfo, `{"toolCallId":"c1","toolName":"Search"}`))
	apply(t, tr, event(model.EventToolCalled, 1100, model.LevelInfo, `{"toolCallId":"c2","toolName":"Fetch"}`))

	for _, c := range []string{"c1", "c2"} {
		span, err := db.GetSpan(ctx, spans.DeriveSpanID("r1", c))
		require.NoError(t, err)
		require.NotNil(t, span.ParentSpanID, c)
		assert.Equal(t, "agent-1", *span.ParentSpanID, "tool spans parent under the declared span, not each other")
	}
}

func TestExplicitSpanLifecycle(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	res := apply(t, tr, event(model.EventSpanStart, 1000, model.LevelInfo,
		`{"spanId":"s1","name":"call model","kind":"llm","ts":1000,"attrs":{"model":"m"}}`))
	assert.Equal(t, spans.TransitionCreated, res.Transition)

	res = apply(t, tr, event(model.EventSpanEnd, 1400, model.LevelInfo,
		`{"spanId":"s1","ts":1400,"status":"ok","attrs":{"tokens":12}}`))
	assert.Equal(t, spans.TransitionClosed, res.Transition)

	span, err := db.GetSpan(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "call model", span.Name)
	assert.Equal(t, model.SpanKindLLM, span.Kind)
	assert.Equal(t, int64(1400), *span.EndTs)
	assert.Equal(t, "m", span.Attrs["model"])
	assert.InDelta(t, 12, span.Attrs["tokens"], 0)
}

func TestRepeatedSpanStartMerges(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	apply(t, tr, event(model.EventSpanStart, 1000, model.LevelInfo,
		`{"spanId":"s1","name":"plan","kind":"agent","ts":1000,"attrs":{"step":1}}`))
	res := apply(t, tr, event(model.EventSpanStart, 1200, model.LevelInfo,
		`{"spanId":"s1","name":"renamed","kind":"llm","ts":1200,"parentSpanId":"root","attrs":{"model":"m"}}`))
	assert.Equal(t, spans.TransitionMerged, res.Transition)
	require.NotNil(t, res.Span)

	span, err := db.GetSpan(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, *res.Span, span)
	assert.Equal(t, "plan", span.Name, "name is kept")
	assert.Equal(t, model.SpanKindAgent, span.Kind)
	assert.Equal(t, int64(1000), span.StartTs)
	require.NotNil(t, span.ParentSpanID)
	assert.Equal(t, "root", *span.ParentSpanID)
	assert.InDelta(t, 1, span.Attrs["step"], 0)
	assert.Equal(t, "m", span.Attrs["model"])
}

func TestSpanEndBeforeStart(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	res := apply(t, tr, event(model.EventSpanEnd, 1400, model.LevelInfo, `{"spanId":"s1","ts":1400,"status":"cancelled"}`))
	assert.Equal(t, spans.TransitionPlaceholder, res.Transition)

	ph, err := db.GetSpan(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, spans.UnresolvedName, ph.Name)
	assert.Equal(t, model.SpanKindCustom, ph.Kind)
	assert.True(t, ph.Placeholder())

	res = apply(t, tr, event(model.EventSpanStart, 1000, model.LevelInfo, `{"spanId":"s1","name":"step","kind":"step","ts":1000}`))
	assert.Equal(t, spans.TransitionUpgraded, res.Transition)

	span, err := db.GetSpan(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "step", span.Name)
	assert.Equal(t, model.SpanKindStep, span.Kind)
	assert.Equal(t, int64(1000), span.StartTs)
	assert.Equal(t, int64(1400), *span.EndTs)
	assert.Equal(t, model.SpanStatusCancelled, span.Status)
	assert.False(t, span.Placeholder())
}

func TestMalformedPayloadsAreSkipped(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	for _, ev := range []model.Event{
		event(model.EventToolCalled, 1000, model.LevelInfo, `{"toolName":"no id"}`),
		event(model.EventToolResult, 1000, model.LevelInfo, `not json`),
		event(model.EventSpanStart, 1000, model.LevelInfo, `{"name":"no id"}`),
		event(model.EventSpanEnd, 1000, model.LevelInfo, `[]`),
	} {
		res := apply(t, tr, ev)
		assert.Equal(t, spans.TransitionSkipped, res.Transition, ev.Type)
	}

	res := apply(t, tr, event("log", 1000, model.LevelInfo, `{}`))
	assert.Equal(t, spans.TransitionNone, res.Transition)

	list, err := db.ListSpans(ctx, "r1", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestApplyJoinsCallerTransaction(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(tx *storage.DB) error {
		_, err := tr.Apply(ctx, tx, event(model.EventToolCalled, 1000, model.LevelInfo, `{"toolCallId":"c1","toolName":"Search"}`))
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = db.GetSpan(ctx, spans.DeriveSpanID("r1", "c1"))
	assert.ErrorIs(t, err, storage.ErrNotFound, "span write must roll back with the caller's transaction")
}
