package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/agentops/internal/mcp"
	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/ratelimit"
	"github.com/ashita-ai/agentops/internal/server"
	"github.com/ashita-ai/agentops/internal/service/analysis"
	"github.com/ashita-ai/agentops/internal/service/ingest"
	"github.com/ashita-ai/agentops/internal/service/spans"
	"github.com/ashita-ai/agentops/internal/service/usage"
	"github.com/ashita-ai/agentops/internal/storage"
	"github.com/ashita-ai/agentops/internal/testutil"
)

type testEnv struct {
	srv    *httptest.Server
	db     *storage.DB
	broker *server.Broker
}

// newTestEnv wires a full server over a fresh database. mutate may adjust
// the config before the server is built.
func newTestEnv(t *testing.T, mutate func(*server.ServerConfig)) *testEnv {
	t.Helper()
	db := testutil.NewTestDB(t)
	logger := testutil.TestLogger()

	broker := server.NewBroker(logger)
	acct := usage.New(db, logger)
	pipeline := ingest.New(db, spans.NewTracker(db, logger), acct, broker, logger)
	analyzer := analysis.New(db, acct, nil)

	cfg := server.ServerConfig{
		DB:                  db,
		Pipeline:            pipeline,
		Usage:               acct,
		Analysis:            analyzer,
		Broker:              broker,
		Logger:              logger,
		MCPServer:           mcp.New(db, acct, analyzer, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		Heartbeat:           time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(func() {
		srv.Close()
		broker.Close()
	})
	return &testEnv{srv: srv, db: db, broker: broker}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decode[model.ErrorResponse](t, resp).Error
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[model.HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "connected", health.Database)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrMsgRouteNotFound, errorOf(t, resp))
}

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/runs", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decode[model.Run](t, resp)
	assert.True(t, strings.HasPrefix(run.ID, "run-"), "generated id %q", run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Empty(t, run.Title)

	resp = env.do(t, http.MethodPost, "/api/runs", map[string]any{
		"id": "r1", "title": "nightly", "status": "completed",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run = decode[model.Run](t, resp)
	assert.Equal(t, "r1", run.ID)
	assert.NotNil(t, run.EndedAt, "terminal status on create stamps endedAt")

	resp = env.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Run](t, resp), 2)
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/runs", map[string]any{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrMsgInvalidStatus, errorOf(t, resp))

	resp = env.do(t, http.MethodPost, "/api/runs", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrMsgInvalidBody, errorOf(t, resp))
}

func TestGetAndUpdateRun(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrMsgNotFound, errorOf(t, resp))

	resp = env.do(t, http.MethodPatch, "/api/runs/missing", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrMsgNotFound, errorOf(t, resp))

	env.do(t, http.MethodPost, "/api/runs", map[string]any{
		"id": "r1", "metadata": map[string]any{"a": 1, "b": 2},
	})

	resp = env.do(t, http.MethodPatch, "/api/runs/r1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrMsgEmptyUpdate, errorOf(t, resp))

	resp = env.do(t, http.MethodPatch, "/api/runs/r1", map[string]any{"status": "done"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, "/api/runs/r1", map[string]any{
		"status":   "error",
		"metadata": map[string]any{"b": nil, "c": 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[model.Run](t, resp)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.NotNil(t, run.EndedAt)
	assert.JSONEq(t, `{"a":1,"c":3}`, string(run.Metadata))

	resp = env.do(t, http.MethodGet, "/api/runs/r1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusError, decode[model.Run](t, resp).Status)
}

func TestAppendAndListEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	var ids []int64
	for i := range 3 {
		resp := env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{
			"type": "log", "payload": map[string]any{"n": i},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var raw map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		idStr, ok := raw["id"].(string)
		require.True(t, ok, "event id must be a JSON string, got %T", raw["id"])
		id, err := strconv.ParseInt(idStr, 10, 64)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	resp := env.do(t, http.MethodGet, "/api/runs/r1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "first event auto-creates the run")
	assert.Equal(t, "Run r1", decode[model.Run](t, resp).Title)

	resp = env.do(t, http.MethodGet, "/api/runs/r1/events?after="+strconv.FormatInt(ids[0], 10), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]model.Event](t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, ids[1], events[0].ID)

	resp = env.do(t, http.MethodGet, "/api/runs/r1/events?after=garbage&limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events = decode[[]model.Event](t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, ids[0], events[0].ID, "malformed cursor reads from the start")

	resp = env.do(t, http.MethodGet, "/api/runs/r1/events?limit=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Event](t, resp), 1, "explicit zero limit clamps to one")

	resp = env.do(t, http.MethodGet, "/api/runs/r1/events?limit=-5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Event](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/api/runs/r1/events?limit=many", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Event](t, resp), 3, "malformed limit uses the default")

	resp = env.do(t, http.MethodGet, "/api/runs/unknown/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]model.Event](t, resp))
}

func TestAppendEventValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing type", map[string]any{"payload": map[string]any{}}, model.ErrMsgMissingType},
		{"empty body", nil, model.ErrMsgMissingType},
		{"bad level", map[string]any{"type": "log", "level": "fatal"}, model.ErrMsgInvalidLevel},
		{"bad json", `{"type":`, model.ErrMsgInvalidBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/runs/r1/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.want, errorOf(t, resp))
		})
	}

	resp := env.do(t, http.MethodGet, "/api/runs/r1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "rejected events must not create the run")
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.ServerConfig) { cfg.MaxRequestBodyBytes = 64 })

	resp := env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{
		"type": "log", "payload": map[string]any{"text": strings.Repeat("x", 256)},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSpansAndTraceSummary(t *testing.T) {
	env := newTestEnv(t, nil)

	post := func(body map[string]any) {
		resp := env.do(t, http.MethodPost, "/api/runs/r1/events", body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	post(map[string]any{"type": "span.start", "ts": 1000, "payload": map[string]any{
		"spanId": "agent", "name": "Agent", "kind": "agent", "ts": 1000,
	}})
	post(map[string]any{"type": "tool.called", "ts": 1200, "payload": map[string]any{
		"toolCallId": "c1", "toolName": "Search",
	}})
	post(map[string]any{"type": "tool.result", "ts": 1700, "level": "error", "payload": map[string]any{
		"toolCallId": "c1", "error": "timeout",
	}})
	post(map[string]any{"type": "span.end", "ts": 3000, "payload": map[string]any{
		"spanId": "agent", "ts": 3000,
	}})

	resp := env.do(t, http.MethodGet, "/api/runs/r1/spans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]model.Span](t, resp)
	require.Len(t, list, 2)
	assert.Equal(t, "agent", list[0].SpanID)
	tool := list[1]
	assert.Equal(t, spans.DeriveSpanID("r1", "c1"), tool.SpanID)
	assert.Equal(t, "Tool: Search", tool.Name)
	require.NotNil(t, tool.ParentSpanID)
	assert.Equal(t, "agent", *tool.ParentSpanID)

	resp = env.do(t, http.MethodGet, "/api/runs/r1/spans?since=1100", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Span](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/api/runs/r1/trace-summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := decode[model.TraceSummary](t, resp)
	assert.Equal(t, 2, sum.SpanCount)
	assert.Equal(t, int64(2000), sum.TotalDurationMs)
	assert.Equal(t, int64(2000), sum.CriticalPathMs)
	require.Len(t, sum.ErrorSpans, 1)
	assert.Equal(t, tool.SpanID, sum.ErrorSpans[0].SpanID)
}

func TestUsageEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	report := map[string]any{
		"reportId": "u1", "spanId": "s1", "model": "m",
		"inputTokens": 100, "outputTokens": 50, "costUsd": 0.25, "source": "metadata",
	}
	resp := env.do(t, http.MethodPost, "/api/runs/r1/usage", report)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[model.UsageInsertResponse](t, resp)
	assert.True(t, first.Inserted)
	require.NotNil(t, first.Report)

	resp = env.do(t, http.MethodPost, "/api/runs/r1/usage", report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dup := decode[model.UsageInsertResponse](t, resp)
	assert.False(t, dup.Inserted)
	require.NotNil(t, dup.Report)
	assert.Equal(t, first.Report.ID, dup.Report.ID)

	resp = env.do(t, http.MethodPost, "/api/runs/r1/usage", map[string]any{
		"spanId": "s2", "inputTokens": -5, "outputTokens": 1.5, "totalTokens": 7, "source": "bogus",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "out-of-range values are sanitized, not rejected")
	sanitized := decode[model.UsageInsertResponse](t, resp)
	assert.Nil(t, sanitized.Report.InputTokens)
	assert.Nil(t, sanitized.Report.OutputTokens)
	assert.Equal(t, model.UsageSourceManual, sanitized.Report.Source)

	resp = env.do(t, http.MethodGet, "/api/runs/r1/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agg := decode[model.UsageAggregate](t, resp)
	assert.Equal(t, 2, agg.ReportCount)
	assert.Equal(t, model.TotalsFromSpans, agg.TotalsSource)
	require.NotNil(t, agg.Totals.TotalTokens)
	assert.Equal(t, int64(157), *agg.Totals.TotalTokens)
	require.NotNil(t, agg.Totals.CostUSD)
	assert.InDelta(t, 0.25, *agg.Totals.CostUSD, 1e-9)
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.ServerConfig) { cfg.APIKey = "secret" })

	resp := env.do(t, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrMsgUnauthorized, errorOf(t, resp))

	resp = env.do(t, http.MethodGet, "/api/runs", nil, "X-Api-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/runs", nil, "x-api-key", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is exempt")

	resp = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "metrics is exempt")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.ServerConfig) { cfg.APIKey = "secret" })

	resp := env.do(t, http.MethodOptions, "/api/runs/r1/events", nil,
		"Origin", "http://dashboard.local",
		"Access-Control-Request-Method", "POST",
		"Access-Control-Request-Headers", "content-type,x-api-key",
	)
	assert.Less(t, resp.StatusCode, 300, "preflight must not require the api key")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestIngestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, func(cfg *server.ServerConfig) { cfg.Limiter = limiter })

	for i := range 2 {
		resp := env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{"type": "log"})
		assert.Equal(t, http.StatusCreated, resp.StatusCode, "request %d within burst", i+1)
	}
	resp := env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{"type": "log"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp = env.do(t, http.MethodGet, "/api/runs/r1/events", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not rate limited")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{"type": "tool.called",
		"payload": map[string]any{"toolCallId": "c1", "toolName": "x"}})

	resp := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentops_events_appended_total")
	assert.Contains(t, string(body), "agentops_http_request_duration_seconds")
}

// --- SSE ---

// readFrame reads one SSE frame (up to the blank line) and returns its lines.
func readFrame(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func openStream(t *testing.T, env *testEnv, path string, headers ...string) (*http.Response, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, []string{": connected"}, readFrame(t, r))
	return resp, r
}

func frameEvent(t *testing.T, lines []string) (string, model.Event) {
	t.Helper()
	require.Len(t, lines, 2, "frame %q", lines)
	require.True(t, strings.HasPrefix(lines[0], "id: "))
	require.True(t, strings.HasPrefix(lines[1], "data: "))
	var ev model.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
	return strings.TrimPrefix(lines[0], "id: "), ev
}

func waitForSubscribers(t *testing.T, b *server.Broker, runID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.SubscriberCount(runID) == n },
		2*time.Second, 5*time.Millisecond)
}

func TestStreamReplaysThenDeliversLive(t *testing.T) {
	env := newTestEnv(t, nil)

	var ids []string
	for i := range 3 {
		resp := env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{
			"type": "log", "payload": map[string]any{"text": "line " + strconv.Itoa(i) + "\nnext"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		ev := decode[model.Event](t, resp)
		ids = append(ids, strconv.FormatInt(ev.ID, 10))
	}

	resp, r := openStream(t, env, "/api/runs/r1/stream", "Last-Event-ID", ids[0])
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	for _, want := range ids[1:] {
		id, ev := frameEvent(t, readFrame(t, r))
		assert.Equal(t, want, id)
		assert.Equal(t, "r1", ev.RunID)
	}

	waitForSubscribers(t, env.broker, "r1", 1)
	live := env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{"type": "log"})
	require.Equal(t, http.StatusCreated, live.StatusCode)
	liveEv := decode[model.Event](t, live)

	id, _ := frameEvent(t, readFrame(t, r))
	assert.Equal(t, strconv.FormatInt(liveEv.ID, 10), id)
}

func TestStreamAfterQueryAndAutoCreate(t *testing.T) {
	env := newTestEnv(t, nil)

	_, r := openStream(t, env, "/api/runs/fresh/stream")
	resp := env.do(t, http.MethodGet, "/api/runs/fresh", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "opening a stream creates the run")

	waitForSubscribers(t, env.broker, "fresh", 1)
	posted := env.do(t, http.MethodPost, "/api/runs/fresh/events", map[string]any{"type": "log"})
	ev := decode[model.Event](t, posted)
	id, _ := frameEvent(t, readFrame(t, r))
	assert.Equal(t, strconv.FormatInt(ev.ID, 10), id)

	// A second stream resuming after that id skips it and sees only the next.
	_, r2 := openStream(t, env, "/api/runs/fresh/stream?after="+id)
	waitForSubscribers(t, env.broker, "fresh", 2)
	next := decode[model.Event](t, env.do(t, http.MethodPost, "/api/runs/fresh/events", map[string]any{"type": "log"}))
	id2, _ := frameEvent(t, readFrame(t, r2))
	assert.Equal(t, strconv.FormatInt(next.ID, 10), id2)
}

func TestStreamDeliversOutOfOrderPublishes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, r := openStream(t, env, "/api/runs/r1/stream")
	waitForSubscribers(t, env.broker, "r1", 1)

	// Two writers commit in id order but publish in reverse.
	a, err := env.db.AppendEvent(ctx, "r1", model.Event{Type: "log", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	b, err := env.db.AppendEvent(ctx, "r1", model.Event{Type: "log", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	env.broker.Publish("r1", b.Event)
	env.broker.Publish("r1", a.Event)

	c := decode[model.Event](t, env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{"type": "log"}))

	var got []string
	for range 3 {
		id, _ := frameEvent(t, readFrame(t, r))
		got = append(got, id)
	}
	want := []string{
		strconv.FormatInt(a.Event.ID, 10),
		strconv.FormatInt(b.Event.ID, 10),
		strconv.FormatInt(c.ID, 10),
	}
	assert.Equal(t, want, got)
}

func TestStreamHeartbeat(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.ServerConfig) { cfg.Heartbeat = 20 * time.Millisecond })

	_, r := openStream(t, env, "/api/runs/r1/stream")
	lines := readFrame(t, r)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], ": heartbeat "), "got %q", lines[0])
	_, err := strconv.ParseInt(strings.TrimPrefix(lines[0], ": heartbeat "), 10, 64)
	assert.NoError(t, err)
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/runs/r1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	waitForSubscribers(t, env.broker, "r1", 1)

	cancel()
	_ = resp.Body.Close()
	waitForSubscribers(t, env.broker, "r1", 0)
}

// --- MCP over HTTP ---

func TestMCPOverHTTP(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.ServerConfig) { cfg.APIKey = "secret" })
	env.do(t, http.MethodPost, "/api/runs/r1/events", map[string]any{"type": "log"}, "X-Api-Key", "secret")

	c, err := mcpclient.NewStreamableHttpClient(
		env.srv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{server.APIKeyHeader: "secret"}),
	)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "agentops", initResult.ServerInfo.Name)

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "agentops_list_events",
			Arguments: map[string]any{"run_id": "r1"},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "list events returned error: %v", result.Content)
	require.NotEmpty(t, result.Content)
}
