package agentops_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/agentops"
	"github.com/ashita-ai/agentops/internal/testutil"
)

func newApp(t *testing.T, opts ...agentops.Option) *agentops.App {
	t.Helper()
	base := []agentops.Option{
		agentops.WithoutEnvFile(),
		agentops.WithPort(0),
		agentops.WithDBPath(filepath.Join(t.TempDir(), "data", "agentops.db")),
		agentops.WithLogger(testutil.TestLogger()),
		agentops.WithVersion("test"),
	}
	app, err := agentops.New(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	return app
}

func TestAppServesAndShutsDown(t *testing.T) {
	app := newApp(t)

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/runs/r1/events", "application/json", strings.NewReader(`{"type":"log"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, app.Shutdown(context.Background()), "second shutdown returns the first result")
}

func TestAppAPIKeyOption(t *testing.T) {
	app := newApp(t, agentops.WithAPIKey("secret"))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/runs", nil)
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	t.Setenv("AGENTOPS_EVENT_RETENTION_MAX", "lots")
	_, err := agentops.New(context.Background(),
		agentops.WithoutEnvFile(),
		agentops.WithDBPath(filepath.Join(t.TempDir(), "agentops.db")),
		agentops.WithLogger(testutil.TestLogger()),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTOPS_EVENT_RETENTION_MAX")
}
