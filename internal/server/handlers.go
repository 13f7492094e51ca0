package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/service/analysis"
	"github.com/ashita-ai/agentops/internal/service/ingest"
	"github.com/ashita-ai/agentops/internal/service/usage"
	"github.com/ashita-ai/agentops/internal/storage"
)

// DefaultHeartbeat is the SSE comment interval used when none is configured.
const DefaultHeartbeat = 15 * time.Second

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	pipeline            *ingest.Pipeline
	usage               *usage.Accounting
	analysis            *analysis.Service
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	heartbeat           time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Pipeline            *ingest.Pipeline
	Usage               *usage.Accounting
	Analysis            *analysis.Service
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	Heartbeat           time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handlers{
		db:                  d.DB,
		pipeline:            d.Pipeline,
		usage:               d.Usage,
		analysis:            d.Analysis,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		heartbeat:           heartbeat,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:      "ok",
		Version:     h.version,
		Database:    "connected",
		Subscribers: h.broker.SubscriberCount(""),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
		Now:         time.Now().UTC(),
	}
	status := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warn("health: database ping failed", "error", err)
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// HandleNotFound answers every unmatched route.
func (h *Handlers) HandleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, model.ErrMsgRouteNotFound)
}

// writeInternalError logs err with the request ID and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, model.ErrMsgInternal)
}

// --- Shared helpers ---

// queryInt64 parses a numeric query parameter. Missing or malformed values
// yield zero.
func queryInt64(r *http.Request, key string) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// queryLimit parses ?limit=. An absent or malformed value returns 0 so
// storage applies its default; any explicit number is at least 1, so
// ?limit=0 reads one row.
func queryLimit(r *http.Request) int {
	n := queryOptionalInt64(r, "limit")
	if n == nil {
		return 0
	}
	return int(min(max(*n, 1), 1<<31-1))
}

// queryOptionalInt64 returns nil when key is absent or malformed.
func queryOptionalInt64(r *http.Request, key string) *int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
