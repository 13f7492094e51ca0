package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/agentops/internal/metrics"
	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/service/ingest"
)

// HandleAppendEvent handles POST /api/runs/{id}/events.
func (h *Handlers) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req model.AppendEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		if errors.Is(err, errEmptyBody) {
			writeError(w, http.StatusBadRequest, model.ErrMsgMissingType)
			return
		}
		handleDecodeError(w, err)
		return
	}

	res, err := h.pipeline.Append(r.Context(), r.PathValue("id"), req)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrMissingType):
		writeError(w, http.StatusBadRequest, model.ErrMsgMissingType)
		return
	case errors.Is(err, ingest.ErrInvalidLevel):
		writeError(w, http.StatusBadRequest, model.ErrMsgInvalidLevel)
		return
	case errors.Is(err, ingest.ErrInvalidRunID):
		writeError(w, http.StatusBadRequest, model.ErrMsgInvalidRunID)
		return
	default:
		h.writeInternalError(w, r, "append event failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Event)
}

// HandleListEvents handles GET /api/runs/{id}/events?after=&limit=.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.db.ListEvents(r.Context(), r.PathValue("id"), queryInt64(r, "after"), queryLimit(r))
	if err != nil {
		h.writeInternalError(w, r, "list events failed", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleListSpans handles GET /api/runs/{id}/spans?since=&limit=.
func (h *Handlers) HandleListSpans(w http.ResponseWriter, r *http.Request) {
	spans, err := h.db.ListSpans(r.Context(), r.PathValue("id"), queryOptionalInt64(r, "since"), queryLimit(r))
	if err != nil {
		h.writeInternalError(w, r, "list spans failed", err)
		return
	}
	writeJSON(w, http.StatusOK, spans)
}

// HandleGetUsage handles GET /api/runs/{id}/usage.
func (h *Handlers) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	agg, err := h.usage.Aggregate(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeInternalError(w, r, "aggregate usage failed", err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// HandlePostUsage handles POST /api/runs/{id}/usage. A report whose reportId
// was already stored answers 200 with inserted=false and the stored report.
func (h *Handlers) HandlePostUsage(w http.ResponseWriter, r *http.Request) {
	var req model.UsageReportRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}

	runID := r.PathValue("id")
	if _, err := h.db.EnsureRun(r.Context(), runID); err != nil {
		h.writeInternalError(w, r, "ensure run failed", err)
		return
	}
	report, inserted, err := h.usage.Insert(r.Context(), nil, runID, req, time.Now().UnixMilli())
	if err != nil {
		h.writeInternalError(w, r, "insert usage failed", err)
		return
	}
	if !inserted {
		metrics.UsageReports.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusOK, model.UsageInsertResponse{Inserted: false, Report: &report})
		return
	}
	metrics.UsageReports.WithLabelValues("inserted").Inc()
	writeJSON(w, http.StatusCreated, model.UsageInsertResponse{Inserted: true, Report: &report})
}

// HandleTraceSummary handles GET /api/runs/{id}/trace-summary.
func (h *Handlers) HandleTraceSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.analysis.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeInternalError(w, r, "trace summary failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
