package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/storage"
)

// HandleCreateRun handles POST /api/runs. Every field is optional; an empty
// body creates a running run with a generated id.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, err)
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, model.ErrMsgInvalidStatus)
		return
	}

	id := req.ID
	if id == "" {
		id = storage.NewRunID(time.Now())
	}
	run, err := h.db.CreateOrReplaceRun(r.Context(), model.Run{
		ID:        id,
		Title:     req.Title,
		StartedAt: req.StartedAt.Time,
		Status:    req.Status,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.writeInternalError(w, r, "create run failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// HandleListRuns handles GET /api/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.db.ListRuns(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "list runs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleGetRun handles GET /api/runs/{id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.db.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, model.ErrMsgNotFound)
			return
		}
		h.writeInternalError(w, r, "get run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleUpdateRun handles PATCH /api/runs/{id}.
func (h *Handlers) HandleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		if errors.Is(err, errEmptyBody) {
			writeError(w, http.StatusBadRequest, model.ErrMsgEmptyUpdate)
			return
		}
		handleDecodeError(w, err)
		return
	}
	if req.Empty() {
		writeError(w, http.StatusBadRequest, model.ErrMsgEmptyUpdate)
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, model.ErrMsgInvalidStatus)
		return
	}

	run, err := h.db.UpdateRun(r.Context(), r.PathValue("id"), req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, model.ErrMsgNotFound)
			return
		}
		h.writeInternalError(w, r, "update run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
