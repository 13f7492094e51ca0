package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/agentops/internal/metrics"
	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/storage"
)

// HandleStream handles GET /api/runs/{id}/stream (SSE).
//
// Broker notifications only wake the handler; every frame it writes comes
// from the event log, read forward from the cursor. Writers publish after
// commit in no particular order, so the log is the only source that is
// complete and ordered by id. The listener is registered before the replay
// read, so a commit during replay is either in that read or triggers a
// later one.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	runID := r.PathValue("id")
	if _, err := h.db.EnsureRun(ctx, runID); err != nil {
		h.writeInternalError(w, r, "stream: ensure run failed", err)
		return
	}

	cursor := streamCursor(r)

	// One pending wakeup is enough: a read drains everything committed
	// before it, so further notifications collapse into it.
	wake := make(chan struct{}, 1)
	unsubscribe := h.broker.Subscribe(runID, func(model.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Streams outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	if !h.streamFrom(w, flusher, r, runID, &cursor) {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %d\n\n", t.UnixMilli()); err != nil {
				return
			}
			flusher.Flush()
		case <-wake:
			if !h.streamFrom(w, flusher, r, runID, &cursor) {
				return
			}
		}
	}
}

// streamFrom writes every event after *cursor in pages and advances the
// cursor past each one written. It reports false when the stream should end.
func (h *Handlers) streamFrom(w http.ResponseWriter, flusher http.Flusher, r *http.Request, runID string, cursor *int64) bool {
	for {
		page, err := h.db.ListEvents(r.Context(), runID, *cursor, storage.MaxEventLimit)
		if err != nil {
			if r.Context().Err() == nil {
				metrics.StreamReadErrors.Inc()
				h.logger.Warn("stream: read failed", "run_id", runID, "after", *cursor, "error", err)
			}
			return false
		}
		for _, ev := range page {
			if err := writeSSE(w, ev); err != nil {
				return false
			}
			*cursor = ev.ID
		}
		if len(page) > 0 {
			flusher.Flush()
		}
		if len(page) < storage.MaxEventLimit {
			return true
		}
	}
}

// streamCursor reads the replay cursor from Last-Event-ID, falling back to
// ?after=. A malformed value replays from the start.
func streamCursor(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev model.Event) error {
	frame, err := formatSSE(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// formatSSE renders ev as one SSE frame. The data line is a single line of
// JSON; any line breaks left in the encoding are escaped.
func formatSSE(ev model.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", ev.ID, err)
	}
	data = bytes.ReplaceAll(data, []byte("\n"), []byte(`\n`))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte(`\r`))

	var buf bytes.Buffer
	buf.Grow(len(data) + 32)
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(ev.ID, 10))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
