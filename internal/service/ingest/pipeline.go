// Package ingest implements the append path for run events.
//
// One call to Append auto-creates the run, then in a single transaction
// stores the event, applies retention, derives spans, records usage and moves
// the run to a terminal status when the event says so. Live listeners are
// notified only after that transaction commits, so a subscriber never sees an
// event that was rolled back.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/agentops/internal/metrics"
	"github.com/ashita-ai/agentops/internal/model"
	"github.com/ashita-ai/agentops/internal/service/spans"
	"github.com/ashita-ai/agentops/internal/service/usage"
	"github.com/ashita-ai/agentops/internal/storage"
	"github.com/ashita-ai/agentops/internal/telemetry"
)

// Validation errors. Handlers map them to 400 responses.
var (
	ErrMissingType  = errors.New("ingest: event type is required")
	ErrInvalidLevel = errors.New("ingest: invalid event level")
	ErrInvalidRunID = errors.New("ingest: run id is required")
)

// Publisher receives committed events. The server's broker implements it.
type Publisher interface {
	Publish(runID string, ev model.Event)
}

// Result is the outcome of one append.
type Result struct {
	Event      model.Event
	Pruned     int64
	RunCreated bool
	Span       spans.Result
	Usage      *model.UsageReport
}

// Pipeline wires the stores the append path touches.
type Pipeline struct {
	db        *storage.DB
	tracker   *spans.Tracker
	usage     *usage.Accounting
	publisher Publisher
	logger    *slog.Logger

	appendDuration metric.Float64Histogram
}

// New creates an ingest pipeline. A nil publisher disables live delivery.
func New(db *storage.DB, tracker *spans.Tracker, acct *usage.Accounting, pub Publisher, logger *slog.Logger) *Pipeline {
	meter := telemetry.Meter("agentops/ingest")
	appendDur, _ := meter.Float64Histogram("agentops.ingest.append.duration",
		metric.WithDescription("Time to store one event and apply its side effects (ms)"),
		metric.WithUnit("ms"),
	)
	return &Pipeline{
		db:             db,
		tracker:        tracker,
		usage:          acct,
		publisher:      pub,
		logger:         logger,
		appendDuration: appendDur,
	}
}

// Validate checks the parts of req the pipeline depends on.
func Validate(runID string, req model.AppendEventRequest) error {
	if runID == "" {
		return ErrInvalidRunID
	}
	if req.Type == "" {
		return ErrMissingType
	}
	if req.Level != "" && !req.Level.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, req.Level)
	}
	return nil
}

// Append stores req as the next event of runID and applies its side effects.
func (p *Pipeline) Append(ctx context.Context, runID string, req model.AppendEventRequest) (Result, error) {
	if err := Validate(runID, req); err != nil {
		return Result{}, err
	}

	created, err := p.db.EnsureRun(ctx, runID)
	if err != nil {
		metrics.IngestErrors.WithLabelValues("ensure_run").Inc()
		return Result{}, fmt.Errorf("ingest: %w", err)
	}

	ev := model.Event{
		Type:    req.Type,
		Ts:      req.Ts.Time,
		Level:   req.Level,
		AgentID: req.AgentID,
		TaskID:  req.TaskID,
		Payload: req.Payload,
	}

	res := Result{RunCreated: created}
	stage := "append"
	start := time.Now()
	err = p.db.InTx(ctx, func(tx *storage.DB) error {
		appended, err := tx.AppendEvent(ctx, runID, ev)
		if err != nil {
			return err
		}
		res.Event, res.Pruned = appended.Event, appended.Pruned

		stage = "spans"
		if res.Span, err = p.tracker.Apply(ctx, tx, res.Event); err != nil {
			return err
		}

		stage = "usage"
		if res.Usage, err = p.recordUsage(ctx, tx, res.Event); err != nil {
			return err
		}

		stage = "run_status"
		return p.applyRunStatus(ctx, tx, res.Event)
	})
	if err != nil {
		metrics.IngestErrors.WithLabelValues(stage).Inc()
		return Result{}, fmt.Errorf("ingest: %s: %w", stage, err)
	}
	p.appendDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)

	metrics.EventsAppended.WithLabelValues(metrics.TypeLabel(res.Event.Type)).Inc()
	if res.Pruned > 0 {
		metrics.EventsPruned.Add(float64(res.Pruned))
	}
	if t := res.Span.Transition; t != "" && t != spans.TransitionNone {
		metrics.SpanTransitions.WithLabelValues(string(t)).Inc()
	}

	if p.publisher != nil {
		p.publisher.Publish(runID, res.Event)
	}
	return res, nil
}

// recordUsage stores the usage report carried by a usage.report event.
// Undecodable payloads are skipped; the event itself is kept.
func (p *Pipeline) recordUsage(ctx context.Context, tx *storage.DB, ev model.Event) (*model.UsageReport, error) {
	if ev.Type != model.EventUsageReport {
		return nil, nil
	}
	var req model.UsageReportRequest
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		p.logger.Debug("ingest: undecodable usage payload", "run_id", ev.RunID, "event_id", ev.ID, "error", err)
		return nil, nil
	}
	report, inserted, err := p.usage.Insert(ctx, tx, ev.RunID, req, ev.Ts.UnixMilli())
	if err != nil {
		return nil, err
	}
	if inserted {
		metrics.UsageReports.WithLabelValues("inserted").Inc()
	} else {
		metrics.UsageReports.WithLabelValues("duplicate").Inc()
	}
	return &report, nil
}

// applyRunStatus moves the run to completed or error on the matching
// lifecycle events.
func (p *Pipeline) applyRunStatus(ctx context.Context, tx *storage.DB, ev model.Event) error {
	var upd model.UpdateRunRequest
	switch ev.Type {
	case model.EventRunCompleted:
		upd.Status = model.Ptr(model.RunStatusCompleted)
	case model.EventRunError:
		upd.Status = model.Ptr(model.RunStatusError)
		var payload model.RunErrorPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			msg := payload.Error
			if msg == "" {
				msg = payload.Message
			}
			if msg != "" {
				upd.ErrorMessage = &msg
			}
		}
	default:
		return nil
	}
	_, err := tx.UpdateRun(ctx, ev.RunID, upd)
	return err
}
