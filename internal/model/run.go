// Package model defines the core domain types for agentops.
//
// Types map onto the runs, events, spans and usage_reports tables and onto the
// JSON bodies exchanged with collectors and dashboards. Wire names are
// camelCase to match the producers that post events.
package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// Valid reports whether s is one of the known run states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusError:
		return true
	}
	return false
}

// Terminal reports whether s ends a run. The first transition into a terminal
// state stamps Run.EndedAt.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// Run is the top-level execution context that events, spans and usage
// reports hang off.
type Run struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	StartedAt    time.Time       `json:"startedAt"`
	Status       RunStatus       `json:"status"`
	EndedAt      *time.Time      `json:"endedAt,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// CreateRunRequest is the body of POST /api/runs. All fields are optional;
// a missing ID is generated.
type CreateRunRequest struct {
	ID        string          `json:"id,omitempty"`
	Title     string          `json:"title,omitempty"`
	StartedAt FlexTime        `json:"startedAt,omitzero"`
	Status    RunStatus       `json:"status,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// UpdateRunRequest is a partial update. Nil fields are left untouched.
type UpdateRunRequest struct {
	Title        *string         `json:"title,omitempty"`
	Status       *RunStatus      `json:"status,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Empty reports whether the request carries no fields at all.
func (u UpdateRunRequest) Empty() bool {
	return u.Title == nil && u.Status == nil && u.ErrorMessage == nil && len(u.Metadata) == 0
}
