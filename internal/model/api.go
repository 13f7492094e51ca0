package model

import "time"

// Error messages with a fixed wire form. Dashboards match on them.
const (
	ErrMsgNotFound       = "not_found"
	ErrMsgRouteNotFound  = "Not found"
	ErrMsgInternal       = "Internal server error"
	ErrMsgUnauthorized   = "unauthorized"
	ErrMsgRateLimited    = "too many requests"
	ErrMsgBodyTooLarge   = "request body too large"
	ErrMsgInvalidBody    = "invalid request body"
	ErrMsgMissingType    = "type is required"
	ErrMsgInvalidLevel   = "level must be one of debug, info, warn, error"
	ErrMsgInvalidStatus  = "status must be one of running, completed, error"
	ErrMsgEmptyUpdate    = "no fields to update"
	ErrMsgInvalidRunID   = "run id is required"
	ErrMsgInvalidPayload = "payload must be valid JSON"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	Database    string    `json:"database"`
	Subscribers int       `json:"subscribers"`
	Uptime      int64     `json:"uptimeSeconds"`
	Now         time.Time `json:"now"`
}

// UsageInsertResponse is returned by POST /api/runs/{id}/usage.
type UsageInsertResponse struct {
	Inserted bool         `json:"inserted"`
	Report   *UsageReport `json:"report,omitempty"`
}
