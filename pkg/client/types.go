package client

import (
	"fmt"
	"time"
)

// Credentials authenticate a watcher against the call-center system.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Watcher is a watcher configuration as sent to and returned by the API.
// Returned passwords are always redacted.
type Watcher struct {
	Name                 string      `json:"name"`
	BaseURL              string      `json:"base_url"`
	Credentials          Credentials `json:"credentials"`
	TargetSessionID      string      `json:"target_session_id"`
	TimeThresholdSeconds int         `json:"time_threshold_seconds,omitempty"`
	CheckIntervalSeconds int         `json:"check_interval_seconds,omitempty"`
	Description          string      `json:"description,omitempty"`
	InsecureSkipVerify   bool        `json:"insecure_skip_verify,omitempty"`
	Artifacts            *Artifacts  `json:"artifacts,omitempty"`
	CreatedAt            time.Time   `json:"created_at,omitempty"`
	UpdatedAt            time.Time   `json:"updated_at,omitempty"`
}

type Artifacts struct {
	Program string `json:"program"`
	Unit    string `json:"unit"`
}

// Entry is a watcher together with its live unit status.
type Entry struct {
	Config Watcher `json:"config"`
	Status string  `json:"status"`
}

// CredentialsPatch changes one or both credentials.
type CredentialsPatch struct {
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	BaseURL              *string           `json:"base_url,omitempty"`
	Credentials          *CredentialsPatch `json:"credentials,omitempty"`
	TargetSessionID      *string           `json:"target_session_id,omitempty"`
	TimeThresholdSeconds *int              `json:"time_threshold_seconds,omitempty"`
	CheckIntervalSeconds *int              `json:"check_interval_seconds,omitempty"`
	Description          *string           `json:"description,omitempty"`
	InsecureSkipVerify   *bool             `json:"insecure_skip_verify,omitempty"`
}

// ActionRequest is the body of POST /watchers/:name/action.
type ActionRequest struct {
	Action string `json:"action"`
}

// ActionResponse reports the status after an action.
type ActionResponse struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Status string `json:"status"`
}

// LogsResponse holds recent journal lines, most recent last.
type LogsResponse struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Step   string `json:"step,omitempty"`
	Detail string `json:"detail"`
}

// APIError is returned for every non-2xx answer.
type APIError struct {
	StatusCode int
	Kind       string // validation, conflict, not_found, io, service_manager
	Step       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if e.Step == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Step, e.Detail)
}
