package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("watcher not found")
	ErrAlreadyExists = errors.New("watcher already exists")
)

// Credentials authenticate a watcher against the remote call-center system.
// They are persisted in plaintext; the store file is written with mode 0600.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ArtifactPaths records where the generated program and unit live so they can
// be rewritten on update and removed on delete.
type ArtifactPaths struct {
	Program string `json:"program"`
	Unit    string `json:"unit"`
}

// WatcherConfig is the persisted configuration of a single watcher.
// Name is unique across the store and doubles as the service unit name.
type WatcherConfig struct {
	Name                 string        `json:"name"`
	BaseURL              string        `json:"base_url"`
	Credentials          Credentials   `json:"credentials"`
	TargetSessionID      string        `json:"target_session_id"`
	TimeThresholdSeconds int           `json:"time_threshold_seconds"`
	CheckIntervalSeconds int           `json:"check_interval_seconds"`
	Description          string        `json:"description"`
	InsecureSkipVerify   bool          `json:"insecure_skip_verify,omitempty"`
	Artifacts            ArtifactPaths `json:"artifacts"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// RedactedPassword replaces the password in everything handed to API consumers.
const RedactedPassword = "********"

// Redacted returns a copy safe to hand to API consumers.
func (c WatcherConfig) Redacted() WatcherConfig {
	if c.Credentials.Password != "" {
		c.Credentials.Password = RedactedPassword
	}
	return c
}
