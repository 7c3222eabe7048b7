package orchestrator

import (
	"fmt"
	"strings"

	"github.com/loykin/autologout/internal/store"
)

// CredentialsPatch changes one or both credentials.
type CredentialsPatch struct {
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
}

// Patch is a partial update; nil fields are left unchanged. Name is accepted
// only so a request that tries to rename can be rejected.
type Patch struct {
	Name                 *string           `json:"name,omitempty"`
	BaseURL              *string           `json:"base_url,omitempty"`
	Credentials          *CredentialsPatch `json:"credentials,omitempty"`
	TargetSessionID      *string           `json:"target_session_id,omitempty"`
	TimeThresholdSeconds *int              `json:"time_threshold_seconds,omitempty"`
	CheckIntervalSeconds *int              `json:"check_interval_seconds,omitempty"`
	Description          *string           `json:"description,omitempty"`
	InsecureSkipVerify   *bool             `json:"insecure_skip_verify,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.BaseURL == nil && p.Credentials == nil && p.TargetSessionID == nil &&
		p.TimeThresholdSeconds == nil && p.CheckIntervalSeconds == nil &&
		p.Description == nil && p.InsecureSkipVerify == nil
}

// Apply merges p onto c. Name and artifact paths never change. A password equal
// to the redaction mask keeps the stored one, so a config read back from the
// API can be sent again unchanged.
func (p Patch) Apply(c store.WatcherConfig) (store.WatcherConfig, error) {
	if p.Name != nil && *p.Name != c.Name {
		return c, fmt.Errorf("%w: name is immutable", ErrInvalid)
	}
	if p.BaseURL != nil {
		c.BaseURL = strings.TrimRight(strings.TrimSpace(*p.BaseURL), "/")
	}
	if p.Credentials != nil {
		if p.Credentials.Username != nil {
			c.Credentials.Username = *p.Credentials.Username
		}
		if p.Credentials.Password != nil && *p.Credentials.Password != store.RedactedPassword {
			c.Credentials.Password = *p.Credentials.Password
		}
	}
	if p.TargetSessionID != nil {
		c.TargetSessionID = strings.TrimSpace(*p.TargetSessionID)
	}
	if p.TimeThresholdSeconds != nil {
		c.TimeThresholdSeconds = *p.TimeThresholdSeconds
	}
	if p.CheckIntervalSeconds != nil {
		c.CheckIntervalSeconds = *p.CheckIntervalSeconds
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.InsecureSkipVerify != nil {
		c.InsecureSkipVerify = *p.InsecureSkipVerify
	}
	return c, nil
}
