package orchestrator

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/loykin/autologout/internal/artifact"
	"github.com/loykin/autologout/internal/store"
)

const (
	DefaultThresholdSeconds = 90
	DefaultIntervalSeconds  = 5
	maxNameLen              = 64
)

// ValidName reports whether s can be used as a watcher name. The name becomes
// a file name and a unit name, so only A-Z a-z 0-9 . _ - are allowed, ".." is
// rejected and it may not start with "-" or ".".
func ValidName(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	if strings.Contains(s, "..") || s[0] == '-' || s[0] == '.' {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Normalize trims fields and fills the optional ones of a new config.
func Normalize(c store.WatcherConfig) store.WatcherConfig {
	c.Name = strings.TrimSpace(c.Name)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.TargetSessionID = strings.TrimSpace(c.TargetSessionID)
	if c.TimeThresholdSeconds == 0 {
		c.TimeThresholdSeconds = DefaultThresholdSeconds
	}
	if c.CheckIntervalSeconds == 0 {
		c.CheckIntervalSeconds = DefaultIntervalSeconds
	}
	if strings.TrimSpace(c.Description) == "" {
		c.Description = artifact.DefaultDescription(c.Name)
	}
	return c
}

// Validate checks every field and reports all problems at once.
func Validate(c store.WatcherConfig) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Name == "" {
		bad("name is required")
	} else if !ValidName(c.Name) {
		bad("name %q must match [A-Za-z0-9._-], not start with '-' or '.', and be at most %d characters", c.Name, maxNameLen)
	}
	if c.BaseURL == "" {
		bad("base_url is required")
	} else if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("base_url %q must be an absolute http or https URL", c.BaseURL)
	}
	if c.Credentials.Username == "" {
		bad("credentials.username is required")
	}
	if c.Credentials.Password == "" {
		bad("credentials.password is required")
	}
	if c.TargetSessionID == "" {
		bad("target_session_id is required")
	} else if strings.ContainsAny(c.TargetSessionID, "\r\n") {
		bad("target_session_id must be a single line")
	}
	if c.TimeThresholdSeconds <= 0 {
		bad("time_threshold_seconds must be a positive integer")
	}
	if c.CheckIntervalSeconds <= 0 {
		bad("check_interval_seconds must be a positive integer")
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
