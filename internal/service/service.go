package service

import (
	"context"
	"fmt"
	"strings"
)

// Status is the live runtime state of a watcher's unit.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusFailed   Status = "failed"
)

// Controller is the narrow capability the orchestrator needs from a host
// process supervisor. Implementations must be safe for concurrent use.
type Controller interface {
	// Register makes the supervisor pick up a new or changed unit file.
	Register(ctx context.Context, unitPath string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	// Status never fails; an unknown unit is StatusInactive.
	Status(ctx context.Context, name string) Status
	// Logs returns up to n lines, most recent last.
	Logs(ctx context.Context, name string, n int) ([]string, error)
}

// CommandError is a non-zero exit from a supervisor command.
type CommandError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Command, strings.Join(e.Args, " "))
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(": exit status %d", e.ExitCode)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ParseStatus maps an is-active style answer onto Status.
func ParseStatus(s string) Status {
	switch strings.TrimSpace(s) {
	case "active", "activating", "reloading":
		return StatusActive
	case "failed":
		return StatusFailed
	default:
		return StatusInactive
	}
}
