package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of watcher lifecycle event.
type EventType string

const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventDeleted   EventType = "deleted"
	EventStarted   EventType = "started"
	EventStopped   EventType = "stopped"
	EventRestarted EventType = "restarted"
	// EventLogout is emitted by a running watcher for each forced logout attempt.
	EventLogout EventType = "logout"
)

// Event is one entry of the append-only watcher history.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Watcher    string    `json:"watcher"`
	// Status is the unit status after a lifecycle event, or "ok"/"failed" for a logout.
	Status         string `json:"status,omitempty"`
	Agent          string `json:"agent,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds,omitempty"`
	Error          string `json:"error,omitempty"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t EventType, watcher string) Event {
	return Event{Type: t, OccurredAt: time.Now().UTC(), Watcher: watcher}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
