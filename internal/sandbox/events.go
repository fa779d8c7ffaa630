package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCreated         EventType = "sandbox.created"
	EventFailed          EventType = "sandbox.failed"
	EventDeleted         EventType = "sandbox.deleted"
	EventUnhealthy       EventType = "sandbox.unhealthy"
	EventCommandExecuted EventType = "command.executed"
)

// Event is a lifecycle notification emitted by the Manager.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       EventType      `json:"type"`
	SandboxID  string         `json:"sandbox_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEvent stamps a new event with an id and time.
func NewEvent(t EventType, sandboxID string, data map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		SandboxID:  sandboxID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// EventPublisher delivers lifecycle events to interested parties.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder receives operational measurements from the Manager.
type Recorder interface {
	ObserveCreate(status Status, d time.Duration)
	ObserveCommand(op string, success bool, d time.Duration)
	ObservePing(healthy bool, d time.Duration)
	ObserveProxy(statusCode int, d time.Duration)
	// StreamActive moves the open command stream count by delta.
	StreamActive(delta int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCreate(Status, time.Duration)       {}
func (nopRecorder) ObserveCommand(string, bool, time.Duration) {}
func (nopRecorder) ObservePing(bool, time.Duration)           {}
func (nopRecorder) ObserveProxy(int, time.Duration)           {}
func (nopRecorder) StreamActive(int)                          {}
