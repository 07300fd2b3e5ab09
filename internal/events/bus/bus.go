// Package bus carries the control plane's internal events: task status
// changes, step completions and device lifecycle transitions. Subjects
// are dotted NATS-style names ("task.status_change", "device.online")
// and subscriptions may use the NATS wildcards * and >.
//
// Two implementations exist: MemoryEventBus dispatches in-process and
// is the default; NATSEventBus bridges the same interface onto a NATS
// server for deployments where other processes consume fleet events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one bus message. Data stays schemaless: subscribers that
// need typed fields decode the map themselves.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. Returning an error logs
// it; delivery is not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live interest in a subject pattern.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side and the subscribe side of the fleet
// event stream.
type EventBus interface {
	// Publish delivers the event to every matching subscription.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for every event matching the
	// subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a named group; each event
	// goes to exactly one member of the group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes and waits for a single reply or the timeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close tears the bus down; further publishes fail.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}
