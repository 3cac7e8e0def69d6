// Package events is the outbound domain event feed. The pipeline and
// the control plane emit events through a Notifier; delivery problems
// are logged and never fail the operation that emitted the event.
package events

import (
	"context"
	"time"
)

// Event names.
const (
	TelemetryProcessed  = "device.telemetry.processed"
	TelemetryInvalid    = "device.telemetry.invalid"
	CommandDispatched   = "device.command.dispatched"
	CommandSent         = "device.command.sent"
	CommandFailed       = "device.command.failed"
	CommandAcknowledged = "device.command.acknowledged"
	CommandCompleted    = "device.command.completed"
	StateReceived       = "device.state.received"
	DeviceOnline        = "device.online"
	DeviceOffline       = "device.offline"
)

// Event is one domain event. DeviceUUID is empty for events without a
// device scope.
type Event struct {
	Name       string                 `json:"name"`
	DeviceUUID string                 `json:"device_uuid,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Notifier delivers domain events. Implementations must be safe for
// concurrent use and must not block the caller on slow consumers.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Discard is a Notifier that drops everything.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(ctx context.Context, event Event) error { return nil }

// Collector is a Notifier that records events in memory, for tests.
type Collector struct {
	Events []Event
}

// Notify appends the event. Not safe for concurrent use.
func (c *Collector) Notify(ctx context.Context, event Event) error {
	c.Events = append(c.Events, event)
	return nil
}

// Names returns the recorded event names in order.
func (c *Collector) Names() []string {
	names := make([]string, 0, len(c.Events))
	for _, event := range c.Events {
		names = append(names, event.Name)
	}
	return names
}
