// Package control is the command plane: outgoing device commands and
// the reconciliation of the feedback devices send back.
package control

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/osprey-iot/osprey/core/logger"
	"github.com/osprey-iot/osprey/events"
	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

// CorrelationMetaKey is where the dispatcher injects the correlation
// id into outgoing command payloads, and where the reconciler looks
// for it in feedback.
const CorrelationMetaKey = "_meta"

// CorrelationIDField is the field under CorrelationMetaKey carrying
// the correlation id.
const CorrelationIDField = "command_id"

// CommandRepository is the persistence surface of the dispatcher.
// *store.Store implements it.
type CommandRepository interface {
	CreateCommandLog(ctx context.Context, log store.CommandLog) (store.CommandLog, error)
	MarkCommandSent(ctx context.Context, commandID int64, sentAt time.Time) error
	MarkCommandFailed(ctx context.Context, commandID int64, errorMessage string) error
	UpsertDesiredState(ctx context.Context, state store.DesiredTopicState) error
}

// CommandPublisher delivers a command payload to a device's wire
// topic.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, wireTopic string, qos byte, retain bool, payload []byte) error
}

// DispatchRequest is one command to send.
type DispatchRequest struct {
	Device  schema.Device
	Topic   schema.Topic
	Payload map[string]interface{}
	UserID  *int64

	// SkipCorrelation leaves the payload untouched for devices that
	// reject unknown fields. Feedback then falls back to overlap
	// matching.
	SkipCorrelation bool
}

// Dispatcher sends commands and records their lifecycle. Transport
// failures never surface as errors; they end up as failed command
// logs.
type Dispatcher struct {
	repo      CommandRepository
	publisher CommandPublisher
	notifier  events.Notifier

	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. It panics on missing repo or
// publisher; the notifier defaults to a no-op.
func NewDispatcher(repo CommandRepository, publisher CommandPublisher, notifier events.Notifier) *Dispatcher {
	if repo == nil {
		panic("control: missing command repository")
	}
	if publisher == nil {
		panic("control: missing command publisher")
	}
	if notifier == nil {
		notifier = events.Discard
	}
	return &Dispatcher{
		repo:      repo,
		publisher: publisher,
		notifier:  notifier,
		attempts:  2,
		backoff:   250 * time.Millisecond,
		now:       time.Now,
	}
}

// Dispatch records and sends one command. The returned log reflects
// the final state: sent on success, failed when the transport gave up.
// An error is only returned when the command could not be recorded at
// all.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (store.CommandLog, error) {
	log := logger.FromContext(ctx)

	correlationID := uuid.NewString()
	commandLog, err := d.repo.CreateCommandLog(ctx, store.CommandLog{
		DeviceID:       req.Device.ID,
		TopicID:        req.Topic.ID,
		UserID:         req.UserID,
		CommandPayload: req.Payload,
		CorrelationID:  correlationID,
	})
	if err != nil {
		return commandLog, err
	}

	err = d.repo.UpsertDesiredState(ctx, store.DesiredTopicState{
		DeviceID:       req.Device.ID,
		TopicID:        req.Topic.ID,
		DesiredPayload: req.Payload,
		CorrelationID:  correlationID,
	})
	if err != nil {
		log.Errorln("cannot record desired state:", err)
	}

	d.notify(ctx, events.Event{
		Name:       events.CommandDispatched,
		DeviceUUID: req.Device.UUID.String(),
		Payload: map[string]interface{}{
			"command_log_id": commandLog.ID,
			"topic_key":      req.Topic.Key,
			"correlation_id": correlationID,
		},
		OccurredAt: d.now(),
	})

	payload := req.Payload
	if !req.SkipCorrelation {
		payload = withCorrelation(payload, correlationID)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return d.fail(ctx, commandLog, req, "cannot encode payload: "+err.Error())
	}

	wireTopic := req.Topic.ResolvedTopic(req.Device)
	publishErr := d.publishWithRetry(ctx, wireTopic, byte(req.Topic.QoS), req.Topic.Retain, data)
	if publishErr != nil {
		return d.fail(ctx, commandLog, req, publishErr.Error())
	}

	sentAt := d.now()
	if err := d.repo.MarkCommandSent(ctx, commandLog.ID, sentAt); err != nil {
		log.Errorln("cannot mark command sent:", err)
	}
	commandLog.Status = store.CommandSent
	commandLog.SentAt = &sentAt

	d.notify(ctx, events.Event{
		Name:       events.CommandSent,
		DeviceUUID: req.Device.UUID.String(),
		Payload: map[string]interface{}{
			"command_log_id": commandLog.ID,
			"topic_key":      req.Topic.Key,
			"correlation_id": correlationID,
		},
		OccurredAt: sentAt,
	})
	return commandLog, nil
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, wireTopic string, qos byte, retain bool, data []byte) error {
	var err error
	for attempt := 0; attempt < d.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff):
			}
		}
		err = d.publisher.PublishCommand(ctx, wireTopic, qos, retain, data)
		if err == nil {
			return nil
		}
	}
	return err
}

func (d *Dispatcher) fail(ctx context.Context, commandLog store.CommandLog, req DispatchRequest, message string) (store.CommandLog, error) {
	log := logger.FromContext(ctx)
	log.Errorln("command dispatch failed:", message)

	if err := d.repo.MarkCommandFailed(ctx, commandLog.ID, message); err != nil {
		log.Errorln("cannot mark command failed:", err)
	}
	commandLog.Status = store.CommandFailed
	commandLog.ErrorMessage = message

	d.notify(ctx, events.Event{
		Name:       events.CommandFailed,
		DeviceUUID: req.Device.UUID.String(),
		Payload: map[string]interface{}{
			"command_log_id": commandLog.ID,
			"topic_key":      req.Topic.Key,
			"error":          message,
		},
		OccurredAt: d.now(),
	})
	return commandLog, nil
}

func (d *Dispatcher) notify(ctx context.Context, event events.Event) {
	if err := d.notifier.Notify(ctx, event); err != nil {
		logger.FromContext(ctx).Errorln("cannot notify event:", err)
	}
}

// withCorrelation returns a shallow copy of the payload with the
// correlation id injected under the meta key.
func withCorrelation(payload map[string]interface{}, correlationID string) map[string]interface{} {
	out := map[string]interface{}{}
	for key, value := range payload {
		out[key] = value
	}

	meta := map[string]interface{}{}
	if existing, ok := out[CorrelationMetaKey].(map[string]interface{}); ok {
		for key, value := range existing {
			meta[key] = value
		}
	}
	meta[CorrelationIDField] = correlationID
	out[CorrelationMetaKey] = meta
	return out
}

// CorrelationIDFromPayload extracts the correlation id from a feedback
// payload, or "" when absent.
func CorrelationIDFromPayload(payload map[string]interface{}) string {
	meta, ok := payload[CorrelationMetaKey].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := meta[CorrelationIDField].(string)
	return id
}
