package control

import (
	"context"
	"time"

	"github.com/osprey-iot/osprey/core/logger"
	"github.com/osprey-iot/osprey/events"
	"github.com/osprey-iot/osprey/ingest"
	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

// Overlap matching window: only commands this recent, capped at this
// many candidates, are considered for feedback without a correlation
// id.
const (
	OverlapWindow         = 10 * time.Minute
	OverlapCandidateLimit = 25
)

// FeedbackRepository is the persistence surface of the reconciler.
// *store.Store implements it.
type FeedbackRepository interface {
	CommandByCorrelation(ctx context.Context, deviceID int64, correlationID string) (*store.CommandLog, error)
	RecentPendingCommands(ctx context.Context, deviceID int64, topicIDs []int64, since time.Time, limit int) ([]store.CommandLog, error)
	ApplyCommandFeedback(ctx context.Context, commandID int64, feedback store.CommandFeedback) error
	ReconcileDesiredState(ctx context.Context, deviceID int64, topicIDs []int64, correlationID string, at time.Time) error
	MarkDeviceOnline(ctx context.Context, deviceID int64, at time.Time) (string, error)
}

// HotStateWriter mirrors feedback payloads into the hot state bucket.
type HotStateWriter interface {
	WriteHotState(ctx context.Context, device schema.Device, topic schema.Topic, values map[string]interface{}) error
}

// Reconciler consumes device feedback: state reports, command acks and
// device events. It updates presence and hot state, then closes the
// loop on the command log that triggered the feedback.
type Reconciler struct {
	repo     FeedbackRepository
	resolver ingest.Resolver
	catalog  schema.Catalog
	hotState HotStateWriter
	notifier events.Notifier
	now      func() time.Time
}

// NewReconciler creates a reconciler. Repo, resolver and catalog are
// mandatory; hot state and notifier default to no-ops.
func NewReconciler(repo FeedbackRepository, resolver ingest.Resolver, catalog schema.Catalog,
	hotState HotStateWriter, notifier events.Notifier) *Reconciler {
	if repo == nil {
		panic("control: missing feedback repository")
	}
	if resolver == nil {
		panic("control: missing resolver")
	}
	if catalog == nil {
		panic("control: missing catalog")
	}
	if notifier == nil {
		notifier = events.Discard
	}
	return &Reconciler{
		repo:     repo,
		resolver: resolver,
		catalog:  catalog,
		hotState: hotState,
		notifier: notifier,
		now:      time.Now,
	}
}

// HandleFeedback processes one feedback message. Unresolvable topics
// and unmatched feedback are dropped without error; the device state
// side effects happen regardless of command matching.
func (r *Reconciler) HandleFeedback(ctx context.Context, envelope ingest.Envelope) error {
	log := logger.FromContext(ctx)

	if ingest.IsInternalSubject(envelope.Subject) {
		return nil
	}

	entry, err := r.resolver.Resolve(ctx, envelope.Subject)
	if err != nil {
		return err
	}
	if entry == nil {
		log.Debugln("feedback on unregistered topic:", envelope.Subject)
		return nil
	}

	device := entry.Device
	topic := entry.Topic
	now := r.now()

	previous, err := r.repo.MarkDeviceOnline(ctx, device.ID, now)
	if err != nil {
		log.Errorln("cannot update device presence:", err)
	} else if previous != store.ConnectionOnline {
		r.notify(ctx, events.Event{
			Name:       events.DeviceOnline,
			DeviceUUID: device.UUID.String(),
			OccurredAt: now,
		})
	}

	if r.hotState != nil {
		if err := r.hotState.WriteHotState(ctx, device, topic, envelope.Payload); err != nil {
			log.Errorln("cannot write hot state:", err)
		}
	}

	purpose := topic.ResolvedPurpose()
	if purpose == schema.PurposeTelemetry || purpose == schema.PurposeCommand {
		return nil
	}

	r.notify(ctx, events.Event{
		Name:       events.StateReceived,
		DeviceUUID: device.UUID.String(),
		Payload: map[string]interface{}{
			"topic_key": topic.Key,
			"values":    envelope.Payload,
		},
		OccurredAt: now,
	})

	if purpose == schema.PurposeEvent {
		return nil
	}

	command, err := r.matchCommand(ctx, device.ID, topic, purpose, envelope.Payload, now)
	if err != nil {
		return err
	}
	if command == nil {
		log.Debugln("feedback without matching command on", envelope.Subject)
		return nil
	}

	if purpose == schema.PurposeAck {
		return r.applyAck(ctx, device, topic, *command, envelope.Payload, now)
	}
	return r.complete(ctx, device, topic, *command, envelope.Payload, now, true)
}

// matchCommand looks the command up by correlation id first and falls
// back to payload overlap against the recent non-terminal commands on
// the topics linked to this feedback topic.
func (r *Reconciler) matchCommand(ctx context.Context, deviceID int64, topic schema.Topic,
	purpose schema.TopicPurpose, payload map[string]interface{}, now time.Time) (*store.CommandLog, error) {
	correlationID := CorrelationIDFromPayload(payload)
	if correlationID != "" {
		command, err := r.repo.CommandByCorrelation(ctx, deviceID, correlationID)
		if err != nil {
			return nil, err
		}
		if command != nil {
			return command, nil
		}
	}

	linkType := schema.LinkStateFeedback
	if purpose == schema.PurposeAck {
		linkType = schema.LinkAckFeedback
	}
	commandTopicIDs := topic.LinkedCommandTopicIDs(linkType)
	if len(commandTopicIDs) == 0 {
		fallback, err := r.commandTopicIDsForVersion(ctx, topic.SchemaVersionID)
		if err != nil {
			return nil, err
		}
		// still empty drops the topic filter entirely
		commandTopicIDs = fallback
	}

	candidates, err := r.repo.RecentPendingCommands(ctx, deviceID, commandTopicIDs,
		now.Add(-OverlapWindow), OverlapCandidateLimit)
	if err != nil {
		return nil, err
	}
	return BestOverlapMatch(candidates, payload), nil
}

// commandTopicIDsForVersion lists the command-purpose topics of a
// schema version, the fallback candidate set when the feedback topic
// declares no links.
func (r *Reconciler) commandTopicIDsForVersion(ctx context.Context, schemaVersionID int64) ([]int64, error) {
	topics, err := r.catalog.TopicsForVersion(ctx, schemaVersionID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, t := range topics {
		if t.IsPurposeCommand() {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// applyAck acknowledges a command. A command topic without declared
// state feedback completes on the ack alone.
func (r *Reconciler) applyAck(ctx context.Context, device schema.Device, topic schema.Topic,
	command store.CommandLog, payload map[string]interface{}, now time.Time) error {
	commandTopic, err := r.catalog.Topic(ctx, command.TopicID)
	if err != nil {
		return err
	}
	if commandTopic != nil && len(commandTopic.StateFeedbackTopicIDs()) == 0 {
		return r.complete(ctx, device, topic, command, payload, now, true)
	}

	topicID := topic.ID
	err = r.repo.ApplyCommandFeedback(ctx, command.ID, store.CommandFeedback{
		Status:          store.CommandAcknowledged,
		ResponsePayload: payload,
		ResponseTopicID: &topicID,
		AcknowledgedAt:  &now,
	})
	if err != nil {
		return err
	}

	r.notify(ctx, events.Event{
		Name:       events.CommandAcknowledged,
		DeviceUUID: device.UUID.String(),
		Payload: map[string]interface{}{
			"command_log_id": command.ID,
			"correlation_id": command.CorrelationID,
		},
		OccurredAt: now,
	})
	return nil
}

func (r *Reconciler) complete(ctx context.Context, device schema.Device, topic schema.Topic,
	command store.CommandLog, payload map[string]interface{}, now time.Time, stampAck bool) error {
	log := logger.FromContext(ctx)

	topicID := topic.ID
	feedback := store.CommandFeedback{
		Status:          store.CommandCompleted,
		ResponsePayload: payload,
		ResponseTopicID: &topicID,
		CompletedAt:     &now,
	}
	if stampAck && command.AcknowledgedAt == nil {
		feedback.AcknowledgedAt = &now
	}
	if err := r.repo.ApplyCommandFeedback(ctx, command.ID, feedback); err != nil {
		return err
	}

	err := r.repo.ReconcileDesiredState(ctx, device.ID, []int64{command.TopicID}, command.CorrelationID, now)
	if err != nil {
		log.Errorln("cannot reconcile desired state:", err)
	}

	r.notify(ctx, events.Event{
		Name:       events.CommandCompleted,
		DeviceUUID: device.UUID.String(),
		Payload: map[string]interface{}{
			"command_log_id": command.ID,
			"correlation_id": command.CorrelationID,
		},
		OccurredAt: now,
	})
	return nil
}

func (r *Reconciler) notify(ctx context.Context, event events.Event) {
	if err := r.notifier.Notify(ctx, event); err != nil {
		logger.FromContext(ctx).Errorln("cannot notify event:", err)
	}
}
