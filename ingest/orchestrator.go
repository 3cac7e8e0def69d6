package ingest

import (
	"context"
	"time"

	"github.com/osprey-iot/osprey/core/logger"
	"github.com/osprey-iot/osprey/events"
	"github.com/osprey-iot/osprey/registry"
	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

// Repository is the persistence surface the orchestrator needs.
// *store.Store implements it.
type Repository interface {
	FirstOrCreateMessage(ctx context.Context, msg store.IngestionMessage) (store.IngestionMessage, bool, error)
	AttachMessageRouting(ctx context.Context, messageID int64, organizationID, deviceID int64, schemaVersionID, topicID *int64) error
	FinishMessage(ctx context.Context, messageID int64, status store.IngestionStatus, errorSummary map[string]interface{}, processedAt time.Time) error
	UpdateMessageStatus(ctx context.Context, messageID int64, status store.IngestionStatus) error
	AppendStageLog(ctx context.Context, log store.StageLog) error
	InsertTelemetryLog(ctx context.Context, log store.TelemetryLog) (int64, error)
	MarkTelemetryPublishFailed(ctx context.Context, telemetryID int64) error
}

// Resolver maps wire topics to registered devices. *registry.Registry
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, wireTopic string) (*registry.Entry, error)
}

// Publication is one outbound message of the publish stage. Values is
// set for valid telemetry, Errors and Reason for invalid.
type Publication struct {
	MessageID      int64
	OrganizationID int64
	Device         schema.Device
	Topic          schema.Topic
	RecordedAt     time.Time
	Values         map[string]interface{}
	Errors         map[string]interface{}
	Invalid        bool
	Reason         string
}

// Publisher is the outbound side of the publish stage. Both calls are
// independent; one failing does not stop the other.
type Publisher interface {
	PublishAnalytics(ctx context.Context, pub Publication) error
	WriteHotState(ctx context.Context, pub Publication) error
}

// Orchestrator drives one envelope through the pipeline. Safe for
// concurrent use.
type Orchestrator struct {
	repo                  Repository
	resolver              Resolver
	catalog               schema.Catalog
	publisher             Publisher
	notifier              events.Notifier
	captureSnapshots      bool
	disableInvalidPublish bool
	now                   func() time.Time
}

// Config assembles an orchestrator. Repo, Resolver and Catalog are
// mandatory; Publisher and Notifier default to no-ops.
type Config struct {
	Repo             Repository
	Resolver         Resolver
	Catalog          schema.Catalog
	Publisher        Publisher
	Notifier         events.Notifier
	CaptureSnapshots bool
	// DisableInvalidPublish suppresses the invalid analytics leg while
	// keeping the valid one.
	DisableInvalidPublish bool
}

// NewOrchestrator creates an orchestrator. It panics on a missing
// mandatory field.
func NewOrchestrator(config Config) *Orchestrator {
	if config.Repo == nil {
		panic("ingest: missing repository")
	}
	if config.Resolver == nil {
		panic("ingest: missing resolver")
	}
	if config.Catalog == nil {
		panic("ingest: missing catalog")
	}
	notifier := config.Notifier
	if notifier == nil {
		notifier = events.Discard
	}
	return &Orchestrator{
		repo:                  config.Repo,
		resolver:              config.Resolver,
		catalog:               config.Catalog,
		publisher:             config.Publisher,
		notifier:              notifier,
		captureSnapshots:      config.CaptureSnapshots,
		disableInvalidPublish: config.DisableInvalidPublish,
		now:                   time.Now,
	}
}

// Process runs one envelope through the pipeline and returns the final
// message status. Publish failures do not fail the message; they flag
// the telemetry record instead.
func (o *Orchestrator) Process(ctx context.Context, envelope Envelope) (store.IngestionStatus, error) {
	log := logger.FromContext(ctx)

	if IsInternalSubject(envelope.Subject) {
		log.Debugln("skipping internal subject:", envelope.Subject)
		return "", nil
	}

	receivedAt := envelope.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = o.now()
	}

	ingressStart := o.now()
	msg, created, err := o.repo.FirstOrCreateMessage(ctx, store.IngestionMessage{
		DedupKey:        envelope.DedupKey(),
		SourceSubject:   envelope.Subject,
		SourceProtocol:  envelope.Protocol,
		SourceMessageID: envelope.MessageID,
		RawPayload:      envelope.Payload,
		ReceivedAt:      receivedAt,
	})
	if err != nil {
		return "", err
	}

	if !created {
		return o.handleDuplicate(ctx, msg)
	}

	entry, err := o.resolver.Resolve(ctx, envelope.Subject)
	if err != nil {
		finishErr := o.finish(ctx, msg.ID, store.StatusFailedTerminal,
			map[string]interface{}{"reason": "registry_unavailable"})
		if finishErr != nil {
			log.Errorln("cannot finish message:", finishErr)
		}
		return store.StatusFailedTerminal, err
	}
	if entry == nil {
		o.logStage(ctx, msg.ID, store.StageIngress, store.StatusFailedTerminal, ingressStart,
			envelope.Payload, nil, nil, map[string]interface{}{"reason": "topic_not_registered"})
		err = o.finish(ctx, msg.ID, store.StatusFailedTerminal,
			map[string]interface{}{"reason": "topic_not_registered"})
		return store.StatusFailedTerminal, err
	}

	device := entry.Device
	if device.SchemaVersionID == nil {
		err = o.finish(ctx, msg.ID, store.StatusFailedTerminal,
			map[string]interface{}{"reason": "schema_version_missing"})
		return store.StatusFailedTerminal, err
	}

	schemaVersionID := entry.SchemaVersion.ID
	topicID := entry.Topic.ID
	err = o.repo.AttachMessageRouting(ctx, msg.ID, device.OrganizationID, device.ID, &schemaVersionID, &topicID)
	if err != nil {
		return "", err
	}
	o.logStage(ctx, msg.ID, store.StageIngress, store.StatusCompleted, ingressStart,
		envelope.Payload, nil, nil, nil)

	parameters, err := o.catalog.ActiveParameters(ctx, topicID)
	if err != nil {
		finishErr := o.finish(ctx, msg.ID, store.StatusFailedTerminal,
			map[string]interface{}{"reason": "catalog_unavailable"})
		if finishErr != nil {
			log.Errorln("cannot finish message:", finishErr)
		}
		return store.StatusFailedTerminal, err
	}

	recordedAt := resolveRecordedAt(envelope.Payload, receivedAt)

	validateStart := o.now()
	validation := Validate(parameters, envelope.Payload)
	if !validation.Passed {
		o.logStage(ctx, msg.ID, store.StageValidate, store.StatusFailedValidation, validateStart,
			envelope.Payload, validation.Values, nil, validation.ErrorMaps())
		return o.finishInvalid(ctx, msg, entry, validation, recordedAt, receivedAt)
	}
	o.logStage(ctx, msg.ID, store.StageValidate, store.StatusCompleted, validateStart,
		envelope.Payload, validation.Values, nil, nil)

	// inactive devices keep the extracted record but skip the rest of
	// the pipeline
	if !device.IsActive {
		_, err = o.repo.InsertTelemetryLog(ctx, store.TelemetryLog{
			DeviceID:          device.ID,
			SchemaVersionID:   schemaVersionID,
			TopicID:           &topicID,
			MessageID:         msg.ID,
			RawPayload:        envelope.Payload,
			TransformedValues: validation.Values,
			ValidationErrors:  map[string]interface{}{},
			ValidationStatus:  store.ValidationValid,
			ProcessingState:   store.ProcessingStateInactiveSkipped,
			RecordedAt:        recordedAt,
			ReceivedAt:        receivedAt,
		})
		if err != nil {
			finishErr := o.finish(ctx, msg.ID, store.StatusFailedTerminal,
				map[string]interface{}{"reason": "persist_failed"})
			if finishErr != nil {
				log.Errorln("cannot finish message:", finishErr)
			}
			return store.StatusFailedTerminal, err
		}
		err = o.finish(ctx, msg.ID, store.StatusInactiveSkipped, nil)
		return store.StatusInactiveSkipped, err
	}

	mutateStart := o.now()
	mutation := Mutate(parameters, validation.Values)
	o.logStage(ctx, msg.ID, store.StageMutate, store.StatusCompleted, mutateStart,
		validation.Values, mutation.Values, mutation.ChangeMaps(), nil)

	deriveStart := o.now()
	definitions, err := o.catalog.DerivedParameters(ctx, schemaVersionID)
	if err != nil {
		finishErr := o.finish(ctx, msg.ID, store.StatusFailedTerminal,
			map[string]interface{}{"reason": "catalog_unavailable"})
		if finishErr != nil {
			log.Errorln("cannot finish message:", finishErr)
		}
		return store.StatusFailedTerminal, err
	}
	derivation := Derive(definitions, mutation.Values)
	o.logStage(ctx, msg.ID, store.StageDerive, store.StatusCompleted, deriveStart,
		mutation.Values, derivation.Final, nil, nil)

	persistStart := o.now()
	telemetryID, err := o.repo.InsertTelemetryLog(ctx, store.TelemetryLog{
		DeviceID:          device.ID,
		SchemaVersionID:   schemaVersionID,
		TopicID:           &topicID,
		MessageID:         msg.ID,
		RawPayload:        envelope.Payload,
		MutatedValues:     mutation.Values,
		TransformedValues: derivation.Final,
		ValidationErrors:  map[string]interface{}{},
		ValidationStatus:  store.ValidationValid,
		ProcessingState:   store.ProcessingStateProcessed,
		RecordedAt:        recordedAt,
		ReceivedAt:        receivedAt,
	})
	if err != nil {
		finishErr := o.finish(ctx, msg.ID, store.StatusFailedTerminal,
			map[string]interface{}{"reason": "persist_failed"})
		if finishErr != nil {
			log.Errorln("cannot finish message:", finishErr)
		}
		return store.StatusFailedTerminal, err
	}
	o.logStage(ctx, msg.ID, store.StagePersist, store.StatusCompleted, persistStart,
		nil, map[string]interface{}{"device_telemetry_log_id": telemetryID}, nil, nil)

	publishStart := o.now()
	publishErrors := o.publishValid(ctx, Publication{
		MessageID:      msg.ID,
		OrganizationID: device.OrganizationID,
		Device:         device,
		Topic:          entry.Topic,
		RecordedAt:     recordedAt,
		Values:         derivation.Final,
	})
	if len(publishErrors) > 0 {
		if err := o.repo.MarkTelemetryPublishFailed(ctx, telemetryID); err != nil {
			log.Errorln("cannot flag publish failure:", err)
		}
		o.logStage(ctx, msg.ID, store.StagePublish, store.StatusFailedTerminal, publishStart,
			nil, nil, nil, publishErrors)
		err = o.finish(ctx, msg.ID, store.StatusFailedTerminal, map[string]interface{}{
			"reason": "publish_failed",
			"errors": publishErrors,
		})
		return store.StatusFailedTerminal, err
	}
	o.logStage(ctx, msg.ID, store.StagePublish, store.StatusCompleted, publishStart,
		nil, nil, nil, nil)

	if err := o.finish(ctx, msg.ID, store.StatusCompleted, nil); err != nil {
		return store.StatusCompleted, err
	}

	o.notify(ctx, events.Event{
		Name:       events.TelemetryProcessed,
		DeviceUUID: device.UUID.String(),
		Payload: map[string]interface{}{
			"ingestion_message_id": msg.ID,
			"topic_key":            entry.Topic.Key,
			"values":               derivation.Final,
		},
		OccurredAt: o.now(),
	})

	log.WithField("status", store.StatusCompleted).
		Debugln("processed message", msg.ID, "on", envelope.Subject)
	return store.StatusCompleted, nil
}

// handleDuplicate moves a redelivered message to Duplicate and records
// one duplicate marker. Later redeliveries change nothing.
func (o *Orchestrator) handleDuplicate(ctx context.Context, msg store.IngestionMessage) (store.IngestionStatus, error) {
	if msg.Status == store.StatusDuplicate {
		return store.StatusDuplicate, nil
	}
	if err := o.repo.UpdateMessageStatus(ctx, msg.ID, store.StatusDuplicate); err != nil {
		return store.StatusDuplicate, err
	}
	err := o.repo.AppendStageLog(ctx, store.StageLog{
		MessageID: msg.ID,
		Stage:     store.StageIngress,
		Status:    store.StatusDuplicate,
	})
	return store.StatusDuplicate, err
}

func (o *Orchestrator) finishInvalid(ctx context.Context, msg store.IngestionMessage, entry *registry.Entry,
	validation ValidationOutcome, recordedAt, receivedAt time.Time) (store.IngestionStatus, error) {
	log := logger.FromContext(ctx)
	device := entry.Device
	topicID := entry.Topic.ID

	_, err := o.repo.InsertTelemetryLog(ctx, store.TelemetryLog{
		DeviceID:          device.ID,
		SchemaVersionID:   entry.SchemaVersion.ID,
		TopicID:           &topicID,
		MessageID:         msg.ID,
		RawPayload:        msg.RawPayload,
		TransformedValues: validation.Values,
		ValidationErrors:  validation.ErrorMaps(),
		ValidationStatus:  validation.Severity,
		ProcessingState:   store.ProcessingStateInvalid,
		RecordedAt:        recordedAt,
		ReceivedAt:        receivedAt,
	})
	if err != nil {
		return store.StatusFailedValidation, err
	}

	reason := "validation"
	if validation.Severity == store.ValidationInvalid {
		reason = "critical_validation"
	}
	err = o.finish(ctx, msg.ID, store.StatusFailedValidation, map[string]interface{}{
		"reason": reason,
		"errors": validation.ErrorMaps(),
	})
	if err != nil {
		return store.StatusFailedValidation, err
	}

	// inactive devices keep the record but stay silent
	if device.IsActive {
		if o.publisher != nil && !o.disableInvalidPublish {
			publishErr := o.publisher.PublishAnalytics(ctx, Publication{
				MessageID:      msg.ID,
				OrganizationID: device.OrganizationID,
				Device:         device,
				Topic:          entry.Topic,
				RecordedAt:     recordedAt,
				Errors:         validation.ErrorMaps(),
				Invalid:        true,
				Reason:         reason,
			})
			if publishErr != nil {
				log.Errorln("cannot publish invalid telemetry:", publishErr)
			}
		}
		o.notify(ctx, events.Event{
			Name:       events.TelemetryInvalid,
			DeviceUUID: device.UUID.String(),
			Payload: map[string]interface{}{
				"ingestion_message_id": msg.ID,
				"topic_key":            entry.Topic.Key,
				"reason":               reason,
				"errors":               validation.ErrorMaps(),
			},
			OccurredAt: o.now(),
		})
	}

	return store.StatusFailedValidation, nil
}

// publishValid runs the two outbound legs of the publish stage and
// collects their failures.
func (o *Orchestrator) publishValid(ctx context.Context, pub Publication) map[string]interface{} {
	if o.publisher == nil {
		return nil
	}

	publishErrors := map[string]interface{}{}
	if err := o.publisher.PublishAnalytics(ctx, pub); err != nil {
		publishErrors["analytics_publish"] = err.Error()
	}
	if err := o.publisher.WriteHotState(ctx, pub); err != nil {
		publishErrors["hot_state"] = err.Error()
	}
	if len(publishErrors) == 0 {
		return nil
	}
	return publishErrors
}

func (o *Orchestrator) finish(ctx context.Context, messageID int64, status store.IngestionStatus, errorSummary map[string]interface{}) error {
	return o.repo.FinishMessage(ctx, messageID, status, errorSummary, o.now())
}

func (o *Orchestrator) logStage(ctx context.Context, messageID int64, stage store.Stage, status store.IngestionStatus,
	start time.Time, input, output, changeSet, stageErrors map[string]interface{}) {
	duration := o.now().Sub(start).Milliseconds()
	if !o.captureSnapshots {
		input, output, changeSet = nil, nil, nil
	}
	err := o.repo.AppendStageLog(ctx, store.StageLog{
		MessageID:      messageID,
		Stage:          stage,
		Status:         status,
		DurationMillis: &duration,
		InputSnapshot:  input,
		OutputSnapshot: output,
		ChangeSet:      changeSet,
		Errors:         stageErrors,
	})
	if err != nil {
		logger.FromContext(ctx).Errorln("cannot append stage log:", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, event events.Event) {
	if err := o.notifier.Notify(ctx, event); err != nil {
		logger.FromContext(ctx).Errorln("cannot notify event:", err)
	}
}

// resolveRecordedAt prefers an RFC3339 "timestamp" field in the
// payload over the transport receive time.
func resolveRecordedAt(payload map[string]interface{}, receivedAt time.Time) time.Time {
	raw, ok := payload["timestamp"].(string)
	if !ok {
		return receivedAt
	}
	recordedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return receivedAt
	}
	return recordedAt
}
