package store

import (
	"time"

	"github.com/google/uuid"
)

// IngestionStatus is the lifecycle status of an ingestion message and
// of the individual pipeline stages.
type IngestionStatus string

// Ingestion statuses. The terminal ones are Completed,
// FailedValidation, FailedTerminal, InactiveSkipped and Duplicate.
const (
	StatusQueued           IngestionStatus = "queued"
	StatusProcessing       IngestionStatus = "processing"
	StatusCompleted        IngestionStatus = "completed"
	StatusFailedValidation IngestionStatus = "failed_validation"
	StatusFailedTerminal   IngestionStatus = "failed_terminal"
	StatusInactiveSkipped  IngestionStatus = "inactive_skipped"
	StatusDuplicate        IngestionStatus = "duplicate"
)

// Stage names one step of the ingestion pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageIngress  Stage = "ingress"
	StageValidate Stage = "validate"
	StageMutate   Stage = "mutate"
	StageDerive   Stage = "derive"
	StagePersist  Stage = "persist"
	StagePublish  Stage = "publish"
)

// ValidationStatus is the three-level severity of a validation run.
type ValidationStatus string

// Validation severities.
const (
	ValidationValid   ValidationStatus = "valid"
	ValidationWarning ValidationStatus = "warning"
	ValidationInvalid ValidationStatus = "invalid"
)

// Telemetry processing states.
const (
	ProcessingStateProcessed       = "processed"
	ProcessingStateInvalid         = "invalid"
	ProcessingStateInactiveSkipped = "inactive_skipped"
	ProcessingStatePublishFailed   = "publish_failed"
)

// CommandStatus is the lifecycle status of a dispatched command.
type CommandStatus string

// Command statuses. Pending, Sent and Acknowledged are non-terminal.
const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandCompleted    CommandStatus = "completed"
	CommandFailed       CommandStatus = "failed"
)

// NonTerminalCommandStatuses are the statuses feedback can still be
// applied to.
var NonTerminalCommandStatuses = []CommandStatus{CommandPending, CommandSent, CommandAcknowledged}

// IngestionMessage is one distinct inbound wire message, keyed by its
// deduplication key. Created once, mutated by the orchestrator as it
// advances, never deleted.
type IngestionMessage struct {
	ID                 int64
	DedupKey           string
	SourceSubject      string
	SourceProtocol     string
	SourceMessageID    string
	RawPayload         map[string]interface{}
	Status             IngestionStatus
	ErrorSummary       map[string]interface{}
	OrganizationID     *int64
	DeviceID           *int64
	SchemaVersionID    *int64
	TopicID            *int64
	ReceivedAt         time.Time
	ProcessedAt        *time.Time
	CreatedAt          time.Time
}

// StageLog is one row of the append-only per-stage audit trail.
type StageLog struct {
	ID             int64
	MessageID      int64
	Stage          Stage
	Status         IngestionStatus
	DurationMillis *int64
	InputSnapshot  map[string]interface{}
	OutputSnapshot map[string]interface{}
	ChangeSet      map[string]interface{}
	Errors         map[string]interface{}
	CreatedAt      time.Time
}

// TelemetryLog is the durable record of one telemetry reading. Created
// once per successfully routed message, never mutated except to flag
// publish_failed.
type TelemetryLog struct {
	ID                int64
	DeviceID          int64
	SchemaVersionID   int64
	TopicID           *int64
	MessageID         int64
	RawPayload        map[string]interface{}
	MutatedValues     map[string]interface{}
	TransformedValues map[string]interface{}
	ValidationErrors  map[string]interface{}
	ValidationStatus  ValidationStatus
	ProcessingState   string
	RecordedAt        time.Time
	ReceivedAt        time.Time
	CreatedAt         time.Time
}

// CommandLog is one dispatched command and its feedback.
type CommandLog struct {
	ID              int64
	DeviceID        int64
	TopicID         int64
	UserID          *int64
	CommandPayload  map[string]interface{}
	ResponsePayload map[string]interface{}
	ResponseTopicID *int64
	CorrelationID   string
	Status          CommandStatus
	ErrorMessage    string
	SentAt          *time.Time
	AcknowledgedAt  *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// DesiredTopicState is the platform's desired value for a device's
// controllable topic. ReconciledAt is set once device feedback matches
// the command that produced the desired state.
type DesiredTopicState struct {
	DeviceID       int64
	TopicID        int64
	DesiredPayload map[string]interface{}
	CorrelationID  string
	ReconciledAt   *time.Time
	UpdatedAt      time.Time
}

// DeviceConnection is the presence snapshot of a device row.
type DeviceConnection struct {
	DeviceID        int64
	DeviceUUID      uuid.UUID
	ConnectionState string
	LastSeenAt      *time.Time
}
