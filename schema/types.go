package schema

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TopicDirection says who publishes on a topic.
type TopicDirection string

// Topic directions. Publish is device to platform, Subscribe is
// platform to device.
const (
	DirectionPublish   TopicDirection = "publish"
	DirectionSubscribe TopicDirection = "subscribe"
)

// TopicPurpose classifies what a topic carries.
type TopicPurpose string

// Topic purposes.
const (
	PurposeTelemetry TopicPurpose = "telemetry"
	PurposeState     TopicPurpose = "state"
	PurposeAck       TopicPurpose = "ack"
	PurposeCommand   TopicPurpose = "command"
	PurposeEvent     TopicPurpose = "event"
)

// TopicLinkType is the declared relation between a command topic and
// its feedback topics.
type TopicLinkType string

// Topic link types.
const (
	LinkStateFeedback TopicLinkType = "state_feedback"
	LinkAckFeedback   TopicLinkType = "ack_feedback"
)

// DataType is the declared type of a parameter value.
type DataType string

// Parameter data types.
const (
	TypeInteger DataType = "integer"
	TypeDecimal DataType = "decimal"
	TypeBoolean DataType = "boolean"
	TypeString  DataType = "string"
	TypeJSON    DataType = "json"
)

// DeviceType carries the per-type protocol settings, most importantly
// the MQTT base topic all of the type's devices publish under.
type DeviceType struct {
	ID        int64
	Key       string
	Name      string
	BaseTopic string
}

// Device is one physical device. Identifier on the wire is ExternalID
// when set, otherwise the UUID.
type Device struct {
	ID              int64
	UUID            uuid.UUID
	ExternalID      string
	OrganizationID  int64
	IsActive        bool
	ConnectionState string
	LastSeenAt      *time.Time
	SchemaVersionID *int64
	Type            DeviceType
}

// Identifier returns the token used in the device's wire topics.
func (d Device) Identifier() string {
	if d.ExternalID != "" {
		return d.ExternalID
	}
	return d.UUID.String()
}

// TopicLink connects a command topic (From) to one of its declared
// feedback topics (To).
type TopicLink struct {
	FromTopicID int64
	ToTopicID   int64
	Type        TopicLinkType
}

// Topic is one topic of a schema version.
type Topic struct {
	ID              int64
	SchemaVersionID int64
	Key             string
	Suffix          string
	Direction       TopicDirection
	Purpose         TopicPurpose // empty means inferred, see ResolvedPurpose
	QoS             int
	Retain          bool
	Sequence        int

	// OutgoingLinks are links from this topic to its feedback topics,
	// IncomingLinks are links from command topics to this topic.
	OutgoingLinks []TopicLink
	IncomingLinks []TopicLink
}

// ResolvedTopic resolves the full wire topic for a given device:
// {baseTopic}/{deviceIdentifier}/{suffix}.
func (t Topic) ResolvedTopic(device Device) string {
	base := strings.Trim(device.Type.BaseTopic, "/")
	return base + "/" + device.Identifier() + "/" + t.Suffix
}

// IsPublish reports whether the device publishes on this topic.
func (t Topic) IsPublish() bool {
	return t.Direction == DirectionPublish
}

// IsSubscribe reports whether the device subscribes to this topic.
func (t Topic) IsSubscribe() bool {
	return t.Direction == DirectionSubscribe
}

// ResolvedPurpose returns the explicit purpose when set, otherwise
// infers one from direction, suffix and retain flag.
func (t Topic) ResolvedPurpose() TopicPurpose {
	if t.Purpose != "" {
		return t.Purpose
	}

	suffix := strings.ToLower(t.Suffix)
	switch {
	case t.IsSubscribe():
		return PurposeCommand
	case strings.Contains(suffix, "ack"):
		return PurposeAck
	case t.Retain || suffix == "state" || suffix == "status":
		return PurposeState
	default:
		return PurposeTelemetry
	}
}

// IsPurposeCommand reports whether this is a command topic.
func (t Topic) IsPurposeCommand() bool { return t.ResolvedPurpose() == PurposeCommand }

// IsPurposeState reports whether this is a state topic.
func (t Topic) IsPurposeState() bool { return t.ResolvedPurpose() == PurposeState }

// IsPurposeAck reports whether this is an acknowledgement topic.
func (t Topic) IsPurposeAck() bool { return t.ResolvedPurpose() == PurposeAck }

// IsPurposeTelemetry reports whether this is a telemetry topic.
func (t Topic) IsPurposeTelemetry() bool { return t.ResolvedPurpose() == PurposeTelemetry }

// StateFeedbackTopicIDs returns the ids of topics linked to this
// command topic as state feedback.
func (t Topic) StateFeedbackTopicIDs() []int64 {
	return t.linkedTopicIDs(LinkStateFeedback)
}

// AckFeedbackTopicIDs returns the ids of topics linked to this command
// topic as ack feedback.
func (t Topic) AckFeedbackTopicIDs() []int64 {
	return t.linkedTopicIDs(LinkAckFeedback)
}

func (t Topic) linkedTopicIDs(linkType TopicLinkType) []int64 {
	var ids []int64
	for _, link := range t.OutgoingLinks {
		if link.Type == linkType {
			ids = append(ids, link.ToTopicID)
		}
	}
	return ids
}

// LinkedCommandTopicIDs returns the command topics declared as feeding
// this feedback topic, restricted to the given link type. An empty
// linkType matches all incoming links.
func (t Topic) LinkedCommandTopicIDs(linkType TopicLinkType) []int64 {
	var ids []int64
	seen := map[int64]bool{}
	for _, link := range t.IncomingLinks {
		if linkType != "" && link.Type != linkType {
			continue
		}
		if seen[link.FromTopicID] {
			continue
		}
		seen[link.FromTopicID] = true
		ids = append(ids, link.FromTopicID)
	}
	return ids
}

// SchemaVersion is one published version of a device schema.
type SchemaVersion struct {
	ID       int64
	SchemaID int64
	Version  int
}

// RegisteredDevice is a device with an assigned schema version and
// that version's topics, as the topic registry consumes it.
type RegisteredDevice struct {
	Device        Device
	SchemaVersion SchemaVersion
	Topics        []Topic
}

// Catalog is the read-only repository view of the device catalog. All
// returned slices are fully materialized and ordered; parameters come
// back in sequence order.
type Catalog interface {
	// RegisteredDevices lists all devices with an assigned schema
	// version, each with that version's topics.
	RegisteredDevices(ctx context.Context) ([]RegisteredDevice, error)
	// ActiveParameters lists the active parameter definitions of a
	// topic in sequence order.
	ActiveParameters(ctx context.Context, topicID int64) ([]ParameterDefinition, error)
	// DerivedParameters lists the derived parameter definitions of a
	// schema version.
	DerivedParameters(ctx context.Context, schemaVersionID int64) ([]DerivedParameterDefinition, error)
	// Topic fetches one topic with its links.
	Topic(ctx context.Context, topicID int64) (*Topic, error)
	// TopicsForVersion lists all topics of a schema version with their
	// links.
	TopicsForVersion(ctx context.Context, schemaVersionID int64) ([]Topic, error)
}
