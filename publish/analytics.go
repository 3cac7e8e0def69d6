package publish

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/osprey-iot/osprey/ingest"
)

// Conn is the part of a NATS connection the analytics publisher uses.
// *nats.Conn implements it.
type Conn interface {
	Publish(subject string, data []byte) error
}

// AnalyticsPublisher publishes processed telemetry to per-device
// analytics subjects and invalid telemetry to per-organization invalid
// subjects.
type AnalyticsPublisher struct {
	conn          Conn
	prefix        string
	invalidPrefix string
	environment   string
}

// NewAnalyticsPublisher creates a publisher under the given subject
// prefixes and environment token.
func NewAnalyticsPublisher(conn Conn, prefix, invalidPrefix, environment string) *AnalyticsPublisher {
	if prefix == "" {
		prefix = "telemetry"
	}
	if invalidPrefix == "" {
		invalidPrefix = "telemetry-invalid"
	}
	if environment == "" {
		environment = "production"
	}
	return &AnalyticsPublisher{conn: conn, prefix: prefix, invalidPrefix: invalidPrefix, environment: environment}
}

// PublishAnalytics sends one telemetry publication. Invalid telemetry
// goes out on the invalid subject, keyed by the validation reason, and
// carries the errors instead of values.
func (p *AnalyticsPublisher) PublishAnalytics(ctx context.Context, pub ingest.Publication) error {
	subject := AnalyticsSubject(p.prefix, p.environment, pub.OrganizationID, pub.Device, pub.Topic)
	if pub.Invalid {
		reason := pub.Reason
		if reason == "" {
			reason = "validation"
		}
		subject = InvalidSubject(p.invalidPrefix, p.environment, pub.OrganizationID, reason)
	}

	payload := map[string]interface{}{
		"ingestion_message_id": pub.MessageID,
		"organization_id":      pub.OrganizationID,
		"device_uuid":          pub.Device.UUID.String(),
		"device_external_id":   pub.Device.ExternalID,
		"topic_key":            pub.Topic.Key,
		"topic_suffix":         pub.Topic.Suffix,
		"recorded_at":          pub.RecordedAt.UTC().Format(time.RFC3339),
	}
	if pub.Invalid {
		payload["status"] = "invalid"
		payload["errors"] = pub.Errors
	} else {
		payload["status"] = "processed"
		payload["values"] = pub.Values
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}
