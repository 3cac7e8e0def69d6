package publish

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-iot/osprey/ingest"
	"github.com/osprey-iot/osprey/schema"
)

func TestSanitizeToken(t *testing.T) {
	assert.Equal(t, "pump-7", SanitizeToken("Pump 7"))
	assert.Equal(t, "temp_c", SanitizeToken("temp_c"))
	assert.Equal(t, "a-b", SanitizeToken("a.b"))
	assert.Equal(t, "x", SanitizeToken("--x--"))
	assert.Equal(t, "unknown", SanitizeToken(""))
	assert.Equal(t, "unknown", SanitizeToken("!!!"))
}

func TestAnalyticsSubject(t *testing.T) {
	device := schema.Device{UUID: uuid.MustParse("3e2f0f90-1111-4222-8333-abcdefabcdef")}
	topic := schema.Topic{Key: "Engine Temp"}

	subject := AnalyticsSubject("telemetry", "Staging", 42, device, topic)
	assert.Equal(t, "telemetry.staging.42.3e2f0f90-1111-4222-8333-abcdefabcdef.engine-temp", subject)
}

func TestInvalidSubject(t *testing.T) {
	subject := InvalidSubject("telemetry-invalid", "Staging", 42, "critical_validation")
	assert.Equal(t, "telemetry-invalid.staging.42.critical_validation", subject)
}

func TestSubjectWireTopicRoundTrip(t *testing.T) {
	assert.Equal(t, "plant.dev-1.telemetry", SubjectFromWireTopic("plant/dev-1/telemetry"))
	assert.Equal(t, "plant/dev-1/telemetry", WireTopicFromSubject("plant.dev-1.telemetry"))
}

type captureConn struct {
	subject string
	data    []byte
}

func (c *captureConn) Publish(subject string, data []byte) error {
	c.subject = subject
	c.data = data
	return nil
}

func TestPublishAnalyticsPayload(t *testing.T) {
	conn := &captureConn{}
	publisher := NewAnalyticsPublisher(conn, "telemetry", "telemetry-invalid", "test")

	device := schema.Device{UUID: uuid.New(), ExternalID: "dev-1"}
	topic := schema.Topic{Key: "telemetry", Suffix: "telemetry"}
	recordedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := publisher.PublishAnalytics(context.Background(), ingest.Publication{
		MessageID:      7,
		OrganizationID: 42,
		Device:         device,
		Topic:          topic,
		RecordedAt:     recordedAt,
		Values:         map[string]interface{}{"temp": 21.5},
	})
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.data, &payload))
	assert.Equal(t, float64(7), payload["ingestion_message_id"])
	assert.Equal(t, device.UUID.String(), payload["device_uuid"])
	assert.Equal(t, "dev-1", payload["device_external_id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", payload["recorded_at"])
	assert.Equal(t, "processed", payload["status"])
	assert.Equal(t, map[string]interface{}{"temp": 21.5}, payload["values"])
	assert.NotContains(t, payload, "errors")
}

func TestPublishAnalyticsInvalidPayload(t *testing.T) {
	conn := &captureConn{}
	publisher := NewAnalyticsPublisher(conn, "telemetry", "telemetry-invalid", "test")

	err := publisher.PublishAnalytics(context.Background(), ingest.Publication{
		MessageID:      8,
		OrganizationID: 42,
		Device:         schema.Device{UUID: uuid.New()},
		Topic:          schema.Topic{Key: "telemetry"},
		RecordedAt:     time.Now(),
		Errors:         map[string]interface{}{"temp": map[string]interface{}{"error_code": "temp_missing"}},
		Invalid:        true,
		Reason:         "critical_validation",
	})
	require.NoError(t, err)

	// invalid telemetry goes to the per-organization invalid subject
	assert.Equal(t, "telemetry-invalid.test.42.critical_validation", conn.subject)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.data, &payload))
	assert.Equal(t, "invalid", payload["status"])
	assert.Contains(t, payload, "errors")
	assert.NotContains(t, payload, "values")
}

func TestPublishAnalyticsInvalidReasonDefaults(t *testing.T) {
	conn := &captureConn{}
	publisher := NewAnalyticsPublisher(conn, "telemetry", "", "test")

	err := publisher.PublishAnalytics(context.Background(), ingest.Publication{
		OrganizationID: 42,
		Device:         schema.Device{UUID: uuid.New()},
		Topic:          schema.Topic{Key: "telemetry"},
		RecordedAt:     time.Now(),
		Errors:         map[string]interface{}{},
		Invalid:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "telemetry-invalid.test.42.validation", conn.subject)
}
