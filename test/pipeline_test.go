package test

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/osprey-iot/osprey/control"
	"github.com/osprey-iot/osprey/ingest"
	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

// fixture is one seeded device with a telemetry topic, a command topic
// and a linked state topic.
type fixture struct {
	device        schema.Device
	version       schema.SchemaVersion
	telemetryID   int64
	commandID     int64
	stateID       int64
	telemetryWire string
	stateWire     string
}

func (s *IntegrationTestSuite) seedFixture(externalID string) fixture {
	ctx := context.Background()

	typeID, err := s.Store.CreateDeviceType(ctx, schema.DeviceType{
		Key: "thermostat-" + externalID, Name: "Thermostat", BaseTopic: "plant",
	})
	s.Require().NoError(err)

	versionID, err := s.Store.CreateSchemaVersion(ctx, typeID, "thermostat", 1)
	s.Require().NoError(err)

	telemetryID, err := s.Store.CreateTopic(ctx, schema.Topic{
		SchemaVersionID: versionID, Key: "telemetry", Suffix: "telemetry",
		Direction: schema.DirectionPublish, QoS: 1,
	})
	s.Require().NoError(err)

	commandID, err := s.Store.CreateTopic(ctx, schema.Topic{
		SchemaVersionID: versionID, Key: "set-mode", Suffix: "cmd/mode",
		Direction: schema.DirectionSubscribe, QoS: 1,
	})
	s.Require().NoError(err)

	stateID, err := s.Store.CreateTopic(ctx, schema.Topic{
		SchemaVersionID: versionID, Key: "state", Suffix: "state",
		Direction: schema.DirectionPublish, Purpose: schema.PurposeState,
	})
	s.Require().NoError(err)

	err = s.Store.CreateTopicLink(ctx, schema.TopicLink{
		FromTopicID: commandID, ToTopicID: stateID, Type: schema.LinkStateFeedback,
	})
	s.Require().NoError(err)

	_, err = s.Store.CreateParameter(ctx, schema.ParameterDefinition{
		TopicID: telemetryID, Key: "temp", JSONPath: "temp", Type: schema.TypeDecimal,
		Required: true, IsCritical: true, IsActive: true,
		ValidationErrorCode: "temp_missing", MutationExpression: "val / 10",
	})
	s.Require().NoError(err)

	_, err = s.Store.CreateDerivedParameter(ctx, schema.DerivedParameterDefinition{
		SchemaVersionID: versionID, Key: "temp_f",
		Dependencies: []string{"temp"}, Expression: "temp * 1.8 + 32",
		Type: schema.TypeDecimal,
	})
	s.Require().NoError(err)

	deviceID, deviceUUID, err := s.Store.CreateDevice(ctx, schema.Device{
		ExternalID: externalID, OrganizationID: 1, IsActive: true,
		Type:            schema.DeviceType{ID: typeID},
		SchemaVersionID: &versionID,
	})
	s.Require().NoError(err)
	s.Registry.Invalidate()

	return fixture{
		device: schema.Device{ID: deviceID, UUID: deviceUUID, ExternalID: externalID,
			OrganizationID: 1, IsActive: true, SchemaVersionID: &versionID,
			Type: schema.DeviceType{ID: typeID, BaseTopic: "plant"}},
		version:       schema.SchemaVersion{ID: versionID, Version: 1},
		telemetryID:   telemetryID,
		commandID:     commandID,
		stateID:       stateID,
		telemetryWire: "plant/" + externalID + "/telemetry",
		stateWire:     "plant/" + externalID + "/state",
	}
}

func (s *IntegrationTestSuite) TestTelemetryEndToEnd() {
	ctx := context.Background()
	fix := s.seedFixture("e2e-1")

	status, err := s.Orchestrator.Process(ctx, ingest.Envelope{
		Subject:    fix.telemetryWire,
		Protocol:   "mqtt",
		MessageID:  "m-1",
		Payload:    map[string]interface{}{"temp": 215.0},
		ReceivedAt: time.Now().UTC(),
	})
	s.Require().NoError(err)
	s.Equal(store.StatusCompleted, status)

	telemetry, err := s.Store.TelemetryForDevice(ctx, fix.device.ID, 10)
	s.Require().NoError(err)
	s.Require().Len(telemetry, 1)
	s.Equal(store.ProcessingStateProcessed, telemetry[0].ProcessingState)
	s.InDelta(21.5, telemetry[0].MutatedValues["temp"].(float64), 0.001)
	s.InDelta(70.7, telemetry[0].TransformedValues["temp_f"].(float64), 0.001)

	logs, err := s.Store.StageLogs(ctx, telemetry[0].MessageID)
	s.Require().NoError(err)
	s.Require().Len(logs, 6)
	s.Equal(store.StagePublish, logs[5].Stage)
	s.Equal(store.StatusCompleted, logs[5].Status)

	hotState, err := s.HotState.ReadHotState(ctx, fix.device, schema.Topic{ID: fix.telemetryID, Key: "telemetry"})
	s.Require().NoError(err)
	s.Require().NotNil(hotState)
	s.InDelta(70.7, hotState.Values["temp_f"].(float64), 0.001)
	s.Equal(telemetry[0].MessageID, hotState.MessageID)
	s.Equal(string(store.StatusCompleted), hotState.Status)
}

func (s *IntegrationTestSuite) TestTelemetryDuplicateDelivery() {
	ctx := context.Background()
	fix := s.seedFixture("e2e-dup")

	envelope := ingest.Envelope{
		Subject:    fix.telemetryWire,
		Protocol:   "mqtt",
		MessageID:  "m-dup",
		Payload:    map[string]interface{}{"temp": 215.0},
		ReceivedAt: time.Now().UTC(),
	}

	status, err := s.Orchestrator.Process(ctx, envelope)
	s.Require().NoError(err)
	s.Equal(store.StatusCompleted, status)

	for i := 0; i < 2; i++ {
		status, err = s.Orchestrator.Process(ctx, envelope)
		s.Require().NoError(err)
		s.Equal(store.StatusDuplicate, status)
	}

	telemetry, err := s.Store.TelemetryForDevice(ctx, fix.device.ID, 10)
	s.Require().NoError(err)
	s.Len(telemetry, 1)

	logs, err := s.Store.StageLogs(ctx, telemetry[0].MessageID)
	s.Require().NoError(err)
	duplicates := 0
	for _, log := range logs {
		if log.Status == store.StatusDuplicate {
			duplicates++
		}
	}
	s.Equal(1, duplicates)
}

func (s *IntegrationTestSuite) TestCommandRoundTrip() {
	ctx := context.Background()
	fix := s.seedFixture("e2e-cmd")

	commandTopic := schema.Topic{ID: fix.commandID, SchemaVersionID: fix.version.ID,
		Key: "set-mode", Suffix: "cmd/mode", Direction: schema.DirectionSubscribe, QoS: 1}

	commandLog, err := s.Dispatcher.Dispatch(ctx, control.DispatchRequest{
		Device:  fix.device,
		Topic:   commandTopic,
		Payload: map[string]interface{}{"mode": "eco"},
	})
	s.Require().NoError(err)
	s.Equal(store.CommandSent, commandLog.Status)
	s.Require().NotEmpty(s.Transport.published)

	var sentPayload map[string]interface{}
	s.Require().NoError(json.Unmarshal(s.Transport.published[len(s.Transport.published)-1].Payload, &sentPayload))
	meta := sentPayload["_meta"].(map[string]interface{})
	s.Equal(commandLog.CorrelationID, meta["command_id"])

	desired, err := s.Store.DesiredStatesForDevice(ctx, fix.device.ID)
	s.Require().NoError(err)
	s.Require().Len(desired, 1)
	s.Nil(desired[0].ReconciledAt)

	// device reports the new state with the correlation id echoed back
	err = s.Reconciler.HandleFeedback(ctx, ingest.Envelope{
		Subject:  fix.stateWire,
		Protocol: "mqtt",
		Payload: map[string]interface{}{
			"mode":  "eco",
			"_meta": map[string]interface{}{"command_id": commandLog.CorrelationID},
		},
		ReceivedAt: time.Now().UTC(),
	})
	s.Require().NoError(err)

	completed, err := s.Store.CommandByID(ctx, commandLog.ID)
	s.Require().NoError(err)
	s.Require().NotNil(completed)
	s.Equal(store.CommandCompleted, completed.Status)
	s.NotNil(completed.CompletedAt)

	desired, err = s.Store.DesiredStatesForDevice(ctx, fix.device.ID)
	s.Require().NoError(err)
	s.Require().Len(desired, 1)
	s.NotNil(desired[0].ReconciledAt)

	conn, err := s.Store.DeviceConnectionByUUID(ctx, fix.device.UUID)
	s.Require().NoError(err)
	s.Require().NotNil(conn)
	s.Equal(store.ConnectionOnline, conn.ConnectionState)
	s.NotNil(conn.LastSeenAt)

	// disconnect flips the state but keeps last_seen_at
	deviceUUID, previous, err := s.Store.MarkDeviceOfflineByIdentifier(ctx, fix.device.ExternalID)
	s.Require().NoError(err)
	s.Equal(fix.device.UUID, deviceUUID)
	s.Equal(store.ConnectionOnline, previous)

	conn, err = s.Store.DeviceConnectionByUUID(ctx, fix.device.UUID)
	s.Require().NoError(err)
	s.Equal(store.ConnectionOffline, conn.ConnectionState)
	s.NotNil(conn.LastSeenAt)
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed suite in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
