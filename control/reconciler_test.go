package control

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-iot/osprey/events"
	"github.com/osprey-iot/osprey/ingest"
	"github.com/osprey-iot/osprey/registry"
	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

const (
	commandTopicID = int64(200)
	stateTopicID   = int64(201)
	ackTopicID     = int64(202)
)

type feedbackFixture struct {
	repo      *fakeCommandRepo
	resolver  *fakeFeedbackResolver
	catalog   *fakeTopicCatalog
	hotState  *countingHotState
	collector *events.Collector
	device    schema.Device
	r         *Reconciler
}

type fakeFeedbackResolver struct {
	entries map[string]*registry.Entry
}

func (f *fakeFeedbackResolver) Resolve(ctx context.Context, wireTopic string) (*registry.Entry, error) {
	return f.entries[wireTopic], nil
}

type fakeTopicCatalog struct {
	topics map[int64]*schema.Topic
}

func (f *fakeTopicCatalog) RegisteredDevices(ctx context.Context) ([]schema.RegisteredDevice, error) {
	return nil, nil
}

func (f *fakeTopicCatalog) ActiveParameters(ctx context.Context, topicID int64) ([]schema.ParameterDefinition, error) {
	return nil, nil
}

func (f *fakeTopicCatalog) DerivedParameters(ctx context.Context, schemaVersionID int64) ([]schema.DerivedParameterDefinition, error) {
	return nil, nil
}

func (f *fakeTopicCatalog) Topic(ctx context.Context, topicID int64) (*schema.Topic, error) {
	return f.topics[topicID], nil
}

func (f *fakeTopicCatalog) TopicsForVersion(ctx context.Context, schemaVersionID int64) ([]schema.Topic, error) {
	var out []schema.Topic
	for _, topic := range f.topics {
		if topic.SchemaVersionID == schemaVersionID {
			out = append(out, *topic)
		}
	}
	return out, nil
}

type countingHotState struct {
	writes int
}

func (c *countingHotState) WriteHotState(ctx context.Context, device schema.Device, topic schema.Topic, values map[string]interface{}) error {
	c.writes++
	return nil
}

// newFeedbackFixture builds a device with a command topic, a linked
// state topic and a linked ack topic. withStateLink controls whether
// the command topic declares state feedback.
func newFeedbackFixture(t *testing.T, withStateLink bool) *feedbackFixture {
	t.Helper()

	device := schema.Device{
		ID: 1, UUID: uuid.New(), ExternalID: "dev-1", OrganizationID: 9, IsActive: true,
		Type: schema.DeviceType{ID: 1, Key: "thermostat", BaseTopic: "plant"},
	}
	version := schema.SchemaVersion{ID: 11, SchemaID: 5, Version: 1}

	ackLink := schema.TopicLink{FromTopicID: commandTopicID, ToTopicID: ackTopicID, Type: schema.LinkAckFeedback}
	stateLink := schema.TopicLink{FromTopicID: commandTopicID, ToTopicID: stateTopicID, Type: schema.LinkStateFeedback}

	command := schema.Topic{ID: commandTopicID, SchemaVersionID: 11, Key: "set-mode", Suffix: "cmd/mode",
		Direction: schema.DirectionSubscribe, QoS: 1,
		OutgoingLinks: []schema.TopicLink{ackLink}}
	state := schema.Topic{ID: stateTopicID, SchemaVersionID: 11, Key: "state", Suffix: "state",
		Direction: schema.DirectionPublish, Purpose: schema.PurposeState}
	ack := schema.Topic{ID: ackTopicID, SchemaVersionID: 11, Key: "ack", Suffix: "cmd/ack",
		Direction: schema.DirectionPublish, Purpose: schema.PurposeAck,
		IncomingLinks: []schema.TopicLink{ackLink}}

	if withStateLink {
		command.OutgoingLinks = append(command.OutgoingLinks, stateLink)
		state.IncomingLinks = []schema.TopicLink{stateLink}
	}

	resolver := &fakeFeedbackResolver{entries: map[string]*registry.Entry{
		"plant/dev-1/state":   {Device: device, SchemaVersion: version, Topic: state},
		"plant/dev-1/cmd/ack": {Device: device, SchemaVersion: version, Topic: ack},
	}}
	catalog := &fakeTopicCatalog{topics: map[int64]*schema.Topic{
		commandTopicID: &command,
		stateTopicID:   &state,
		ackTopicID:     &ack,
	}}

	fixture := &feedbackFixture{
		repo:      newFakeCommandRepo(),
		resolver:  resolver,
		catalog:   catalog,
		hotState:  &countingHotState{},
		collector: &events.Collector{},
		device:    device,
	}
	fixture.r = NewReconciler(fixture.repo, resolver, catalog, fixture.hotState, fixture.collector)
	return fixture
}

func (f *feedbackFixture) sentCommand(t *testing.T, payload map[string]interface{}) store.CommandLog {
	t.Helper()
	log, err := f.repo.CreateCommandLog(context.Background(), store.CommandLog{
		DeviceID:       f.device.ID,
		TopicID:        commandTopicID,
		CommandPayload: payload,
		CorrelationID:  uuid.NewString(),
	})
	require.NoError(t, err)
	sentAt := time.Now()
	require.NoError(t, f.repo.MarkCommandSent(context.Background(), log.ID, sentAt))
	return *f.repo.commands[log.ID]
}

func stateEnvelope(payload map[string]interface{}) ingest.Envelope {
	return ingest.Envelope{
		Subject:    "plant/dev-1/state",
		Protocol:   "mqtt",
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}

func TestHandleFeedbackCompletesByCorrelation(t *testing.T) {
	fixture := newFeedbackFixture(t, true)
	command := fixture.sentCommand(t, map[string]interface{}{"mode": "eco"})

	payload := withCorrelation(map[string]interface{}{"mode": "eco"}, command.CorrelationID)
	require.NoError(t, fixture.r.HandleFeedback(context.Background(), stateEnvelope(payload)))

	stored := fixture.repo.commands[command.ID]
	assert.Equal(t, store.CommandCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.ResponseTopicID)
	assert.Equal(t, stateTopicID, *stored.ResponseTopicID)

	assert.Equal(t, []string{command.CorrelationID}, fixture.repo.reconciled)
	assert.Equal(t, 1, fixture.hotState.writes)
	assert.Equal(t, []string{events.DeviceOnline, events.StateReceived, events.CommandCompleted},
		fixture.collector.Names())
}

func TestHandleFeedbackFallsBackToOverlap(t *testing.T) {
	fixture := newFeedbackFixture(t, true)
	command := fixture.sentCommand(t, map[string]interface{}{"mode": "eco"})

	// device echoes the state without the correlation meta
	require.NoError(t, fixture.r.HandleFeedback(context.Background(),
		stateEnvelope(map[string]interface{}{"mode": "eco"})))

	assert.Equal(t, store.CommandCompleted, fixture.repo.commands[command.ID].Status)
}

func TestHandleFeedbackOverlapWithoutStateLink(t *testing.T) {
	// the state topic declares no feedback link, so the candidate
	// set falls back to the command topics of the schema version
	fixture := newFeedbackFixture(t, false)
	command := fixture.sentCommand(t, map[string]interface{}{"mode": "eco"})

	require.NoError(t, fixture.r.HandleFeedback(context.Background(),
		stateEnvelope(map[string]interface{}{"mode": "eco"})))

	stored := fixture.repo.commands[command.ID]
	assert.Equal(t, store.CommandCompleted, stored.Status)
	require.NotNil(t, stored.ResponseTopicID)
	assert.Equal(t, stateTopicID, *stored.ResponseTopicID)
}

func TestHandleFeedbackIgnoresDisjointPayload(t *testing.T) {
	fixture := newFeedbackFixture(t, true)
	command := fixture.sentCommand(t, map[string]interface{}{"mode": "eco"})

	require.NoError(t, fixture.r.HandleFeedback(context.Background(),
		stateEnvelope(map[string]interface{}{"firmware": "1.2.3"})))

	// the command stays open, the state side effects still happen
	assert.Equal(t, store.CommandSent, fixture.repo.commands[command.ID].Status)
	assert.Equal(t, 1, fixture.hotState.writes)
	assert.Contains(t, fixture.collector.Names(), events.StateReceived)
	assert.NotContains(t, fixture.collector.Names(), events.CommandCompleted)
}

func TestHandleFeedbackAckWithStateLinkAcknowledges(t *testing.T) {
	fixture := newFeedbackFixture(t, true)
	command := fixture.sentCommand(t, map[string]interface{}{"mode": "eco"})

	payload := withCorrelation(map[string]interface{}{"accepted": true}, command.CorrelationID)
	envelope := ingest.Envelope{Subject: "plant/dev-1/cmd/ack", Payload: payload, ReceivedAt: time.Now()}
	require.NoError(t, fixture.r.HandleFeedback(context.Background(), envelope))

	stored := fixture.repo.commands[command.ID]
	assert.Equal(t, store.CommandAcknowledged, stored.Status)
	require.NotNil(t, stored.AcknowledgedAt)
	assert.Nil(t, stored.CompletedAt)
	assert.Empty(t, fixture.repo.reconciled)
	assert.Contains(t, fixture.collector.Names(), events.CommandAcknowledged)
}

func TestHandleFeedbackAckWithoutStateLinkCompletes(t *testing.T) {
	fixture := newFeedbackFixture(t, false)
	command := fixture.sentCommand(t, map[string]interface{}{"mode": "eco"})

	payload := withCorrelation(map[string]interface{}{"accepted": true}, command.CorrelationID)
	envelope := ingest.Envelope{Subject: "plant/dev-1/cmd/ack", Payload: payload, ReceivedAt: time.Now()}
	require.NoError(t, fixture.r.HandleFeedback(context.Background(), envelope))

	stored := fixture.repo.commands[command.ID]
	assert.Equal(t, store.CommandCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Contains(t, fixture.collector.Names(), events.CommandCompleted)
}

func TestHandleFeedbackOnlineEventOnlyOnTransition(t *testing.T) {
	fixture := newFeedbackFixture(t, true)

	require.NoError(t, fixture.r.HandleFeedback(context.Background(),
		stateEnvelope(map[string]interface{}{"mode": "eco"})))
	require.NoError(t, fixture.r.HandleFeedback(context.Background(),
		stateEnvelope(map[string]interface{}{"mode": "heat"})))

	online := 0
	for _, name := range fixture.collector.Names() {
		if name == events.DeviceOnline {
			online++
		}
	}
	assert.Equal(t, 1, online)
	assert.Equal(t, 2, fixture.repo.onlineMarks)
}

func TestHandleFeedbackSkipsInternalSubjects(t *testing.T) {
	fixture := newFeedbackFixture(t, true)

	envelope := ingest.Envelope{Subject: "$KV/hotstate/dev-1", Payload: map[string]interface{}{}}
	require.NoError(t, fixture.r.HandleFeedback(context.Background(), envelope))
	assert.Equal(t, 0, fixture.repo.onlineMarks)
	assert.Empty(t, fixture.collector.Events)
}

func TestHandleFeedbackUnregisteredTopic(t *testing.T) {
	fixture := newFeedbackFixture(t, true)

	envelope := ingest.Envelope{Subject: "plant/other/state", Payload: map[string]interface{}{}}
	require.NoError(t, fixture.r.HandleFeedback(context.Background(), envelope))
	assert.Equal(t, 0, fixture.repo.onlineMarks)
}
