package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-iot/osprey/events"
	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

type fakeCommandRepo struct {
	commands      map[int64]*store.CommandLog
	nextID        int64
	desiredStates []store.DesiredTopicState
	reconciled    []string
	onlineMarks   int
	previousState string
}

func newFakeCommandRepo() *fakeCommandRepo {
	return &fakeCommandRepo{commands: map[int64]*store.CommandLog{}, previousState: store.ConnectionOffline}
}

func (f *fakeCommandRepo) CreateCommandLog(ctx context.Context, log store.CommandLog) (store.CommandLog, error) {
	f.nextID++
	log.ID = f.nextID
	log.Status = store.CommandPending
	log.CreatedAt = time.Now()
	stored := log
	f.commands[log.ID] = &stored
	return log, nil
}

func (f *fakeCommandRepo) MarkCommandSent(ctx context.Context, commandID int64, sentAt time.Time) error {
	f.commands[commandID].Status = store.CommandSent
	f.commands[commandID].SentAt = &sentAt
	return nil
}

func (f *fakeCommandRepo) MarkCommandFailed(ctx context.Context, commandID int64, errorMessage string) error {
	f.commands[commandID].Status = store.CommandFailed
	f.commands[commandID].ErrorMessage = errorMessage
	return nil
}

func (f *fakeCommandRepo) UpsertDesiredState(ctx context.Context, state store.DesiredTopicState) error {
	f.desiredStates = append(f.desiredStates, state)
	return nil
}

func (f *fakeCommandRepo) CommandByCorrelation(ctx context.Context, deviceID int64, correlationID string) (*store.CommandLog, error) {
	for _, command := range f.commands {
		if command.DeviceID == deviceID && command.CorrelationID == correlationID &&
			command.Status != store.CommandCompleted && command.Status != store.CommandFailed {
			copied := *command
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeCommandRepo) RecentPendingCommands(ctx context.Context, deviceID int64, topicIDs []int64, since time.Time, limit int) ([]store.CommandLog, error) {
	var out []store.CommandLog
	// iterate newest first
	for id := f.nextID; id >= 1; id-- {
		command, ok := f.commands[id]
		if !ok || command.DeviceID != deviceID {
			continue
		}
		if command.Status == store.CommandCompleted || command.Status == store.CommandFailed {
			continue
		}
		if len(topicIDs) == 0 {
			out = append(out, *command)
		} else {
			for _, topicID := range topicIDs {
				if command.TopicID == topicID {
					out = append(out, *command)
					break
				}
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeCommandRepo) ApplyCommandFeedback(ctx context.Context, commandID int64, feedback store.CommandFeedback) error {
	command := f.commands[commandID]
	command.Status = feedback.Status
	if feedback.ResponsePayload != nil {
		command.ResponsePayload = feedback.ResponsePayload
	}
	if feedback.ResponseTopicID != nil {
		command.ResponseTopicID = feedback.ResponseTopicID
	}
	if feedback.AcknowledgedAt != nil {
		command.AcknowledgedAt = feedback.AcknowledgedAt
	}
	if feedback.CompletedAt != nil {
		command.CompletedAt = feedback.CompletedAt
	}
	return nil
}

func (f *fakeCommandRepo) ReconcileDesiredState(ctx context.Context, deviceID int64, topicIDs []int64, correlationID string, at time.Time) error {
	f.reconciled = append(f.reconciled, correlationID)
	return nil
}

func (f *fakeCommandRepo) MarkDeviceOnline(ctx context.Context, deviceID int64, at time.Time) (string, error) {
	f.onlineMarks++
	previous := f.previousState
	f.previousState = store.ConnectionOnline
	return previous, nil
}

type fakeCommandPublisher struct {
	failures  int
	published []publishedCommand
}

type publishedCommand struct {
	wireTopic string
	qos       byte
	retain    bool
	payload   map[string]interface{}
}

func (f *fakeCommandPublisher) PublishCommand(ctx context.Context, wireTopic string, qos byte, retain bool, payload []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	f.published = append(f.published, publishedCommand{wireTopic: wireTopic, qos: qos, retain: retain, payload: decoded})
	return nil
}

func commandDevice() schema.Device {
	return schema.Device{
		ID: 1, UUID: uuid.New(), ExternalID: "dev-1", OrganizationID: 9, IsActive: true,
		Type: schema.DeviceType{ID: 1, Key: "thermostat", BaseTopic: "plant"},
	}
}

func commandTopic() schema.Topic {
	return schema.Topic{ID: 200, Key: "set-mode", Suffix: "cmd/mode",
		Direction: schema.DirectionSubscribe, QoS: 1}
}

func fastDispatcher(repo CommandRepository, publisher CommandPublisher, notifier events.Notifier) *Dispatcher {
	d := NewDispatcher(repo, publisher, notifier)
	d.backoff = time.Millisecond
	return d
}

func TestDispatchSendsCommand(t *testing.T) {
	repo := newFakeCommandRepo()
	publisher := &fakeCommandPublisher{}
	collector := &events.Collector{}
	d := fastDispatcher(repo, publisher, collector)

	log, err := d.Dispatch(context.Background(), DispatchRequest{
		Device:  commandDevice(),
		Topic:   commandTopic(),
		Payload: map[string]interface{}{"mode": "eco"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.CommandSent, log.Status)
	require.NotNil(t, log.SentAt)
	assert.NotEmpty(t, log.CorrelationID)

	require.Len(t, publisher.published, 1)
	published := publisher.published[0]
	assert.Equal(t, "plant/dev-1/cmd/mode", published.wireTopic)
	assert.Equal(t, byte(1), published.qos)
	assert.Equal(t, "eco", published.payload["mode"])

	meta, ok := published.payload["_meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, log.CorrelationID, meta["command_id"])

	require.Len(t, repo.desiredStates, 1)
	assert.Equal(t, log.CorrelationID, repo.desiredStates[0].CorrelationID)

	assert.Equal(t, []string{events.CommandDispatched, events.CommandSent}, collector.Names())
}

func TestDispatchSkipCorrelation(t *testing.T) {
	publisher := &fakeCommandPublisher{}
	d := fastDispatcher(newFakeCommandRepo(), publisher, nil)

	_, err := d.Dispatch(context.Background(), DispatchRequest{
		Device:          commandDevice(),
		Topic:           commandTopic(),
		Payload:         map[string]interface{}{"mode": "eco"},
		SkipCorrelation: true,
	})
	require.NoError(t, err)
	require.Len(t, publisher.published, 1)
	assert.NotContains(t, publisher.published[0].payload, "_meta")
}

func TestDispatchRetriesOnce(t *testing.T) {
	publisher := &fakeCommandPublisher{failures: 1}
	d := fastDispatcher(newFakeCommandRepo(), publisher, nil)

	log, err := d.Dispatch(context.Background(), DispatchRequest{
		Device:  commandDevice(),
		Topic:   commandTopic(),
		Payload: map[string]interface{}{"mode": "eco"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.CommandSent, log.Status)
	assert.Len(t, publisher.published, 1)
}

func TestDispatchFailsAfterRetries(t *testing.T) {
	repo := newFakeCommandRepo()
	publisher := &fakeCommandPublisher{failures: 2}
	collector := &events.Collector{}
	d := fastDispatcher(repo, publisher, collector)

	log, err := d.Dispatch(context.Background(), DispatchRequest{
		Device:  commandDevice(),
		Topic:   commandTopic(),
		Payload: map[string]interface{}{"mode": "eco"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, log.Status)
	assert.Equal(t, "broker unavailable", log.ErrorMessage)
	assert.Empty(t, publisher.published)
	assert.Equal(t, []string{events.CommandDispatched, events.CommandFailed}, collector.Names())
}
