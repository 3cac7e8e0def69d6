package publish

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/osprey-iot/osprey/schema"
)

// KeyValue is the part of a JetStream key-value bucket the hot state
// store uses. jetstream.KeyValue implements it.
type KeyValue interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
}

// HotStateStore keeps the latest value set per device topic in a
// JetStream key-value bucket, keyed {deviceUUID}.{topicKey}.
type HotStateStore struct {
	kv      KeyValue
	timeout time.Duration
}

// HotState is the stored value of one device topic. MessageID, Status
// and RecordedAt are set for pipeline writes; feedback writes carry
// values only.
type HotState struct {
	Values     map[string]interface{} `json:"values"`
	MessageID  int64                  `json:"ingestion_message_id,omitempty"`
	Status     string                 `json:"message_status,omitempty"`
	RecordedAt *time.Time             `json:"recorded_at,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// NewHotStateStore opens (or creates) the bucket on the given
// connection.
func NewHotStateStore(ctx context.Context, nc *nats.Conn, bucket string) (*HotStateStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 1})
	}
	if err != nil {
		return nil, err
	}
	return NewHotStateStoreWithKV(kv), nil
}

// NewHotStateStoreWithKV wraps an already opened bucket.
func NewHotStateStoreWithKV(kv KeyValue) *HotStateStore {
	return &HotStateStore{kv: kv, timeout: 2 * time.Second}
}

// WriteHotState stores the latest values of a device topic.
func (s *HotStateStore) WriteHotState(ctx context.Context, device schema.Device, topic schema.Topic, values map[string]interface{}) error {
	return s.WriteHotStateRecord(ctx, device, topic, HotState{Values: values})
}

// WriteHotStateRecord stores a full hot state record.
func (s *HotStateStore) WriteHotStateRecord(ctx context.Context, device schema.Device, topic schema.Topic, state HotState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.kv.Put(opCtx, hotStateKey(device, topic), data)
	return err
}

// ReadHotState returns the latest stored state of a device topic, or
// nil when none was written yet.
func (s *HotStateStore) ReadHotState(ctx context.Context, device schema.Device, topic schema.Topic) (*HotState, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.kv.Get(opCtx, hotStateKey(device, topic))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state HotState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func hotStateKey(device schema.Device, topic schema.Topic) string {
	return device.UUID.String() + "." + SanitizeToken(topic.Key)
}
