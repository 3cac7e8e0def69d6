package publish

import (
	"context"

	"github.com/osprey-iot/osprey/ingest"
	"github.com/osprey-iot/osprey/store"
)

// Pipeline bundles the analytics publisher and the hot state store
// into the publish stage the orchestrator drives.
type Pipeline struct {
	Analytics *AnalyticsPublisher
	HotState  *HotStateStore
}

var _ ingest.Publisher = (*Pipeline)(nil)

// PublishAnalytics forwards to the analytics publisher.
func (p *Pipeline) PublishAnalytics(ctx context.Context, pub ingest.Publication) error {
	if p.Analytics == nil {
		return nil
	}
	return p.Analytics.PublishAnalytics(ctx, pub)
}

// WriteHotState forwards to the hot state store with the publication's
// ingestion context attached.
func (p *Pipeline) WriteHotState(ctx context.Context, pub ingest.Publication) error {
	if p.HotState == nil {
		return nil
	}
	recordedAt := pub.RecordedAt
	return p.HotState.WriteHotStateRecord(ctx, pub.Device, pub.Topic, HotState{
		Values:     pub.Values,
		MessageID:  pub.MessageID,
		Status:     string(store.StatusCompleted),
		RecordedAt: &recordedAt,
	})
}
