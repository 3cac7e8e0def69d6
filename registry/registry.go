// Package registry resolves wire topics to registered devices and
// their schema topics. Lookups are served from an in-memory snapshot
// rebuilt from the catalog after a short TTL, so message handling
// never queries the database per message.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osprey-iot/osprey/schema"
)

// DefaultTTL is how long a snapshot is served before the catalog is
// read again.
const DefaultTTL = 30 * time.Second

// Entry is the resolution result for one wire topic.
type Entry struct {
	Device        schema.Device
	SchemaVersion schema.SchemaVersion
	Topic         schema.Topic
}

type snapshot struct {
	entries   map[string]Entry
	expiresAt time.Time
}

// Registry is a TTL-cached wire-topic index. Safe for concurrent use;
// lookups during a rebuild keep the old snapshot.
type Registry struct {
	catalog schema.Catalog
	ttl     time.Duration
	now     func() time.Time

	current atomic.Value // *snapshot
	rebuild sync.Mutex
}

// New creates a registry over the given catalog. A non-positive ttl
// falls back to DefaultTTL.
func New(catalog schema.Catalog, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		catalog: catalog,
		ttl:     ttl,
		now:     time.Now,
	}
	r.current.Store(&snapshot{})
	return r
}

// Resolve maps a wire topic to its registered device and schema topic.
// Returns nil when the topic is not registered.
func (r *Registry) Resolve(ctx context.Context, wireTopic string) (*Entry, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := snap.entries[wireTopic]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Invalidate drops the current snapshot. The next lookup rebuilds.
func (r *Registry) Invalidate() {
	r.current.Store(&snapshot{})
}

func (r *Registry) snapshot(ctx context.Context) (*snapshot, error) {
	snap := r.current.Load().(*snapshot)
	if snap.entries != nil && r.now().Before(snap.expiresAt) {
		return snap, nil
	}

	r.rebuild.Lock()
	defer r.rebuild.Unlock()

	// another goroutine may have rebuilt while we waited
	snap = r.current.Load().(*snapshot)
	if snap.entries != nil && r.now().Before(snap.expiresAt) {
		return snap, nil
	}

	devices, err := r.catalog.RegisteredDevices(ctx)
	if err != nil {
		// keep serving a stale snapshot if we have one
		if snap.entries != nil {
			return snap, nil
		}
		return nil, err
	}

	entries := map[string]Entry{}
	for _, rd := range devices {
		for _, topic := range rd.Topics {
			if !topic.IsPublish() {
				continue
			}
			entries[topic.ResolvedTopic(rd.Device)] = Entry{
				Device:        rd.Device,
				SchemaVersion: rd.SchemaVersion,
				Topic:         topic,
			}
		}
	}

	fresh := &snapshot{entries: entries, expiresAt: r.now().Add(r.ttl)}
	r.current.Store(fresh)
	return fresh, nil
}
