package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/observability"
	"github.com/gaborage/netcore/telemetry/store"
)

// DefaultStorageKey is the store key holding the queue snapshot.
const DefaultStorageKey = "analytics_event_queue"

// Queue is a bounded FIFO of events. Every mutation persists the full
// snapshot before the lock is released.
type Queue struct {
	mu       sync.Mutex
	events   []Event
	capacity int

	store   store.Store
	key     string
	log     logger.Logger
	metrics *observability.Metrics
}

// LoadQueue restores the queue saved under key. A missing snapshot gives an
// empty queue; a snapshot that does not decode is logged, deleted and
// replaced by an empty queue. Only a failing store read is returned.
func LoadQueue(ctx context.Context, st store.Store, key string, capacity int, log logger.Logger, metrics *observability.Metrics) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("telemetry: queue capacity must be positive, got %d", capacity)
	}
	if log == nil {
		log = logger.Nop()
	}
	q := &Queue{
		capacity: capacity,
		store:    st,
		key:      key,
		log:      log,
		metrics:  metrics,
	}

	data, err := st.Load(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("telemetry: load queue: %w", err)
	}

	events, err := decodeSnapshot(data)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Int("bytes", len(data)).Msg("Discarding corrupt telemetry queue snapshot")
		if derr := st.Delete(ctx, key); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("Failed to delete corrupt telemetry queue snapshot")
		}
		return q, nil
	}

	if over := len(events) - capacity; over > 0 {
		events = events[over:]
		log.Warn().Int("dropped", over).Msg("Restored telemetry queue exceeded capacity, dropped oldest events")
	}
	q.events = events
	q.metrics.RecordQueueSize(ctx, len(events))
	return q, nil
}

// decodeSnapshot keeps numbers as json.Number, the form events hold them in.
func decodeSnapshot(data []byte) ([]Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var events []Event
	if err := dec.Decode(&events); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after queue snapshot")
	}
	return events, nil
}

// Append adds ev, evicting the oldest events over capacity. It returns how
// many events were dropped and the resulting size. A persistence failure is
// returned but the event stays queued in memory.
func (q *Queue) Append(ctx context.Context, ev Event) (dropped, size int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, ev)
	if over := len(q.events) - q.capacity; over > 0 {
		clear(q.events[:over])
		q.events = q.events[over:]
		dropped = over
		q.log.Warn().Int("dropped", dropped).Int("capacity", q.capacity).Msg("Telemetry queue full, dropped oldest events")
		q.metrics.RecordDropped(ctx, dropped)
	}
	return dropped, len(q.events), q.persistLocked(ctx)
}

// Peek returns a copy of up to n events from the front.
func (q *Queue) Peek(n int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	n = min(n, len(q.events))
	if n <= 0 {
		return nil
	}
	return append([]Event(nil), q.events[:n]...)
}

// RemoveBatch removes the submitted events still at the front of the queue
// and returns how many were removed. At most len(batch) events go. When
// eviction took the head of the batch while it was in flight, removal starts
// at the first batch entry that is still queued.
func (q *Queue) RemoveBatch(ctx context.Context, batch []Event) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 || len(batch) == 0 {
		return 0, nil
	}
	offset := -1
	for i := range batch {
		if sameEvent(batch[i], q.events[0]) {
			offset = i
			break
		}
	}
	if offset < 0 {
		return 0, nil
	}

	n := 0
	for n < len(q.events) && offset+n < len(batch) && sameEvent(q.events[n], batch[offset+n]) {
		n++
	}
	q.events = append([]Event(nil), q.events[n:]...)
	return n, q.persistLocked(ctx)
}

// sameEvent matches a queued event against a submitted copy. Callers may
// reuse IDs, so name and timestamp are compared as well.
func sameEvent(a, b Event) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Timestamp.Equal(b.Timestamp)
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Snapshot returns a copy of the whole queue in order.
func (q *Queue) Snapshot() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Event(nil), q.events...)
}

// persistLocked must be called with q.mu held.
func (q *Queue) persistLocked(ctx context.Context) error {
	q.metrics.RecordQueueSize(ctx, len(q.events))

	events := q.events
	if events == nil {
		events = []Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("telemetry: encode queue: %w", err)
	}
	// a caller giving up must not leave memory and disk out of step
	if err := q.store.Save(context.WithoutCancel(ctx), q.key, data); err != nil {
		return fmt.Errorf("telemetry: persist queue: %w", err)
	}
	return nil
}
