package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/telemetry/store"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func makeEvents(t *testing.T, n int) []Event {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := make([]Event, n)
	for i := range n {
		ev, err := NewEvent(fmt.Sprintf("event_%03d", i), map[string]any{
			"index": float64(i),
			"flags": []any{true, "x"},
			"ctx":   map[string]any{"screen": "home"},
		}, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		events[i] = ev
	}
	return events
}

func seedStore(t *testing.T, events []Event) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	data, err := json.Marshal(events)
	require.NoError(t, err)
	require.NoError(t, st.Save(context.Background(), DefaultStorageKey, data))
	return st
}

func TestQueueSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q, err := LoadQueue(ctx, st, DefaultStorageKey, 100, nil, nil)
	require.NoError(t, err)

	events := makeEvents(t, 25)
	for _, ev := range events {
		_, _, err := q.Append(ctx, ev)
		require.NoError(t, err)
	}

	reloaded, err := LoadQueue(ctx, st, DefaultStorageKey, 100, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, events, reloaded.Snapshot())
}

func TestQueueEvictsOldestAtCapacity(t *testing.T) {
	ctx := context.Background()
	q, err := LoadQueue(ctx, store.NewMemory(), DefaultStorageKey, 3, nil, nil)
	require.NoError(t, err)

	events := makeEvents(t, 5)
	var dropped int
	for _, ev := range events {
		d, size, err := q.Append(ctx, ev)
		require.NoError(t, err)
		assert.LessOrEqual(t, size, 3)
		dropped += d
	}

	assert.Equal(t, 2, dropped)
	assert.Equal(t, events[2:], q.Snapshot())
}

func TestQueueCorruptSnapshotStartsEmpty(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Save(ctx, DefaultStorageKey, []byte(`[{"id":"1","event_name":`)))

	var logs syncBuffer
	q, err := LoadQueue(ctx, st, DefaultStorageKey, 10, logger.NewWithWriter(&logs, "debug", nil), nil)
	require.NoError(t, err)
	assert.Zero(t, q.Len())
	assert.Contains(t, logs.String(), "Discarding corrupt telemetry queue snapshot")

	_, err = st.Load(ctx, DefaultStorageKey)
	assert.ErrorIs(t, err, store.ErrNotFound, "corrupt snapshot is deleted")
}

func TestQueueRestoreTrimsToCapacity(t *testing.T) {
	events := makeEvents(t, 10)
	q, err := LoadQueue(context.Background(), seedStore(t, events), DefaultStorageKey, 4, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, events[6:], q.Snapshot())
}

func TestQueueRemoveBatch(t *testing.T) {
	ctx := context.Background()
	events := makeEvents(t, 8)
	st := seedStore(t, events)
	q, err := LoadQueue(ctx, st, DefaultStorageKey, 8, nil, nil)
	require.NoError(t, err)

	batch := q.Peek(5)
	require.Len(t, batch, 5)

	removed, err := q.RemoveBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	assert.Equal(t, events[5:], q.Snapshot())

	reloaded, err := LoadQueue(ctx, st, DefaultStorageKey, 8, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, events[5:], reloaded.Snapshot(), "removal is persisted")
}

func TestQueueRemoveBatchAfterEviction(t *testing.T) {
	ctx := context.Background()
	events := makeEvents(t, 6)
	q, err := LoadQueue(ctx, seedStore(t, events[:4]), DefaultStorageKey, 4, nil, nil)
	require.NoError(t, err)

	batch := q.Peek(3) // events 0..2

	// two arrivals evict events 0 and 1 while the batch is in flight
	for _, ev := range events[4:] {
		_, _, err := q.Append(ctx, ev)
		require.NoError(t, err)
	}

	removed, err := q.RemoveBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, events[3:], q.Snapshot())
}

func TestQueuePeekCopies(t *testing.T) {
	events := makeEvents(t, 3)
	q, err := LoadQueue(context.Background(), seedStore(t, events), DefaultStorageKey, 10, nil, nil)
	require.NoError(t, err)

	batch := q.Peek(10)
	require.Len(t, batch, 3)
	batch[0].Name = "changed"
	assert.Equal(t, events[0].Name, q.Snapshot()[0].Name)
	assert.Nil(t, q.Peek(0))
}

func TestLoadQueueRejectsBadCapacity(t *testing.T) {
	_, err := LoadQueue(context.Background(), store.NewMemory(), DefaultStorageKey, 0, nil, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "capacity"))
}

func TestQueueSnapshotRoundTripKeepsIntegers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q, err := LoadQueue(ctx, st, DefaultStorageKey, 10, nil, nil)
	require.NoError(t, err)

	ev, err := NewEvent("purchase", map[string]any{
		"count":    3,
		"order_id": int64(9007199254740993),
		"total":    12.5,
		"lines":    []any{map[string]any{"qty": 2}},
	}, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, _, err = q.Append(ctx, ev)
	require.NoError(t, err)

	reloaded, err := LoadQueue(ctx, st, DefaultStorageKey, 10, nil, nil)
	require.NoError(t, err)
	snap := reloaded.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ev, snap[0])
	assert.Equal(t, json.Number("9007199254740993"), snap[0].Properties["order_id"])

	wire, err := json.Marshal(snap[0].Properties)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3,"order_id":9007199254740993,"total":12.5,"lines":[{"qty":2}]}`, string(wire))
}

func TestQueueRemoveBatchWithReusedIDs(t *testing.T) {
	ctx := context.Background()
	events := makeEvents(t, 3)
	events[1] = events[0]
	q, err := LoadQueue(ctx, seedStore(t, events), DefaultStorageKey, 10, nil, nil)
	require.NoError(t, err)

	removed, err := q.RemoveBatch(ctx, q.Peek(1))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, events[1:], q.Snapshot())
}

func TestQueueRemoveBatchIgnoresForeignBatch(t *testing.T) {
	ctx := context.Background()
	events := makeEvents(t, 4)
	q, err := LoadQueue(ctx, seedStore(t, events[2:]), DefaultStorageKey, 10, nil, nil)
	require.NoError(t, err)

	removed, err := q.RemoveBatch(ctx, events[:2])
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, events[2:], q.Snapshot())
}
