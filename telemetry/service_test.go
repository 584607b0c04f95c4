package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/goleak"

	"github.com/gaborage/netcore/connectivity"
	"github.com/gaborage/netcore/http"
	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/observability"
	obstest "github.com/gaborage/netcore/observability/testing"
	"github.com/gaborage/netcore/telemetry/store"
)

// recordingSubmitter keeps every batch it accepts. fail decides per call.
type recordingSubmitter struct {
	mu      sync.Mutex
	batches [][]Event
	calls   atomic.Int32
	fail    func(call int32) error
}

func (r *recordingSubmitter) Submit(_ context.Context, batch []Event) error {
	call := r.calls.Add(1)
	if r.fail != nil {
		if err := r.fail(call); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.batches = append(r.batches, append([]Event(nil), batch...))
	r.mu.Unlock()
	return nil
}

func (r *recordingSubmitter) accepted() [][]Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Event(nil), r.batches...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, st store.Store, sub Submitter, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithConfig(fastConfig())}, opts...)
	s, err := NewService(context.Background(), st, sub, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestTrackAtCapacityDropsOldest(t *testing.T) {
	var logs syncBuffer
	gate := connectivity.NewGate(false, nil)
	sub := &recordingSubmitter{}
	s := newTestService(t, store.NewMemory(), sub,
		WithConnectivity(gate),
		WithLogger(logger.NewWithWriter(&logs, "debug", nil)),
	)

	ctx := context.Background()
	for range 501 {
		require.NoError(t, s.Track(ctx, "tap", nil))
	}

	assert.Equal(t, 500, s.Pending())
	assert.Contains(t, logs.String(), `"dropped":1`)
	assert.Contains(t, logs.String(), "Telemetry queue full, dropped oldest events")
	assert.Zero(t, sub.calls.Load(), "offline flushes never submit")
}

func TestTrackDropsTheOldestEvent(t *testing.T) {
	cfg := fastConfig()
	cfg.Capacity = 3
	s := newTestService(t, store.NewMemory(), &recordingSubmitter{},
		WithConfig(cfg),
		WithConnectivity(connectivity.NewGate(false, nil)),
	)

	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Track(ctx, name, nil))
	}

	var names []string
	for _, ev := range s.Queue().Snapshot() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"b", "c", "d"}, names)
}

func TestTrackRejectsInvalidEvent(t *testing.T) {
	s := newTestService(t, store.NewMemory(), &recordingSubmitter{})

	err := s.Track(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.Zero(t, s.Pending())
}

func TestTrackEventUsesClock(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	s := newTestService(t, store.NewMemory(), &recordingSubmitter{}, WithClock(func() time.Time { return at }))

	require.NoError(t, s.TrackEvent(context.Background(), Event{Name: "login"}))
	snap := s.Queue().Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Timestamp.Equal(at))
	assert.NotEmpty(t, snap[0].ID)
}

func TestFlushRemovesExactlyOneBatchFromFront(t *testing.T) {
	events := makeEvents(t, 70)
	sub := &recordingSubmitter{}
	s := newTestService(t, seedStore(t, events), sub)

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushSubmitted, res)

	batches := sub.accepted()
	require.Len(t, batches, 1)
	assert.Equal(t, events[:50], batches[0])
	assert.Equal(t, events[50:], s.Queue().Snapshot())
}

func TestConcurrentFlushIsNoOp(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	sub := &recordingSubmitter{fail: func(int32) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}
	s := newTestService(t, seedStore(t, makeEvents(t, 10)), sub)

	first := make(chan FlushResult, 1)
	go func() {
		res, _ := s.Flush(context.Background())
		first <- res
	}()
	<-entered

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushSkipped, res)

	close(release)
	assert.Equal(t, FlushSubmitted, <-first)
	assert.Equal(t, int32(1), sub.calls.Load())
	assert.Zero(t, s.Pending())
}

func TestFlushWithReusedIDsKeepsUnsentEvents(t *testing.T) {
	events := makeEvents(t, 2)
	events[1] = events[0]
	cfg := fastConfig()
	cfg.BatchSize = 1
	sub := &recordingSubmitter{}
	s := newTestService(t, seedStore(t, events), sub, WithConfig(cfg))

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushSubmitted, res)
	assert.Equal(t, 1, s.Pending())
	require.Len(t, sub.accepted(), 1)
}

func TestDrainWaitsForRunningFlush(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	sub := &recordingSubmitter{fail: func(int32) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}
	s := newTestService(t, seedStore(t, makeEvents(t, 60)), sub)

	first := make(chan FlushResult, 1)
	go func() {
		res, _ := s.Flush(context.Background())
		first <- res
	}()
	<-entered

	drained := make(chan error, 1)
	go func() { drained <- s.Drain(context.Background()) }()

	select {
	case err := <-drained:
		t.Fatalf("drain returned while another flush held the queue: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, FlushSubmitted, <-first)
	require.NoError(t, <-drained)
	assert.Zero(t, s.Pending())
	assert.Equal(t, int32(2), sub.calls.Load())
}

func TestFlushOfflineLeavesQueue(t *testing.T) {
	sub := &recordingSubmitter{}
	s := newTestService(t, seedStore(t, makeEvents(t, 5)), sub, WithConnectivity(connectivity.NewGate(false, nil)))

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushOffline, res)
	assert.Equal(t, 5, s.Pending())
	assert.Zero(t, sub.calls.Load())
}

func TestFlushEmpty(t *testing.T) {
	s := newTestService(t, store.NewMemory(), &recordingSubmitter{})
	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushEmpty, res)
}

func TestFlushRetriesThenKeepsBatch(t *testing.T) {
	sub := &recordingSubmitter{fail: func(int32) error {
		return http.NewNetworkError("connection reset", nil)
	}}
	s := newTestService(t, seedStore(t, makeEvents(t, 5)), sub)

	res, err := s.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, FlushFailed, res)
	assert.Equal(t, int32(4), sub.calls.Load(), "one attempt plus three retries")
	assert.Equal(t, 5, s.Pending())
}

func TestFlushRecoversWithinRetries(t *testing.T) {
	sub := &recordingSubmitter{fail: func(call int32) error {
		if call < 3 {
			return http.NewHTTPError(503, nil, nil)
		}
		return nil
	}}
	s := newTestService(t, seedStore(t, makeEvents(t, 5)), sub)

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushSubmitted, res)
	assert.Equal(t, int32(3), sub.calls.Load())
	assert.Zero(t, s.Pending())
}

func TestFlushDoesNotRetryPermanentErrors(t *testing.T) {
	sub := &recordingSubmitter{fail: func(int32) error {
		return http.NewHTTPError(400, []byte(`{"detail":"bad batch"}`), nil)
	}}
	s := newTestService(t, seedStore(t, makeEvents(t, 5)), sub)

	res, err := s.Flush(context.Background())
	assert.Equal(t, FlushFailed, res)
	assert.True(t, http.IsErrorType(err, http.BadRequestError))
	assert.Equal(t, int32(1), sub.calls.Load())
	assert.Equal(t, 5, s.Pending())
}

func TestFlushStopsWhenConnectivityDrops(t *testing.T) {
	gate := connectivity.NewGate(true, nil)
	sub := &recordingSubmitter{fail: func(int32) error {
		gate.Set(false)
		return http.NewNetworkError("no network connection", connectivity.ErrOffline)
	}}
	s := newTestService(t, seedStore(t, makeEvents(t, 5)), sub, WithConnectivity(gate))

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushOffline, res)
	assert.Equal(t, int32(1), sub.calls.Load())
	assert.Equal(t, 5, s.Pending())
}

func TestFlushHonoursContext(t *testing.T) {
	sub := &recordingSubmitter{fail: func(int32) error { return errors.New("unreachable") }}
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	s := newTestService(t, seedStore(t, makeEvents(t, 2)), sub, WithConfig(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := s.Flush(ctx)
	assert.Equal(t, FlushFailed, res)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 2, s.Pending())
}

func TestThresholdTriggersAsyncFlush(t *testing.T) {
	cfg := fastConfig()
	cfg.BatchSize = 5
	sub := &recordingSubmitter{}
	s := newTestService(t, store.NewMemory(), sub, WithConfig(cfg))

	ctx := context.Background()
	for range 4 {
		require.NoError(t, s.Track(ctx, "tap", nil))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sub.calls.Load(), "below threshold nothing is sent")

	require.NoError(t, s.Track(ctx, "tap", nil))
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.Len(t, sub.accepted(), 1)
	assert.Len(t, sub.accepted()[0], 5)
}

func TestOfflineEventsSubmittedByTimerInOneBatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := fastConfig()
	cfg.FlushInterval = 30 * time.Millisecond
	gate := connectivity.NewGate(false, nil)
	sub := &recordingSubmitter{}
	s, err := NewService(context.Background(), store.NewMemory(), sub, WithConfig(cfg), WithConnectivity(gate))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	ctx := context.Background()
	for range 10 {
		require.NoError(t, s.Track(ctx, "offline_tap", nil))
	}
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 10, s.Pending())
	assert.Zero(t, sub.calls.Load())

	gate.Set(true)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	batches := sub.accepted()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 10)

	require.NoError(t, s.Stop(context.Background()))
}

func TestDrainEmptiesQueue(t *testing.T) {
	sub := &recordingSubmitter{}
	s := newTestService(t, seedStore(t, makeEvents(t, 120)), sub)

	require.NoError(t, s.Drain(context.Background()))
	assert.Zero(t, s.Pending())

	batches := sub.accepted()
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 50)
	assert.Len(t, batches[1], 50)
	assert.Len(t, batches[2], 20)
}

func TestDrainStopsWhenOffline(t *testing.T) {
	s := newTestService(t, seedStore(t, makeEvents(t, 3)), &recordingSubmitter{}, WithConnectivity(connectivity.NewGate(false, nil)))

	err := s.Drain(context.Background())
	require.ErrorIs(t, err, connectivity.ErrOffline)
	assert.Equal(t, 3, s.Pending())
}

func TestDrainStopsOnFailure(t *testing.T) {
	sub := &recordingSubmitter{fail: func(int32) error { return http.NewHTTPError(403, nil, nil) }}
	s := newTestService(t, seedStore(t, makeEvents(t, 3)), sub)

	err := s.Drain(context.Background())
	assert.True(t, http.IsErrorType(err, http.ForbiddenError))
	assert.Equal(t, 3, s.Pending())
}

func TestStopWaitsForAsyncFlushAndRejectsStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := fastConfig()
	cfg.BatchSize = 1
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	sub := &recordingSubmitter{fail: func(int32) error { return errors.New("down") }}
	s, err := NewService(context.Background(), store.NewMemory(), sub, WithConfig(cfg))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, s.Track(context.Background(), "tap", nil))
	require.Eventually(t, func() bool { return sub.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 1, s.Pending(), "event survives a cancelled flush")

	assert.ErrorIs(t, s.Start(), ErrStopped)
	require.NoError(t, s.Stop(ctx), "second stop is a no-op")
}

func TestQueuePersistsAcrossRestart(t *testing.T) {
	st := store.NewMemory()
	gate := connectivity.NewGate(false, nil)
	first := newTestService(t, st, &recordingSubmitter{}, WithConnectivity(gate))
	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, first.Track(context.Background(), name, map[string]any{"n": name}))
	}
	want := first.Queue().Snapshot()

	second := newTestService(t, st, &recordingSubmitter{})
	assert.Equal(t, want, second.Queue().Snapshot())
}

func TestServiceMetrics(t *testing.T) {
	mp := obstest.NewTestMeterProvider()
	metrics, err := observability.NewMetrics(mp)
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.Capacity = 2
	sub := &recordingSubmitter{}
	s := newTestService(t, store.NewMemory(), sub, WithConfig(cfg), WithMetrics(metrics))

	ctx := context.Background()
	// a stopped service starts no background flushes; explicit ones still run
	require.NoError(t, s.Stop(ctx))
	for range 3 {
		require.NoError(t, s.Track(ctx, "tap", nil))
	}
	res, err := s.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, FlushSubmitted, res)

	rm := mp.Collect(t)
	assert.Equal(t, int64(1), obstest.SumInt64(rm, observability.MetricEventsDropped))
	assert.Equal(t, int64(1), obstest.SumInt64(rm, observability.MetricFlushes, attribute.String("outcome", "submitted")))
	size, ok := obstest.GaugeInt64(rm, observability.MetricQueueSize)
	require.True(t, ok)
	assert.Zero(t, size)
}

func TestConfigNormalized(t *testing.T) {
	cfg := Config{Capacity: 10, BatchSize: 50, MaxRetries: -1, BaseDelay: -time.Second}.normalized()
	assert.Equal(t, 10, cfg.BatchSize, "batch never exceeds capacity")
	assert.Zero(t, cfg.MaxRetries)
	assert.Zero(t, cfg.BaseDelay)
	assert.Equal(t, DefaultStorageKey, cfg.StorageKey)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
}

func TestFlushResultString(t *testing.T) {
	assert.Equal(t, "submitted", FlushSubmitted.String())
	assert.Equal(t, "skipped", FlushSkipped.String())
	assert.Equal(t, "FlushResult(42)", FlushResult(42).String())
}
