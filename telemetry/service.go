package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-co-op/gocron/v2"

	"github.com/gaborage/netcore/connectivity"
	"github.com/gaborage/netcore/http"
	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/observability"
	"github.com/gaborage/netcore/telemetry/store"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("telemetry: service stopped")

// Config tunes queueing and submission.
type Config struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
	// MaxRetries is the number of resubmissions after a failed attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	StorageKey string
}

// DefaultConfig returns capacity 500, batches of 50, a 30s timer and three
// retries at 1s, 2s and 4s.
func DefaultConfig() Config {
	return Config{
		Capacity:      500,
		BatchSize:     50,
		FlushInterval: 30 * time.Second,
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		StorageKey:    DefaultStorageKey,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Capacity < 1 {
		c.Capacity = d.Capacity
	}
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	c.BatchSize = min(c.BatchSize, c.Capacity)
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.StorageKey == "" {
		c.StorageKey = d.StorageKey
	}
	return c
}

// FlushResult reports what a Flush call did.
type FlushResult int

const (
	// FlushEmpty means there was nothing to send.
	FlushEmpty FlushResult = iota
	// FlushSubmitted means one batch was accepted and removed from the queue.
	FlushSubmitted
	// FlushSkipped means another flush was already running.
	FlushSkipped
	// FlushOffline means no connectivity; the queue was left untouched.
	FlushOffline
	// FlushFailed means every attempt failed; the batch stays queued.
	FlushFailed
)

func (r FlushResult) String() string {
	switch r {
	case FlushEmpty:
		return "empty"
	case FlushSubmitted:
		return "submitted"
	case FlushSkipped:
		return "skipped"
	case FlushOffline:
		return "offline"
	case FlushFailed:
		return "failed"
	default:
		return fmt.Sprintf("FlushResult(%d)", int(r))
	}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Service accepts events from any goroutine and submits them in batches.
type Service struct {
	cfg       Config
	queue     *Queue
	submitter Submitter
	conn      connectivity.Checker
	log       logger.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	flushMu   sync.Mutex
	flushDone chan struct{} // closed when the running flush returns; nil when idle
	inflight  sync.WaitGroup

	mu        sync.Mutex
	scheduler gocron.Scheduler
	stopped   bool
	bgCtx     context.Context
	bgCancel  context.CancelFunc
}

// Option configures a Service.
type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithConnectivity makes flushes return FlushOffline while checker reports
// no network.
func WithConnectivity(checker connectivity.Checker) Option {
	return func(s *Service) { s.conn = checker }
}

func WithLogger(log logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService restores the persisted queue from st and returns a service that
// submits through submitter. The periodic flush starts with Start.
func NewService(ctx context.Context, st store.Store, submitter Submitter, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:       DefaultConfig(),
		submitter: submitter,
		conn:      alwaysOnline{},
		log:       logger.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.normalized()

	q, err := LoadQueue(ctx, st, s.cfg.StorageKey, s.cfg.Capacity, s.log, s.metrics)
	if err != nil {
		return nil, err
	}
	s.queue = q
	s.bgCtx, s.bgCancel = context.WithCancel(context.WithoutCancel(ctx))

	if n := q.Len(); n > 0 {
		s.log.Info().Int("events", n).Msg("Restored pending telemetry events")
	}
	return s, nil
}

// Track queues an event named name. It never blocks on the network; only an
// invalid event is reported back.
func (s *Service) Track(ctx context.Context, name string, props map[string]any) error {
	ev, err := NewEvent(name, props, s.now())
	if err != nil {
		s.log.Warn().Err(err).Str("event", name).Msg("Rejected telemetry event")
		return err
	}
	s.enqueue(ctx, ev)
	return nil
}

// TrackEvent queues a prepared event. Missing ID or timestamp are filled in.
func (s *Service) TrackEvent(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	norm, err := ev.normalized()
	if err != nil {
		s.log.Warn().Err(err).Str("event", ev.Name).Msg("Rejected telemetry event")
		return err
	}
	s.enqueue(ctx, norm)
	return nil
}

func (s *Service) enqueue(ctx context.Context, ev Event) {
	_, size, err := s.queue.Append(ctx, ev)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist telemetry queue")
	}
	if size >= s.cfg.BatchSize {
		s.flushAsync()
	}
}

// Pending returns the number of queued events.
func (s *Service) Pending() int {
	return s.queue.Len()
}

// Queue exposes the underlying queue.
func (s *Service) Queue() *Queue {
	return s.queue
}

func (s *Service) flushAsync() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	ctx := s.bgCtx
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		if res, err := s.Flush(ctx); err != nil {
			s.log.Debug().Err(err).Str("result", res.String()).Msg("Threshold flush did not submit")
		}
	}()
}

// Flush submits at most one batch. Concurrent calls do not queue up: while
// one flush runs, others return FlushSkipped immediately.
func (s *Service) Flush(ctx context.Context) (FlushResult, error) {
	done, ok := s.beginFlush()
	if !ok {
		return FlushSkipped, nil
	}
	defer s.endFlush(done)

	if !s.conn.Online() {
		s.metrics.RecordFlush(ctx, FlushOffline.String())
		return FlushOffline, nil
	}

	batch := s.queue.Peek(s.cfg.BatchSize)
	if len(batch) == 0 {
		return FlushEmpty, nil
	}

	start := time.Now()
	if err := s.submit(ctx, batch); err != nil {
		if errors.Is(err, connectivity.ErrOffline) {
			s.metrics.RecordFlush(ctx, FlushOffline.String())
			s.log.Debug().Int("events", len(batch)).Msg("Connectivity lost during telemetry flush")
			return FlushOffline, nil
		}
		s.metrics.RecordFlush(ctx, FlushFailed.String())
		s.log.Warn().Err(err).Int("events", len(batch)).Msg("Telemetry batch submission failed, events kept for next flush")
		return FlushFailed, err
	}

	removed, err := s.queue.RemoveBatch(ctx, batch)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist telemetry queue")
	}
	s.metrics.RecordFlush(ctx, FlushSubmitted.String())
	s.log.Debug().
		Int("events", len(batch)).
		Int("removed", removed).
		Int("pending", s.queue.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("Telemetry batch submitted")
	return FlushSubmitted, nil
}

func (s *Service) beginFlush() (chan struct{}, bool) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.flushDone != nil {
		return nil, false
	}
	s.flushDone = make(chan struct{})
	return s.flushDone, true
}

func (s *Service) endFlush(done chan struct{}) {
	s.flushMu.Lock()
	s.flushDone = nil
	s.flushMu.Unlock()
	close(done)
}

// runningFlush returns the completion channel of the flush in progress, or
// nil when none is running.
func (s *Service) runningFlush() <-chan struct{} {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushDone
}

func (s *Service) submit(ctx context.Context, batch []Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.MaxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if !s.conn.Online() {
			return struct{}{}, backoff.Permanent(connectivity.ErrOffline)
		}
		err := s.submitter.Submit(ctx, batch)
		if err != nil && !retryableSubmitError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries+1)), //nolint:gosec // G115: normalized to >= 0
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Debug().Err(err).Dur("retry_in", next).Int("events", len(batch)).Msg("Retrying telemetry batch")
		}),
	)
	return err
}

// retryableSubmitError reports whether another attempt could succeed. Offline
// stops immediately so the batch waits for connectivity instead.
func retryableSubmitError(err error) bool {
	if errors.Is(err, connectivity.ErrOffline) {
		return false
	}
	if ce, ok := http.AsClientError(err); ok {
		return ce.Retryable()
	}
	return true
}

// Drain flushes until the queue is empty, the device is offline, a flush
// fails, or ctx ends. Use it from shutdown and logout hooks with a deadline.
func (s *Service) Drain(ctx context.Context) error {
	for s.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := s.Flush(ctx)
		switch res {
		case FlushSubmitted:
			continue
		case FlushEmpty:
			return nil
		case FlushOffline:
			return connectivity.ErrOffline
		case FlushSkipped:
			// another flush owns the queue; wait for it to return
			done := s.runningFlush()
			if done == nil {
				continue
			}
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return err
		}
	}
	return nil
}

// Start schedules the periodic flush. Calling Start twice is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.scheduler != nil {
		return nil
	}

	sch, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("telemetry: failed to create scheduler: %w", err)
	}
	_, err = sch.NewJob(
		gocron.DurationJob(s.cfg.FlushInterval),
		gocron.NewTask(s.scheduledFlush),
		gocron.WithName("telemetry-flush"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sch.Shutdown()
		return fmt.Errorf("telemetry: failed to schedule flush: %w", err)
	}
	sch.Start()
	s.scheduler = sch

	s.log.Info().Dur("interval", s.cfg.FlushInterval).Msg("Telemetry flush scheduled")
	return nil
}

func (s *Service) scheduledFlush() {
	res, err := s.Flush(s.bgCtx)
	if err != nil {
		return
	}
	if res == FlushSubmitted {
		s.log.Debug().Int("pending", s.queue.Len()).Msg("Periodic telemetry flush submitted a batch")
	}
}

// Stop cancels the timer and any background flush, then waits for them to
// return or for ctx to end. Queued events stay persisted for the next run.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sch := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()

	s.bgCancel()

	var errs []error
	if sch != nil {
		if err := sch.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: scheduler shutdown: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
