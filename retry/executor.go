package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/gaborage/netcore/connectivity"
	"github.com/gaborage/netcore/logger"
)

// Sleeper pauses for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Hook observes each scheduled retry.
type Hook func(attempt int, delay time.Duration, err error)

// Executor runs units of work under a Policy. It is safe for concurrent use.
type Executor struct {
	policy      Policy
	waiter      connectivity.Waiter
	offlineWait time.Duration
	sleep       Sleeper
	hook        Hook
	log         logger.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithConnectivity lets offline failures wait up to maxWait for the waiter to
// report connectivity before the next attempt. Zero maxWait waits as long as
// the caller's context allows.
func WithConnectivity(w connectivity.Waiter, maxWait time.Duration) Option {
	return func(e *Executor) {
		e.waiter = w
		e.offlineWait = maxWait
	}
}

// WithSleeper replaces the timer-based sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithHook registers a callback invoked before every backoff sleep.
func WithHook(h Hook) Option {
	return func(e *Executor) { e.hook = h }
}

// WithLogger sets the executor logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// NewExecutor creates an executor for policy.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: policy.normalized(),
		sleep:  sleepContext,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. attempt is 1-based. A cancelled context
// ends the loop with the last error joined with ctx.Err().
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		// the caller gave up; per-attempt deadlines are left to the classifier
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}

		decision := e.policy.Classify(err)
		if decision == Stop || attempt >= e.policy.MaxAttempts {
			return err
		}

		if decision == RetryWhenOnline {
			if !e.awaitConnectivity(ctx, attempt, err) {
				return err
			}
			continue
		}

		delay := e.delay(attempt, err)
		if e.hook != nil {
			e.hook(attempt, delay, err)
		}
		e.log.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after transient failure")

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// awaitConnectivity blocks until the waiter reports connectivity. It returns
// false when no waiter is configured or connectivity did not return in time.
func (e *Executor) awaitConnectivity(ctx context.Context, attempt int, err error) bool {
	if e.waiter == nil {
		return false
	}

	waitCtx := ctx
	if e.offlineWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.offlineWait)
		defer cancel()
	}

	if e.hook != nil {
		e.hook(attempt, 0, err)
	}
	e.log.Debug().Int("attempt", attempt).Msg("Offline, waiting for connectivity before retrying")

	return e.waiter.WaitOnline(waitCtx) == nil
}

func (e *Executor) delay(attempt int, err error) time.Duration {
	d := e.policy.Delay(attempt)

	if j := e.policy.Jitter; j > 0 && d > 0 {
		//nolint:gosec // G404: jitter does not need a cryptographic source
		factor := 1 + j*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * factor)
	}

	var ra RetryAfter
	if errors.As(err, &ra) {
		if hint := ra.RetryAfter(); hint > d {
			d = hint
		}
	}
	return min(d, e.policy.ceiling())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
