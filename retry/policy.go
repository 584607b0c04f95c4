// Package retry runs a unit of work with bounded, exponentially backed-off
// retries. Whether an error is worth another attempt is decided by a
// Classifier; offline failures wait for connectivity instead of sleeping.
package retry

import (
	"errors"
	"math"
	"time"

	"github.com/gaborage/netcore/connectivity"
)

const (
	// DefaultMaxAttempts is the default number of invocations, including the first.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the delay before the second attempt.
	DefaultBaseDelay = 1 * time.Second

	// DefaultMultiplier grows the delay between consecutive attempts.
	DefaultMultiplier = 2.0

	// DefaultMaxDelay caps any single delay.
	DefaultMaxDelay = 30 * time.Second
)

// Decision is the classifier verdict for a failed attempt.
type Decision int

const (
	// Stop returns the error to the caller.
	Stop Decision = iota
	// Retry sleeps for the backoff delay, then tries again.
	Retry
	// RetryWhenOnline waits for connectivity to return, then tries again.
	RetryWhenOnline
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case RetryWhenOnline:
		return "retry_when_online"
	default:
		return "stop"
	}
}

// Classifier maps an error to a retry decision.
type Classifier func(err error) Decision

// Retryable is implemented by errors that know whether they are transient.
type Retryable interface {
	Retryable() bool
}

// RetryAfter is implemented by errors carrying a server-requested delay.
type RetryAfter interface {
	RetryAfter() time.Duration
}

// DefaultClassifier retries offline errors once connectivity returns and
// errors that report themselves as Retryable. Everything else stops.
func DefaultClassifier(err error) Decision {
	if errors.Is(err, connectivity.ErrOffline) {
		return RetryWhenOnline
	}
	var r Retryable
	if errors.As(err, &r) && r.Retryable() {
		return Retry
	}
	return Stop
}

// Policy describes how many times and how far apart a unit of work is tried.
// A Policy is a value; the executor copies it on construction.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Jitter spreads each delay uniformly by ±Jitter of its nominal value (0..1).
	Jitter   float64
	MaxDelay time.Duration
	Classify Classifier
}

// DefaultPolicy returns {3 attempts, 1s base, x2, 10% jitter, 30s cap}.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      0.1,
		MaxDelay:    DefaultMaxDelay,
		Classify:    DefaultClassifier,
	}
}

// NoRetry returns a policy that runs the unit of work exactly once.
func NoRetry() Policy {
	p := DefaultPolicy()
	p.MaxAttempts = 1
	return p
}

// Delay returns the nominal delay after the given failed attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped by MaxDelay. Jitter is not applied.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	limit := float64(p.ceiling())
	if d > limit || math.IsInf(d, 0) {
		d = limit
	}
	return time.Duration(d)
}

// ceiling is the longest delay the policy allows.
func (p Policy) ceiling() time.Duration {
	if p.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return p.MaxDelay
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Classify == nil {
		p.Classify = DefaultClassifier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}
