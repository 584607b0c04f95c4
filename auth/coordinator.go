package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/observability"
)

const (
	// ReportTag is attached to every refresh failure sent to the ErrorReporter.
	ReportTag = "token_refresh"

	// DefaultRefreshPath is the refresh endpoint path.
	DefaultRefreshPath = "/v1/auth/refresh"

	// DefaultRefreshTimeout bounds one refresh operation.
	DefaultRefreshTimeout = 15 * time.Second

	// DefaultExpirySkew is how early a JWT is refreshed before it expires.
	DefaultExpirySkew = 30 * time.Second

	refreshKey = "refresh"
)

var (
	// ErrRefreshEndpointUnauthorized is returned when the refresh endpoint
	// itself answers 401. It never triggers another refresh.
	ErrRefreshEndpointUnauthorized = errors.New("auth: refresh endpoint returned unauthorized")

	// ErrRefreshFailed wraps every failed refresh operation.
	ErrRefreshFailed = errors.New("auth: token refresh failed")

	// ErrNoRefreshToken is returned when a refresh is needed but no refresh
	// token is stored.
	ErrNoRefreshToken = errors.New("auth: no refresh token available")
)

// Signal tells the caller what to do after OnUnauthorized.
type Signal int

const (
	// SignalReplay means fresh credentials are stored; re-send the request.
	SignalReplay Signal = iota + 1
)

func (s Signal) String() string {
	if s == SignalReplay {
		return "replay"
	}
	return "none"
}

// Refresher obtains a new token pair and saves it to the token store.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context) error

func (f RefreshFunc) Refresh(ctx context.Context) error { return f(ctx) }

// ErrorReporter receives refresh failures, for example a crash reporting SDK.
type ErrorReporter interface {
	ReportError(ctx context.Context, err error, tag string)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(ctx context.Context, err error, tag string)

func (f ErrorReporterFunc) ReportError(ctx context.Context, err error, tag string) { f(ctx, err, tag) }

// UnauthorizedRequest describes the request that received a 401.
type UnauthorizedRequest struct {
	Path string
	// AccessToken is the token the request was sent with, "" if none.
	AccessToken string
}

// Coordinator serializes token refreshes. Concurrent callers share one
// in-flight refresh; the coordinator itself never caches tokens.
type Coordinator struct {
	store     TokenStore
	refresher Refresher

	refreshPath string
	timeout     time.Duration
	skew        time.Duration
	proactive   bool
	reporter    ErrorReporter
	log         logger.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	group singleflight.Group
	// mu orders "read store, join flight" against the end of a flight so a
	// caller either sees the new token or joins the running refresh.
	mu        sync.Mutex
	refreshes atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRefreshPath sets the path recognised as the refresh endpoint.
func WithRefreshPath(path string) Option {
	return func(c *Coordinator) { c.refreshPath = path }
}

// WithRefreshTimeout bounds each refresh, independent of any caller's context.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithExpirySkew sets how early EnsureFresh refreshes an expiring JWT.
func WithExpirySkew(d time.Duration) Option {
	return func(c *Coordinator) { c.skew = d }
}

// WithProactiveRefresh makes the request interceptor call EnsureFresh.
func WithProactiveRefresh(enabled bool) Option {
	return func(c *Coordinator) { c.proactive = enabled }
}

func WithErrorReporter(r ErrorReporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator that refreshes through refresher and
// reads tokens from store.
func NewCoordinator(store TokenStore, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		refresher:   refresher,
		refreshPath: DefaultRefreshPath,
		timeout:     DefaultRefreshTimeout,
		skew:        DefaultExpirySkew,
		log:         logger.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the token store the coordinator reads.
func (c *Coordinator) Store() TokenStore {
	return c.store
}

// Refreshes is the number of refresh operations started so far.
func (c *Coordinator) Refreshes() int64 {
	return c.refreshes.Load()
}

// OnUnauthorized handles a 401. It returns SignalReplay once fresh
// credentials are stored, or the shared refresh failure.
func (c *Coordinator) OnUnauthorized(ctx context.Context, req UnauthorizedRequest) (Signal, error) {
	if c.IsRefreshPath(req.Path) {
		c.report(ctx, ErrRefreshEndpointUnauthorized)
		return 0, ErrRefreshEndpointUnauthorized
	}

	c.mu.Lock()
	if c.tokenChanged(ctx, req.AccessToken) {
		c.mu.Unlock()
		c.log.Debug().Str("path", req.Path).Msg("Token already refreshed, replaying")
		return SignalReplay, nil
	}
	ch := c.group.DoChan(refreshKey, c.refreshFn(ctx))
	c.mu.Unlock()

	return c.await(ctx, ch)
}

// Refresh runs a refresh, joining one already in flight.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	ch := c.group.DoChan(refreshKey, c.refreshFn(ctx))
	c.mu.Unlock()

	_, err := c.await(ctx, ch)
	return err
}

// EnsureFresh refreshes when the stored access token is a JWT expiring
// within the configured skew. Opaque tokens are left alone.
func (c *Coordinator) EnsureFresh(ctx context.Context) error {
	c.mu.Lock()
	pair, err := c.store.Load(ctx)
	if err != nil || pair.RefreshToken == "" {
		c.mu.Unlock()
		return nil
	}
	exp, ok := pair.ExpiresAt()
	if !ok || c.now().Add(c.skew).Before(exp) {
		c.mu.Unlock()
		return nil
	}
	ch := c.group.DoChan(refreshKey, c.refreshFn(ctx))
	c.mu.Unlock()

	c.log.Debug().Msg("Access token near expiry, refreshing proactively")
	_, err = c.await(ctx, ch)
	return err
}

// IsRefreshPath reports whether path addresses the refresh endpoint. A base
// URL path prefix is tolerated.
func (c *Coordinator) IsRefreshPath(path string) bool {
	if c.refreshPath == "" || path == "" {
		return false
	}
	return path == c.refreshPath || strings.HasSuffix(path, c.refreshPath)
}

func (c *Coordinator) tokenChanged(ctx context.Context, used string) bool {
	pair, err := c.store.Load(ctx)
	if err != nil {
		return false
	}
	return pair.AccessToken != "" && pair.AccessToken != used
}

func (c *Coordinator) await(ctx context.Context, ch <-chan singleflight.Result) (Signal, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return SignalReplay, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// refreshFn returns the flight body. It keeps ctx values but not its
// cancellation: one caller giving up must not fail the others.
func (c *Coordinator) refreshFn(ctx context.Context) func() (any, error) {
	parent := context.WithoutCancel(ctx)
	return func() (_ any, err error) {
		refreshCtx, cancel := context.WithTimeout(parent, c.timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: panic: %v", ErrRefreshFailed, r)
			}
			// wait out any caller between its store read and DoChan
			c.mu.Lock()
			c.mu.Unlock() //nolint:staticcheck // SA2001: barrier
			if err != nil {
				c.metrics.RecordRefresh(refreshCtx, "failure")
				c.report(refreshCtx, err)
				c.log.Warn().Err(err).Msg("Token refresh failed")
				return
			}
			c.metrics.RecordRefresh(refreshCtx, "success")
			c.log.Debug().Msg("Token refresh succeeded")
		}()

		c.refreshes.Add(1)
		if rerr := c.refresher.Refresh(refreshCtx); rerr != nil {
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, rerr)
		}
		return nil, nil
	}
}

func (c *Coordinator) report(ctx context.Context, err error) {
	if c.reporter != nil {
		c.reporter.ReportError(ctx, err, ReportTag)
	}
}
