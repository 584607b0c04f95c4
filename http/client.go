package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gaborage/netcore/connectivity"
	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/observability"
	"github.com/gaborage/netcore/retry"
	"github.com/gaborage/netcore/trace"
)

const (
	// DefaultTimeout bounds a single transport exchange.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxReplays is how many times one logical call may be replayed
	// after a token refresh.
	DefaultMaxReplays = 1

	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// Config holds the API client configuration. It is copied by Build and
// never changes afterwards.
type Config struct {
	BaseURL              string
	Timeout              time.Duration
	RetryPolicy          retry.Policy
	MaxReplays           int
	RequestInterceptors  []RequestInterceptor
	ResponseInterceptors []ResponseInterceptor
	DefaultHeaders       map[string]string
	Doer                 Doer
	Metrics              *observability.Metrics
	Connectivity         connectivity.Waiter
	OfflineWait          time.Duration
}

// client implements the Client interface
type client struct {
	doer                 Doer
	logger               logger.Logger
	config               Config
	executor             *retry.Executor
	once                 *retry.Executor
	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
	callCount            int64
}

// NewClient creates a client with default configuration
func NewClient(log logger.Logger) Client {
	return NewBuilder(log).Build()
}

// Builder provides a fluent interface for configuring the API client
type Builder struct {
	config *Config
	logger logger.Logger
}

// NewBuilder creates a new client builder
func NewBuilder(log logger.Logger) *Builder {
	if log == nil {
		log = logger.Nop()
	}
	return &Builder{
		config: &Config{
			Timeout:              DefaultTimeout,
			RetryPolicy:          retry.DefaultPolicy(),
			MaxReplays:           DefaultMaxReplays,
			RequestInterceptors:  []RequestInterceptor{},
			ResponseInterceptors: []ResponseInterceptor{},
			DefaultHeaders:       make(map[string]string),
		},
		logger: log,
	}
}

// WithBaseURL sets the URL relative request URLs are resolved against
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.BaseURL = baseURL
	return b
}

// WithTimeout sets the per-exchange timeout
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.config.Timeout = timeout
	return b
}

// WithRetryPolicy sets the retry policy applied to every logical call
func (b *Builder) WithRetryPolicy(policy retry.Policy) *Builder {
	b.config.RetryPolicy = policy
	return b
}

// WithRetries sets maxRetries additional attempts starting at retryDelay
func (b *Builder) WithRetries(maxRetries int, retryDelay time.Duration) *Builder {
	b.config.RetryPolicy.MaxAttempts = maxRetries + 1
	b.config.RetryPolicy.BaseDelay = retryDelay
	return b
}

// WithMaxReplays caps replays after a token refresh
func (b *Builder) WithMaxReplays(n int) *Builder {
	b.config.MaxReplays = n
	return b
}

// WithDoer replaces the transport
func (b *Builder) WithDoer(d Doer) *Builder {
	b.config.Doer = d
	return b
}

// WithHTTPClient uses a preconfigured *http.Client as the transport
func (b *Builder) WithHTTPClient(c *nethttp.Client) *Builder {
	if c != nil {
		b.config.Doer = c
	}
	return b
}

// WithDefaultHeader adds a default header that will be sent with all requests
func (b *Builder) WithDefaultHeader(key, value string) *Builder {
	b.config.DefaultHeaders[key] = value
	return b
}

// WithRequestInterceptor adds a request interceptor
func (b *Builder) WithRequestInterceptor(interceptor RequestInterceptor) *Builder {
	b.config.RequestInterceptors = append(b.config.RequestInterceptors, interceptor)
	return b
}

// WithResponseInterceptor adds a response interceptor
func (b *Builder) WithResponseInterceptor(interceptor ResponseInterceptor) *Builder {
	b.config.ResponseInterceptors = append(b.config.ResponseInterceptors, interceptor)
	return b
}

// WithMetrics records request, retry and replay metrics
func (b *Builder) WithMetrics(m *observability.Metrics) *Builder {
	b.config.Metrics = m
	return b
}

// WithConnectivity lets offline failures wait up to maxWait for connectivity
// before the next attempt
func (b *Builder) WithConnectivity(w connectivity.Waiter, maxWait time.Duration) *Builder {
	b.config.Connectivity = w
	b.config.OfflineWait = maxWait
	return b
}

// Build creates the client with the configured options
func (b *Builder) Build() Client {
	cfg := *b.config
	cfg.RequestInterceptors = append([]RequestInterceptor(nil), b.config.RequestInterceptors...)
	cfg.ResponseInterceptors = append([]ResponseInterceptor(nil), b.config.ResponseInterceptors...)
	cfg.DefaultHeaders = maps.Clone(b.config.DefaultHeaders)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxReplays < 0 {
		cfg.MaxReplays = 0
	}

	doer := cfg.Doer
	if doer == nil {
		doer = &nethttp.Client{}
	}

	c := &client{
		doer:                 doer,
		logger:               b.logger,
		config:               cfg,
		requestInterceptors:  cfg.RequestInterceptors,
		responseInterceptors: cfg.ResponseInterceptors,
	}

	opts := []retry.Option{retry.WithLogger(b.logger)}
	if cfg.Connectivity != nil {
		opts = append(opts, retry.WithConnectivity(cfg.Connectivity, cfg.OfflineWait))
	}
	c.executor = retry.NewExecutor(cfg.RetryPolicy, opts...)

	once := cfg.RetryPolicy
	once.MaxAttempts = 1
	c.once = retry.NewExecutor(once, retry.WithLogger(b.logger))
	return c
}

// Get performs a GET request
func (c *client) Get(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodGet, req)
}

// Post performs a POST request
func (c *client) Post(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPost, req)
}

// Put performs a PUT request
func (c *client) Put(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPut, req)
}

// Patch performs a PATCH request
func (c *client) Patch(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPatch, req)
}

// Delete performs a DELETE request
func (c *client) Delete(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodDelete, req)
}

// Do performs one logical call: interceptors, transport, response
// interceptors and replay inside each attempt, with retries between attempts.
func (c *client) Do(ctx context.Context, method string, req *Request) (*Response, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}

	target, err := c.resolveURL(req.URL)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	callCount := atomic.AddInt64(&c.callCount, 1)
	ctx = trace.WithRequestID(ctx, trace.EnsureRequestID(ctx))

	exec := c.executor
	if req.DisableRetry {
		exec = c.once
	}

	current := NewRequestContext(method, target, req.Body, req.RequiresAuth, req.Headers)
	attempts := 0

	resp, err := retry.Do(ctx, exec, func(ctx context.Context, attempt int) (*Response, error) {
		attempts = attempt
		if attempt > 1 {
			c.config.Metrics.RecordRetry(ctx, method)
		}
		resp, next, err := c.attempt(ctx, current)
		current = next
		return resp, err
	})

	elapsed := time.Since(start)
	c.config.Metrics.RecordDuration(ctx, method, elapsed)

	if err != nil {
		c.logger.Debug().
			Str("method", method).
			Str("url", target).
			Int("attempts", attempts).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("API call failed")
		return nil, err
	}

	resp.Stats = Stats{
		ElapsedTime: elapsed,
		CallCount:   callCount,
		Attempts:    attempts,
		Replays:     current.Attempt(),
	}
	return resp, nil
}

// attempt runs one executor attempt. Replays after a refresh happen here,
// without backoff. It returns the latest request context so the replay
// budget spans the whole logical call.
func (c *client) attempt(ctx context.Context, rc *RequestContext) (*Response, *RequestContext, error) {
	for {
		ex, err := c.exchange(ctx, rc)
		if err != nil {
			return nil, rc, err
		}
		ex.ReplaysLeft = max(c.config.MaxReplays-rc.Attempt(), 0)

		action, err := c.runResponseInterceptors(ctx, ex)
		if err != nil {
			return nil, rc, err
		}

		if action == ActionReplay {
			if rc.Attempt() >= c.config.MaxReplays {
				return nil, rc, NewUnauthorizedError("replay limit reached", nil)
			}
			c.config.Metrics.RecordReplay(ctx, rc.Method())
			c.logger.Debug().
				Str("method", rc.Method()).
				Str("url", rc.URL()).
				Int("replay", rc.Attempt()+1).
				Msg("Replaying request after token refresh")
			rc = rc.Next()
			continue
		}

		status := ex.Response.StatusCode
		if !IsSuccessStatus(status) {
			return nil, rc, NewHTTPError(status, ex.Body, ex.Response.Header)
		}

		return &Response{
			StatusCode: status,
			Body:       ex.Body,
			Headers:    ex.Response.Header,
		}, rc, nil
	}
}

// exchange builds the wire request, runs request interceptors, performs the
// transport call and reads the body.
func (c *client) exchange(ctx context.Context, rc *RequestContext) (*Exchange, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := c.buildRequest(attemptCtx, rc)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.doer.Do(httpReq)
	if err != nil {
		c.config.Metrics.RecordRequest(ctx, rc.Method(), 0)
		return nil, c.transportError(ctx, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.config.Metrics.RecordRequest(ctx, rc.Method(), 0)
		return nil, c.transportError(ctx, err)
	}
	c.config.Metrics.RecordRequest(ctx, rc.Method(), httpResp.StatusCode)

	return &Exchange{
		Request:     rc,
		HTTPRequest: httpReq,
		Response:    httpResp,
		Body:        body,
	}, nil
}

// transportError classifies a failed round trip. ctx is the caller's
// context; a per-exchange timeout shows up only on the attempt context.
func (c *client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return NewTimeoutError("request deadline exceeded", c.config.Timeout, errors.Join(ctxErr, err))
		}
		return NewNetworkError("request aborted", errors.Join(ctxErr, err))
	}
	if isTimeout(err) {
		return NewTimeoutError("request timeout", c.config.Timeout, err)
	}
	return NewNetworkError("request execution failed", err)
}

// validateRequest validates the request before sending
func (c *client) validateRequest(req *Request) error {
	if req == nil {
		return NewInvalidRequestError("request cannot be nil", nil)
	}
	if req.URL == "" {
		return NewInvalidRequestError("URL cannot be empty", nil)
	}
	return nil
}

func (c *client) resolveURL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", NewInvalidRequestError("malformed URL", err)
	}
	if u.IsAbs() {
		return target, nil
	}
	if c.config.BaseURL == "" {
		return "", NewInvalidRequestError("relative URL without a base URL", nil)
	}
	return strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(target, "/"), nil
}

// applyHeaders applies headers to the HTTP request
func (c *client) applyHeaders(httpReq *nethttp.Request, rc *RequestContext) {
	// Apply default headers first
	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}

	// Apply request-specific headers (these override defaults)
	for key, value := range rc.headers {
		httpReq.Header.Set(key, value)
	}

	if httpReq.Header.Get(headerContentType) == "" {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}
}

// buildRequest constructs an *http.Request from the captured body, applies
// headers and runs request interceptors.
func (c *client) buildRequest(ctx context.Context, rc *RequestContext) (*nethttp.Request, error) {
	var body io.Reader
	if rc.body != nil {
		body = bytes.NewReader(rc.body)
	}

	ctx = withRequestContext(ctx, rc)
	httpReq, err := nethttp.NewRequestWithContext(ctx, rc.method, rc.url, body)
	if err != nil {
		return nil, NewInvalidRequestError("failed to create HTTP request", err)
	}

	c.applyHeaders(httpReq, rc)

	if err := c.runRequestInterceptors(ctx, httpReq); err != nil {
		if _, ok := AsClientError(err); ok {
			return nil, err
		}
		return nil, NewInvalidRequestError("request interceptor failed", err)
	}
	return httpReq, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// runRequestInterceptors executes all request interceptors in registration order
func (c *client) runRequestInterceptors(ctx context.Context, req *nethttp.Request) error {
	for _, interceptor := range c.requestInterceptors {
		if err := interceptor(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// runResponseInterceptors executes response interceptors in registration
// order until one asks for a replay
func (c *client) runResponseInterceptors(ctx context.Context, ex *Exchange) (Action, error) {
	for _, interceptor := range c.responseInterceptors {
		action, err := interceptor(ctx, ex)
		if err != nil {
			if _, ok := AsClientError(err); ok {
				return ActionContinue, err
			}
			return ActionContinue, NewUnknownError("response interceptor failed", err)
		}
		if action == ActionReplay {
			return ActionReplay, nil
		}
	}
	return ActionContinue, nil
}
