package http

import (
	"context"
	"maps"
	nethttp "net/http"
	"net/url"
	"time"
)

// Client defines the API client used by the application and the telemetry
// submitter. Every call runs the interceptor pipeline, the retry executor and
// at most MaxReplays replays after a token refresh.
type Client interface {
	Get(ctx context.Context, req *Request) (*Response, error)
	Post(ctx context.Context, req *Request) (*Response, error)
	Put(ctx context.Context, req *Request) (*Response, error)
	Patch(ctx context.Context, req *Request) (*Response, error)
	Delete(ctx context.Context, req *Request) (*Response, error)
	Do(ctx context.Context, method string, req *Request) (*Response, error)
}

// Doer performs one network exchange. *net/http.Client satisfies it.
type Doer interface {
	Do(req *nethttp.Request) (*nethttp.Response, error)
}

// Request describes one logical call. URL is absolute or relative to the
// client's base URL.
type Request struct {
	URL          string
	Headers      map[string]string
	Body         []byte
	RequiresAuth bool
	// DisableRetry runs the call once; callers owning their own backoff set it.
	DisableRetry bool
}

// Response represents an HTTP response with tracking information
type Response struct {
	StatusCode int
	Body       []byte
	Headers    nethttp.Header
	Stats      Stats
}

// Stats contains request execution statistics
type Stats struct {
	ElapsedTime time.Duration
	CallCount   int64
	Attempts    int
	Replays     int
}

// RequestContext is the immutable snapshot of one logical call. The body is
// captured as bytes up front so the call can be replayed after a refresh.
type RequestContext struct {
	method       string
	url          string
	body         []byte
	requiresAuth bool
	headers      map[string]string
	attempt      int
}

// NewRequestContext captures a logical call. body and headers are copied.
func NewRequestContext(method, rawURL string, body []byte, requiresAuth bool, headers map[string]string) *RequestContext {
	var b []byte
	if body != nil {
		b = append([]byte(nil), body...)
	}
	return &RequestContext{
		method:       method,
		url:          rawURL,
		body:         b,
		requiresAuth: requiresAuth,
		headers:      maps.Clone(headers),
	}
}

func (rc *RequestContext) Method() string     { return rc.method }
func (rc *RequestContext) URL() string        { return rc.url }
func (rc *RequestContext) RequiresAuth() bool { return rc.requiresAuth }

// Attempt is the number of replays that preceded this context; 0 for the
// original request.
func (rc *RequestContext) Attempt() int { return rc.attempt }

// Body returns a copy of the captured body.
func (rc *RequestContext) Body() []byte {
	if rc.body == nil {
		return nil
	}
	return append([]byte(nil), rc.body...)
}

// Headers returns a copy of the per-call headers.
func (rc *RequestContext) Headers() map[string]string {
	return maps.Clone(rc.headers)
}

// Path returns the URL path, or "" when the URL does not parse.
func (rc *RequestContext) Path() string {
	u, err := url.Parse(rc.url)
	if err != nil {
		return ""
	}
	return u.Path
}

// Next returns the context for a replay of the same call.
func (rc *RequestContext) Next() *RequestContext {
	next := *rc
	next.attempt = rc.attempt + 1
	return &next
}

type requestContextKey struct{}

// RequestContextFrom returns the logical call a request interceptor is
// running for.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// Exchange is one completed transport round trip as seen by response
// interceptors. Body has already been read; Response.Body must not be used.
type Exchange struct {
	Request     *RequestContext
	HTTPRequest *nethttp.Request
	Response    *nethttp.Response
	Body        []byte
	// ReplaysLeft is how many more replays the client will honour for this call.
	ReplaysLeft int
}

// Action is the verdict of a response interceptor.
type Action int

const (
	// ActionContinue passes the exchange to the next interceptor.
	ActionContinue Action = iota
	// ActionReplay stops the chain and re-sends the original request.
	ActionReplay
)

// RequestInterceptor is called before sending the request. ctx carries the
// RequestContext of the logical call.
type RequestInterceptor func(ctx context.Context, req *nethttp.Request) error

// ResponseInterceptor is called after receiving the response.
type ResponseInterceptor func(ctx context.Context, ex *Exchange) (Action, error)
