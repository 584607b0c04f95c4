package http

import (
	"context"
	nethttp "net/http"

	"golang.org/x/time/rate"

	"github.com/gaborage/netcore/connectivity"
	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/trace"
)

// Outbound header names
const (
	HeaderPlatform      = "X-Platform"
	HeaderAppVersion    = "X-App-Version"
	HeaderAuthorization = "Authorization"
)

// ConnectivityInterceptor fails fast with a network error wrapping
// connectivity.ErrOffline while checker reports no connectivity. The retry
// executor then waits for the gate instead of sleeping.
func ConnectivityInterceptor(checker connectivity.Checker) RequestInterceptor {
	return func(_ context.Context, _ *nethttp.Request) error {
		if !checker.Online() {
			return NewNetworkError("no network connection", connectivity.ErrOffline)
		}
		return nil
	}
}

// ClientInfoInterceptor stamps the platform and app version headers.
func ClientInfoInterceptor(platform, version string) RequestInterceptor {
	return func(_ context.Context, req *nethttp.Request) error {
		req.Header.Set(HeaderPlatform, platform)
		req.Header.Set(HeaderAppVersion, version)
		return nil
	}
}

// RequestIDInterceptor sets X-Request-ID. Every attempt and replay of one
// logical call shares the same id.
func RequestIDInterceptor() RequestInterceptor {
	return func(ctx context.Context, req *nethttp.Request) error {
		if req.Header.Get(trace.HeaderXRequestID) == "" {
			req.Header.Set(trace.HeaderXRequestID, trace.EnsureRequestID(ctx))
		}
		return nil
	}
}

// TracePropagationInterceptor writes W3C traceparent/tracestate headers
// when ctx carries an active span.
func TracePropagationInterceptor() RequestInterceptor {
	return func(ctx context.Context, req *nethttp.Request) error {
		trace.Inject(ctx, req.Header)
		return nil
	}
}

// RateLimitInterceptor blocks until limiter admits the request. Waiting is
// bounded by the exchange timeout and the caller's context.
func RateLimitInterceptor(limiter *rate.Limiter) RequestInterceptor {
	return func(ctx context.Context, _ *nethttp.Request) error {
		if err := limiter.Wait(ctx); err != nil {
			return NewNetworkError("client rate limit wait aborted", err)
		}
		return nil
	}
}

// RequestLogger logs every outbound exchange at debug level. Header values
// pass through the logger's sensitive data filter.
func RequestLogger(log logger.Logger) RequestInterceptor {
	return func(ctx context.Context, req *nethttp.Request) error {
		event := log.Debug().
			Str("direction", "outbound").
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Interface("headers", req.Header)
		if rc, ok := RequestContextFrom(ctx); ok {
			event = event.Int("replay", rc.Attempt()).Int("body_bytes", len(rc.body))
		}
		event.Msg("API request")
		return nil
	}
}

// ResponseLogger logs every inbound response; non-2xx responses log at warn.
func ResponseLogger(log logger.Logger) ResponseInterceptor {
	return func(_ context.Context, ex *Exchange) (Action, error) {
		event := log.Debug()
		if !IsSuccessStatus(ex.Response.StatusCode) {
			event = log.Warn()
		}
		event.
			Str("direction", "inbound").
			Str("method", ex.Request.Method()).
			Str("url", ex.Request.URL()).
			Int("status", ex.Response.StatusCode).
			Int("body_bytes", len(ex.Body)).
			Msg("API response")
		return ActionContinue, nil
	}
}
