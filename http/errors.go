package http

import (
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"
)

// ClientError represents different types of API client errors
type ClientError interface {
	error
	Type() ErrorType
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode() int
	// Detail is the server-supplied message from a {"detail": ...} envelope.
	Detail() string
	Retryable() bool
}

// ErrorType defines the category of client error
type ErrorType string

const (
	InvalidRequestError ErrorType = "invalid_request"
	NetworkError        ErrorType = "network"
	TimeoutError        ErrorType = "timeout"
	UnauthorizedError   ErrorType = "unauthorized"
	ForbiddenError      ErrorType = "forbidden"
	NotFoundError       ErrorType = "not_found"
	BadRequestError     ErrorType = "bad_request"
	UnprocessableError  ErrorType = "unprocessable"
	RateLimitedError    ErrorType = "rate_limited"
	ServerError         ErrorType = "server_error"
	DecodingError       ErrorType = "decoding"
	UnknownError        ErrorType = "unknown"
)

// requestError covers failures that carry no usable HTTP response.
type requestError struct {
	typ     ErrorType
	message string
	timeout time.Duration
	wrapped error
}

func (e *requestError) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.typ, e.message)
	if e.timeout > 0 {
		msg += fmt.Sprintf(" (timeout: %v)", e.timeout)
	}
	if e.wrapped != nil {
		msg += ": " + e.wrapped.Error()
	}
	return msg
}

func (e *requestError) Type() ErrorType { return e.typ }
func (e *requestError) StatusCode() int { return 0 }
func (e *requestError) Detail() string  { return "" }
func (e *requestError) Unwrap() error   { return e.wrapped }

func (e *requestError) Retryable() bool {
	return e.typ == NetworkError || e.typ == TimeoutError
}

// httpError represents HTTP status-related errors
type httpError struct {
	typ        ErrorType
	statusCode int
	detail     string
	body       []byte
	retryAfter time.Duration
	wrapped    error
}

func (e *httpError) Error() string {
	msg := fmt.Sprintf("HTTP error: %s (status: %d)", e.typ, e.statusCode)
	if e.detail != "" {
		msg += ": " + e.detail
	}
	if e.wrapped != nil {
		msg += ": " + e.wrapped.Error()
	}
	return msg
}

func (e *httpError) Type() ErrorType { return e.typ }
func (e *httpError) StatusCode() int { return e.statusCode }
func (e *httpError) Detail() string  { return e.detail }
func (e *httpError) Body() []byte    { return e.body }
func (e *httpError) Unwrap() error   { return e.wrapped }

// RetryAfter is the delay requested by a Retry-After header, or 0.
func (e *httpError) RetryAfter() time.Duration { return e.retryAfter }

func (e *httpError) Retryable() bool {
	switch e.typ {
	case TimeoutError, RateLimitedError, ServerError:
		return true
	default:
		return false
	}
}

// NewInvalidRequestError reports a malformed URL or body. Never retried.
func NewInvalidRequestError(message string, wrapped error) ClientError {
	return &requestError{typ: InvalidRequestError, message: message, wrapped: wrapped}
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, wrapped error) ClientError {
	return &requestError{typ: NetworkError, message: message, wrapped: wrapped}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, timeout time.Duration, wrapped error) ClientError {
	return &requestError{typ: TimeoutError, message: message, timeout: timeout, wrapped: wrapped}
}

// NewDecodingError reports a response body that does not match the expected contract.
func NewDecodingError(message string, wrapped error) ClientError {
	return &requestError{typ: DecodingError, message: message, wrapped: wrapped}
}

// NewUnknownError wraps a failure that fits no other category.
func NewUnknownError(message string, wrapped error) ClientError {
	return &requestError{typ: UnknownError, message: message, wrapped: wrapped}
}

// NewUnauthorizedError reports an authentication failure that will not be
// recovered by a refresh, such as a failed refresh or an exhausted replay.
func NewUnauthorizedError(detail string, wrapped error) ClientError {
	return &httpError{
		typ:        UnauthorizedError,
		statusCode: nethttp.StatusUnauthorized,
		detail:     detail,
		wrapped:    wrapped,
	}
}

// NewHTTPError classifies a non-2xx response. header may be nil.
func NewHTTPError(statusCode int, body []byte, header nethttp.Header) ClientError {
	e := &httpError{
		typ:        typeForStatus(statusCode),
		statusCode: statusCode,
		detail:     extractDetail(body),
		body:       body,
	}
	if header != nil && (e.typ == RateLimitedError || e.typ == ServerError) {
		e.retryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return e
}

func typeForStatus(code int) ErrorType {
	switch {
	case code == nethttp.StatusBadRequest:
		return BadRequestError
	case code == nethttp.StatusUnauthorized:
		return UnauthorizedError
	case code == nethttp.StatusForbidden:
		return ForbiddenError
	case code == nethttp.StatusNotFound:
		return NotFoundError
	case code == nethttp.StatusRequestTimeout:
		return TimeoutError
	case code == nethttp.StatusUnprocessableEntity:
		return UnprocessableError
	case code == nethttp.StatusTooManyRequests:
		return RateLimitedError
	case code >= 500 && code < 600:
		return ServerError
	default:
		return UnknownError
	}
}

// extractDetail reads {"detail": ...}. Non-string details are kept as compact JSON.
func extractDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}
	if string(envelope.Detail) == "null" {
		return ""
	}
	return string(envelope.Detail)
}

// parseRetryAfter accepts delay-seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := nethttp.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	clientErr, ok := AsClientError(err)
	return ok && clientErr.Type() == errorType
}

// IsHTTPStatusError checks if an error is an HTTP error with a specific status code
func IsHTTPStatusError(err error, statusCode int) bool {
	clientErr, ok := AsClientError(err)
	return ok && clientErr.StatusCode() == statusCode
}

// AsClientError returns the first ClientError in err's chain.
func AsClientError(err error) (ClientError, bool) {
	if err == nil {
		return nil, false
	}
	var clientErr ClientError
	if errors.As(err, &clientErr) {
		return clientErr, true
	}
	return nil, false
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
