// Package http is the API client of the networking core: a fluent Builder,
// ordered request and response interceptors, a typed error taxonomy and a
// retry executor around every logical call.
//
// Pipeline
//   - A logical call is captured once as an immutable RequestContext; the
//     body is kept as bytes so the call can be sent again.
//   - Request interceptors run in registration order on every exchange. A
//     failing interceptor aborts before the transport is invoked.
//   - Response interceptors run in registration order. ActionReplay stops the
//     chain and re-sends the call immediately, at most MaxReplays times.
//
// Retries
//   - Controlled via Builder.WithRetryPolicy or WithRetries.
//   - Retried: network errors, timeouts and 408, 429 and 5xx responses.
//   - Offline errors wait for connectivity instead of sleeping.
//   - Retry-After on 429/5xx raises the next delay up to the policy cap.
//   - Other 4xx responses, decoding and invalid request errors are final.
//
// 422 responses map to the unprocessable error type, never bad_request.
package http
