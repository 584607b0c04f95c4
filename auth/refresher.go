package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/gaborage/netcore/http"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// EndpointRefresher exchanges the stored refresh token at the refresh
// endpoint and saves the new pair. It talks to the Doer directly so the
// refresh call never re-enters the auth interceptors.
type EndpointRefresher struct {
	doer    http.Doer
	url     string
	store   TokenStore
	headers map[string]string
}

// NewEndpointRefresher creates a refresher posting to url.
func NewEndpointRefresher(doer http.Doer, url string, store TokenStore) *EndpointRefresher {
	return &EndpointRefresher{
		doer:    doer,
		url:     url,
		store:   store,
		headers: map[string]string{},
	}
}

// WithHeader adds a static header, e.g. the platform headers, to refresh calls.
func (r *EndpointRefresher) WithHeader(key, value string) *EndpointRefresher {
	r.headers[key] = value
	return r
}

// Refresh implements Refresher.
func (r *EndpointRefresher) Refresh(ctx context.Context) error {
	current, err := r.store.Load(ctx)
	if err != nil || current.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: current.RefreshToken})
	if err != nil {
		return http.NewInvalidRequestError("failed to encode refresh request", err)
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return http.NewInvalidRequestError("failed to create refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.doer.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return http.NewTimeoutError("refresh request timed out", 0, err)
		}
		return http.NewNetworkError("refresh request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return http.NewNetworkError("failed to read refresh response", err)
	}

	if resp.StatusCode == nethttp.StatusUnauthorized {
		return fmt.Errorf("%w: %w", ErrRefreshEndpointUnauthorized, http.NewHTTPError(resp.StatusCode, respBody, resp.Header))
	}
	if !http.IsSuccessStatus(resp.StatusCode) {
		return http.NewHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var next TokenPair
	if err := json.Unmarshal(respBody, &next); err != nil {
		return http.NewDecodingError("refresh response is not a token pair", err)
	}
	if next.AccessToken == "" {
		return http.NewDecodingError("refresh response has no access token", nil)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save refreshed tokens: %w", err)
	}
	return nil
}
