package auth

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/gaborage/netcore/http"
)

const bearerPrefix = "Bearer "

// RequestInterceptor attaches the stored access token to requests that
// require auth. With proactive refresh enabled it first refreshes a JWT that
// is about to expire; a failed proactive refresh is logged and the request
// goes out with the current token.
func (c *Coordinator) RequestInterceptor() http.RequestInterceptor {
	return func(ctx context.Context, req *nethttp.Request) error {
		rc, ok := http.RequestContextFrom(ctx)
		if !ok || !rc.RequiresAuth() {
			return nil
		}

		if c.proactive {
			if err := c.EnsureFresh(ctx); err != nil {
				c.log.Warn().Err(err).Str("path", rc.Path()).Msg("Proactive token refresh failed")
			}
		}

		pair, err := c.store.Load(ctx)
		if err != nil {
			if errors.Is(err, ErrNoToken) {
				return nil
			}
			return http.NewInvalidRequestError("failed to read access token", err)
		}
		if pair.AccessToken != "" {
			req.Header.Set(http.HeaderAuthorization, bearerPrefix+pair.AccessToken)
		}
		return nil
	}
}

// ResponseInterceptor turns a 401 into a coordinated refresh followed by a
// replay. It leaves the response alone when the client has no replays left.
func (c *Coordinator) ResponseInterceptor() http.ResponseInterceptor {
	return func(ctx context.Context, ex *http.Exchange) (http.Action, error) {
		if ex.Response.StatusCode != nethttp.StatusUnauthorized {
			return http.ActionContinue, nil
		}

		path := ex.Request.Path()
		refreshCall := c.IsRefreshPath(path)
		if !refreshCall && !ex.Request.RequiresAuth() {
			return http.ActionContinue, nil
		}
		if !refreshCall && ex.ReplaysLeft <= 0 {
			return http.ActionContinue, nil
		}

		_, err := c.OnUnauthorized(ctx, UnauthorizedRequest{
			Path:        path,
			AccessToken: bearerToken(ex.HTTPRequest),
		})
		if err != nil {
			return http.ActionContinue, http.NewUnauthorizedError("authentication required", err)
		}
		return http.ActionReplay, nil
	}
}

func bearerToken(req *nethttp.Request) string {
	if req == nil {
		return ""
	}
	h := req.Header.Get(http.HeaderAuthorization)
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return h[len(bearerPrefix):]
}
