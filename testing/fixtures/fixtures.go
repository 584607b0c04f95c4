// Package fixtures builds test data for netcore tests.
package fixtures

import (
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gaborage/netcore/auth"
	"github.com/gaborage/netcore/telemetry"
)

// SigningKey signs fixture JWTs. The core never verifies signatures.
var SigningKey = []byte("netcore-fixture-key")

// JWT returns an HS256 token for subject expiring at exp.
func JWT(subject string, exp time.Time) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(SigningKey)
	if err != nil {
		panic(fmt.Sprintf("fixtures: sign jwt: %v", err))
	}
	return tok
}

// TokenPair returns a pair whose access token is a JWT expiring after ttl.
func TokenPair(ttl time.Duration) auth.TokenPair {
	return auth.TokenPair{
		AccessToken:  JWT("user-1", time.Now().Add(ttl)),
		RefreshToken: "refresh-" + fmt.Sprint(time.Now().UnixNano()),
		TokenType:    "Bearer",
	}
}

// JSONResponse builds a response with a JSON body, for MockDoer.
func JSONResponse(status int, body string) *nethttp.Response {
	return &nethttp.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, nethttp.StatusText(status)),
		Header:     nethttp.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// Events returns n valid events named prefix_<i>, one millisecond apart.
func Events(prefix string, n int) []telemetry.Event {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := make([]telemetry.Event, n)
	for i := range n {
		ev, err := telemetry.NewEvent(fmt.Sprintf("%s_%d", prefix, i), map[string]any{"index": float64(i)}, base.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			panic(fmt.Sprintf("fixtures: event: %v", err))
		}
		events[i] = ev
	}
	return events
}
