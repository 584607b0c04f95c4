package auth

import (
	"context"
	"io"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/netcore/http"
	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/retry"
)

func newTestServer(t *testing.T, handler nethttp.Handler) *httptest.Server {
	t.Helper()
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: unable to bind IPv4 listener: %v", err)
	}
	server := &httptest.Server{
		Listener: listener,
		Config:   &nethttp.Server{Handler: handler},
	}
	server.Start()
	t.Cleanup(server.Close)
	return server
}

func newAuthClient(baseURL string, coord *Coordinator, maxReplays int) http.Client {
	return http.NewBuilder(logger.Nop()).
		WithBaseURL(baseURL).
		WithRetryPolicy(retry.NoRetry()).
		WithMaxReplays(maxReplays).
		WithRequestInterceptor(coord.RequestInterceptor()).
		WithResponseInterceptor(coord.ResponseInterceptor()).
		Build()
}

func TestConcurrent401sTriggerOneRefreshAndReplayEach(t *testing.T) {
	const callers = 10

	var arrived atomic.Int32
	allArrived := make(chan struct{})
	var closeOnce sync.Once
	var bodies sync.Map

	srv := newTestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Authorization") == "Bearer new-1" {
			bodies.Store(r.URL.Query().Get("i"), true)
			w.WriteHeader(nethttp.StatusOK)
			return
		}
		// hold every stale request until the whole wave has arrived
		if arrived.Add(1) == callers {
			closeOnce.Do(func() { close(allArrived) })
		}
		select {
		case <-allArrived:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(nethttp.StatusUnauthorized)
	}))

	store := seededStore(t)
	var calls atomic.Int32
	coord := NewCoordinator(store, rotatingRefresher(store, 100*time.Millisecond, &calls))
	client := newAuthClient(srv.URL, coord, 1)

	var wg sync.WaitGroup
	errs := make([]error, callers)
	stats := make([]http.Stats, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(context.Background(), &http.Request{
				URL:          "/v1/items?i=" + string(rune('a'+i)),
				RequiresAuth: true,
			})
			errs[i] = err
			if resp != nil {
				stats[i] = resp.Stats
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one refresh for the wave")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, stats[i].Replays)
		_, ok := bodies.Load(string(rune('a' + i)))
		assert.True(t, ok, "request %d replayed with the new token", i)
	}
}

func TestReplayResendsOriginalBody(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := newTestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		buf, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization")+"|"+string(buf))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer new-1" {
			w.WriteHeader(nethttp.StatusUnauthorized)
			return
		}
		w.WriteHeader(nethttp.StatusCreated)
	}))

	store := seededStore(t)
	var calls atomic.Int32
	coord := NewCoordinator(store, rotatingRefresher(store, 0, &calls))
	client := newAuthClient(srv.URL, coord, 1)

	resp, err := client.Post(context.Background(), &http.Request{
		URL:          "/v1/items",
		Body:         []byte(`{"name":"x"}`),
		RequiresAuth: true,
	})
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{`Bearer old|{"name":"x"}`, `Bearer new-1|{"name":"x"}`}, seen)
}

func TestRefreshFailureSurfacesUnauthorized(t *testing.T) {
	srv := newTestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusUnauthorized)
	}))

	coord := NewCoordinator(NewMemoryStore(), NewEndpointRefresher(nethttp.DefaultClient, srv.URL+DefaultRefreshPath, NewMemoryStore()))
	client := newAuthClient(srv.URL, coord, 1)

	_, err := client.Get(context.Background(), &http.Request{URL: "/v1/items", RequiresAuth: true})
	require.Error(t, err)
	assert.True(t, http.IsErrorType(err, http.UnauthorizedError))
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestNoReplaysLeftSkipsRefresh(t *testing.T) {
	srv := newTestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusUnauthorized)
	}))

	store := seededStore(t)
	var calls atomic.Int32
	coord := NewCoordinator(store, rotatingRefresher(store, 0, &calls))
	client := newAuthClient(srv.URL, coord, 0)

	_, err := client.Get(context.Background(), &http.Request{URL: "/v1/items", RequiresAuth: true})
	require.Error(t, err)
	assert.True(t, http.IsHTTPStatusError(err, nethttp.StatusUnauthorized))
	assert.Zero(t, calls.Load())
}

func TestPublicRequest401IsNotRefreshed(t *testing.T) {
	var gotAuth atomic.Value
	srv := newTestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(nethttp.StatusUnauthorized)
	}))

	store := seededStore(t)
	var calls atomic.Int32
	coord := NewCoordinator(store, rotatingRefresher(store, 0, &calls))
	client := newAuthClient(srv.URL, coord, 1)

	_, err := client.Get(context.Background(), &http.Request{URL: "/v1/public"})
	require.Error(t, err)
	assert.Zero(t, calls.Load())
	assert.Equal(t, "", gotAuth.Load())
}

func TestRequestInterceptorWithoutToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := newTestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(nethttp.StatusOK)
	}))

	coord := NewCoordinator(NewMemoryStore(), RefreshFunc(func(context.Context) error { return nil }))
	client := newAuthClient(srv.URL, coord, 1)

	_, err := client.Get(context.Background(), &http.Request{URL: "/v1/items", RequiresAuth: true})
	require.NoError(t, err)
	assert.Equal(t, "", gotAuth.Load())
}

func TestProactiveRefreshBeforeSending(t *testing.T) {
	var gotAuth atomic.Value
	srv := newTestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(nethttp.StatusOK)
	}))

	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), TokenPair{
		AccessToken:  signedToken(t, time.Now().Add(5*time.Second)),
		RefreshToken: "refresh",
	}))
	var calls atomic.Int32
	coord := NewCoordinator(store, rotatingRefresher(store, 0, &calls), WithProactiveRefresh(true))
	client := newAuthClient(srv.URL, coord, 1)

	_, err := client.Get(context.Background(), &http.Request{URL: "/v1/items", RequiresAuth: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Bearer new-1", gotAuth.Load())
}

func TestBearerToken(t *testing.T) {
	req, err := nethttp.NewRequest(nethttp.MethodGet, "http://example.com", nil)
	require.NoError(t, err)

	assert.Equal(t, "", bearerToken(req))
	req.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", bearerToken(req))
	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", bearerToken(req))
	assert.Equal(t, "", bearerToken(nil))
}
