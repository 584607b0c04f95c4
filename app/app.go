// Package app wires the networking core together: connectivity, tokens, the
// API client and telemetry, built from one config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/gaborage/netcore/auth"
	"github.com/gaborage/netcore/config"
	"github.com/gaborage/netcore/connectivity"
	"github.com/gaborage/netcore/http"
	"github.com/gaborage/netcore/logger"
	"github.com/gaborage/netcore/observability"
	"github.com/gaborage/netcore/retry"
	"github.com/gaborage/netcore/telemetry"
	"github.com/gaborage/netcore/telemetry/store"
)

// App owns every long-lived component of the networking core.
type App struct {
	cfg *config.Config
	log logger.Logger

	provider observability.Provider
	metrics  *observability.Metrics

	gate        *connectivity.Gate
	observer    *connectivity.Observer
	tokens      auth.TokenStore
	coordinator *auth.Coordinator
	client      http.Client
	telemetry   *telemetry.Service

	closers []func() error

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds an App. Nothing runs in the background until Start.
func New(cfg *config.Config, log logger.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if log == nil {
		log = logger.New(cfg.Log.Level, cfg.Log.Pretty)
	}
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{cfg: cfg, log: log}
	ctx := context.Background()

	if err := a.initObservability(); err != nil {
		return nil, err
	}

	a.gate = connectivity.NewGate(true, log)
	probe := o.Probe
	if probe == nil {
		probe = connectivity.DialProbe{Address: cfg.Connectivity.ProbeAddress, Timeout: cfg.Connectivity.ProbeTimeout}
	}
	a.observer = connectivity.NewObserver(a.gate, probe, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, log)

	doer := o.Doer
	if doer == nil {
		doer = &nethttp.Client{}
	}

	a.tokens = o.TokenStore
	if a.tokens == nil {
		a.tokens = newTokenStore(cfg.Auth)
	}

	refresher := o.Refresher
	if refresher == nil {
		refresher = auth.NewEndpointRefresher(doer, joinURL(cfg.API.BaseURL, cfg.Auth.RefreshPath), a.tokens).
			WithHeader(http.HeaderPlatform, cfg.App.Platform).
			WithHeader(http.HeaderAppVersion, cfg.App.Version)
	}
	coordOpts := []auth.Option{
		auth.WithRefreshPath(cfg.Auth.RefreshPath),
		auth.WithRefreshTimeout(cfg.Auth.RefreshTimeout),
		auth.WithExpirySkew(cfg.Auth.ExpirySkew),
		auth.WithProactiveRefresh(cfg.Auth.Proactive),
		auth.WithLogger(log),
		auth.WithMetrics(a.metrics),
	}
	if o.ErrorReporter != nil {
		coordOpts = append(coordOpts, auth.WithErrorReporter(o.ErrorReporter))
	}
	a.coordinator = auth.NewCoordinator(a.tokens, refresher, coordOpts...)

	a.client = a.buildClient(doer)

	if cfg.Telemetry.Enabled {
		if err := a.initTelemetry(ctx, o); err != nil {
			_ = a.close()
			return nil, err
		}
	}

	log.Info().
		Str("platform", cfg.App.Platform).
		Str("version", cfg.App.Version).
		Str("base_url", cfg.API.BaseURL).
		Bool("telemetry", cfg.Telemetry.Enabled).
		Msg("Networking core initialized")
	return a, nil
}

func (a *App) initObservability() error {
	provider, err := observability.NewProvider(&observability.Config{
		Enabled:         a.cfg.Observability.Enabled,
		ServiceName:     "netcore-" + a.cfg.App.Platform,
		ServiceVersion:  a.cfg.App.Version,
		Endpoint:        a.cfg.Observability.Endpoint,
		Protocol:        a.cfg.Observability.Protocol,
		Insecure:        a.cfg.Observability.Insecure,
		SampleRate:      a.cfg.Observability.SampleRate,
		MetricsInterval: a.cfg.Observability.Interval,
	}, a.log)
	if err != nil {
		return fmt.Errorf("app: observability: %w", err)
	}
	a.provider = provider

	metrics, err := observability.NewMetrics(provider.MeterProvider())
	if err != nil {
		_ = observability.Shutdown(context.Background(), provider)
		return fmt.Errorf("app: metrics: %w", err)
	}
	a.metrics = metrics
	return nil
}

func newTokenStore(cfg config.AuthConfig) auth.TokenStore {
	if cfg.TokenFile != "" {
		return auth.NewFileStore(cfg.TokenFile)
	}
	return auth.NewMemoryStore()
}

func (a *App) retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = a.cfg.Retry.MaxAttempts
	p.BaseDelay = a.cfg.Retry.BaseDelay
	p.Multiplier = a.cfg.Retry.Multiplier
	p.Jitter = a.cfg.Retry.Jitter
	p.MaxDelay = a.cfg.Retry.MaxDelay
	return p
}

// buildClient registers interceptors in pipeline order: connectivity, client
// info, request id, trace, rate limit, auth, logging. On the way back the
// logger sees the raw response before the refresh interceptor.
func (a *App) buildClient(doer http.Doer) http.Client {
	cfg := a.cfg
	b := http.NewBuilder(a.log).
		WithDoer(doer).
		WithBaseURL(cfg.API.BaseURL).
		WithTimeout(cfg.API.Timeout).
		WithRetryPolicy(a.retryPolicy()).
		WithMaxReplays(cfg.API.MaxReplays).
		WithMetrics(a.metrics).
		WithConnectivity(a.gate, cfg.Connectivity.OfflineWait).
		WithRequestInterceptor(http.ConnectivityInterceptor(a.gate)).
		WithRequestInterceptor(http.ClientInfoInterceptor(cfg.App.Platform, cfg.App.Version)).
		WithRequestInterceptor(http.RequestIDInterceptor()).
		WithRequestInterceptor(http.TracePropagationInterceptor())

	if cfg.API.RateLimit > 0 {
		burst := max(cfg.API.RateBurst, 1)
		b = b.WithRequestInterceptor(http.RateLimitInterceptor(rate.NewLimiter(rate.Limit(cfg.API.RateLimit), burst)))
	}

	return b.
		WithRequestInterceptor(a.coordinator.RequestInterceptor()).
		WithRequestInterceptor(http.RequestLogger(a.log)).
		WithResponseInterceptor(http.ResponseLogger(a.log)).
		WithResponseInterceptor(a.coordinator.ResponseInterceptor()).
		Build()
}

func (a *App) initTelemetry(ctx context.Context, o *Options) error {
	cfg := a.cfg.Telemetry

	st := o.TelemetryStore
	if st == nil {
		var err error
		if st, err = a.openTelemetryStore(ctx, cfg); err != nil {
			return err
		}
	}

	submitter := o.Submitter
	if submitter == nil {
		submitter = telemetry.NewHTTPSubmitter(a.client, cfg.Endpoint, telemetry.ClientInfo{
			Platform:   a.cfg.App.Platform,
			AppVersion: a.cfg.App.Version,
			DeviceID:   a.cfg.App.DeviceID,
		}, a.log)
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.Capacity = cfg.Capacity
	tcfg.BatchSize = cfg.BatchSize
	tcfg.FlushInterval = cfg.FlushInterval
	tcfg.MaxRetries = cfg.MaxRetries
	tcfg.BaseDelay = cfg.BaseDelay

	svc, err := telemetry.NewService(ctx, st, submitter,
		telemetry.WithConfig(tcfg),
		telemetry.WithConnectivity(a.gate),
		telemetry.WithLogger(a.log),
		telemetry.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("app: telemetry: %w", err)
	}
	a.telemetry = svc
	return nil
}

func (a *App) openTelemetryStore(ctx context.Context, cfg config.TelemetryConfig) (store.Store, error) {
	switch cfg.Store {
	case config.StoreFile:
		st, err := store.NewFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("app: telemetry store: %w", err)
		}
		return st, nil
	case config.StoreSQLite:
		db, err := store.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("app: telemetry store: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return db, nil
	default:
		return store.NewMemory(), nil
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Client returns the API client.
func (a *App) Client() http.Client { return a.client }

// Coordinator returns the token refresh coordinator.
func (a *App) Coordinator() *auth.Coordinator { return a.coordinator }

// Tokens returns the token store.
func (a *App) Tokens() auth.TokenStore { return a.tokens }

// Gate returns the connectivity gate fed by the observer.
func (a *App) Gate() *connectivity.Gate { return a.gate }

// Telemetry returns the telemetry service, or nil when telemetry is disabled.
func (a *App) Telemetry() *telemetry.Service { return a.telemetry }

// Track queues a telemetry event. It is a no-op when telemetry is disabled.
func (a *App) Track(ctx context.Context, name string, props map[string]any) error {
	if a.telemetry == nil {
		return nil
	}
	return a.telemetry.Track(ctx, name, props)
}

// SignIn stores the token pair issued by a login call.
func (a *App) SignIn(ctx context.Context, pair auth.TokenPair) error {
	if err := a.tokens.Save(ctx, pair); err != nil {
		return fmt.Errorf("app: save tokens: %w", err)
	}
	return nil
}
