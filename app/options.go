package app

import (
	"github.com/gaborage/netcore/auth"
	"github.com/gaborage/netcore/connectivity"
	"github.com/gaborage/netcore/http"
	"github.com/gaborage/netcore/telemetry"
	"github.com/gaborage/netcore/telemetry/store"
)

// Options contains optional dependencies for creating an App instance.
// Unset fields are built from the config.
type Options struct {
	Doer           http.Doer
	Probe          connectivity.Probe
	TokenStore     auth.TokenStore
	Refresher      auth.Refresher
	ErrorReporter  auth.ErrorReporter
	TelemetryStore store.Store
	Submitter      telemetry.Submitter
}

// Option sets one field of Options.
type Option func(*Options)

// WithDoer replaces the transport used by the client and the refresher.
func WithDoer(d http.Doer) Option {
	return func(o *Options) { o.Doer = d }
}

func WithProbe(p connectivity.Probe) Option {
	return func(o *Options) { o.Probe = p }
}

// WithTokenStore plugs in platform secure storage.
func WithTokenStore(s auth.TokenStore) Option {
	return func(o *Options) { o.TokenStore = s }
}

func WithRefresher(r auth.Refresher) Option {
	return func(o *Options) { o.Refresher = r }
}

// WithErrorReporter forwards refresh failures to a crash reporting sink.
func WithErrorReporter(r auth.ErrorReporter) Option {
	return func(o *Options) { o.ErrorReporter = r }
}

func WithTelemetryStore(s store.Store) Option {
	return func(o *Options) { o.TelemetryStore = s }
}

func WithTelemetrySubmitter(s telemetry.Submitter) Option {
	return func(o *Options) { o.Submitter = s }
}
