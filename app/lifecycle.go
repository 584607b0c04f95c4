package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gaborage/netcore/connectivity"
	"github.com/gaborage/netcore/observability"
)

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("app: already shut down")

// Start runs the connectivity observer and the telemetry timer. The first
// probe completes before Start returns.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.started {
		return nil
	}

	a.observer.Start(context.WithoutCancel(ctx))
	if a.telemetry != nil {
		if err := a.telemetry.Start(); err != nil {
			a.observer.Stop()
			return fmt.Errorf("app: start telemetry: %w", err)
		}
	}
	a.started = true
	a.log.Info().Bool("online", a.gate.Online()).Msg("Networking core started")
	return nil
}

// Shutdown drains pending telemetry within ctx, then stops background work
// and flushes exporters. Events that could not be sent stay persisted.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.log.Info().Msg("Shutting down networking core")

	var errs []error
	if a.telemetry != nil {
		a.drainTelemetry(ctx)
		if err := a.telemetry.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.observer.Stop()

	if err := observability.Shutdown(ctx, a.provider); err != nil {
		errs = append(errs, fmt.Errorf("app: observability shutdown: %w", err))
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Logout sends what telemetry it can under the current credentials, then
// clears the token store.
func (a *App) Logout(ctx context.Context) error {
	if a.telemetry != nil {
		a.drainTelemetry(ctx)
	}
	if err := a.tokens.Clear(ctx); err != nil {
		return fmt.Errorf("app: clear tokens: %w", err)
	}
	a.log.Info().Msg("Signed out, tokens cleared")
	return nil
}

func (a *App) drainTelemetry(ctx context.Context) {
	err := a.telemetry.Drain(ctx)
	switch {
	case err == nil:
	case errors.Is(err, connectivity.ErrOffline):
		a.log.Info().Int("pending", a.telemetry.Pending()).Msg("Offline, telemetry kept for next launch")
	default:
		a.log.Warn().Err(err).Int("pending", a.telemetry.Pending()).Msg("Telemetry drain incomplete")
	}
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
