// Package connectivity tracks network reachability for the request pipeline
// and the telemetry service. A Gate holds the current state; an Observer
// probes the network in the background and feeds the Gate.
package connectivity

import (
	"context"
	"errors"
	"sync"

	"github.com/gaborage/netcore/logger"
)

// ErrOffline is returned when a request is attempted while the gate reports
// no connectivity.
var ErrOffline = errors.New("connectivity: no network connection")

// Checker reports the current reachability state.
type Checker interface {
	Online() bool
}

// Waiter blocks until connectivity is restored or ctx is done.
type Waiter interface {
	WaitOnline(ctx context.Context) error
}

// Gate holds the current reachability state and wakes waiters on transitions.
// The zero value is not usable; use NewGate.
type Gate struct {
	mu      sync.RWMutex
	online  bool
	changed chan struct{} // closed and replaced on every transition
	log     logger.Logger
}

// NewGate creates a gate in the given initial state.
func NewGate(online bool, log logger.Logger) *Gate {
	if log == nil {
		log = logger.Nop()
	}
	return &Gate{
		online:  online,
		changed: make(chan struct{}),
		log:     log,
	}
}

// Online reports whether the network is currently reachable.
func (g *Gate) Online() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.online
}

// Set records the observed state. Only transitions wake waiters.
func (g *Gate) Set(online bool) {
	g.mu.Lock()
	if g.online == online {
		g.mu.Unlock()
		return
	}
	g.online = online
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()

	if online {
		g.log.Info().Msg("Network connectivity restored")
	} else {
		g.log.Warn().Msg("Network connectivity lost")
	}
}

// Changed returns a channel closed on the next state transition.
func (g *Gate) Changed() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.changed
}

// WaitOnline returns nil as soon as the gate reports connectivity, or
// ctx.Err() if ctx ends first.
func (g *Gate) WaitOnline(ctx context.Context) error {
	for {
		g.mu.RLock()
		online, changed := g.online, g.changed
		g.mu.RUnlock()

		if online {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
