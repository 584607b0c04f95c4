package connectivity

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gaborage/netcore/logger"
)

// Probe checks whether the network is reachable.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) error

// Probe calls f(ctx).
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// DialProbe reports reachability by opening a TCP connection to Address.
type DialProbe struct {
	Address string
	Timeout time.Duration
}

// Probe dials the configured address and closes the connection immediately.
func (p DialProbe) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Address, err)
	}
	return conn.Close()
}

// Observer periodically probes the network and records the result on a Gate.
type Observer struct {
	gate     *Gate
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	log      logger.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewObserver creates an observer. timeout bounds each probe; zero means the
// probe interval.
func NewObserver(gate *Gate, probe Probe, interval, timeout time.Duration, log logger.Logger) *Observer {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = interval
	}
	return &Observer{
		gate:     gate,
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Start runs one probe synchronously so the gate is accurate on return, then
// keeps probing in the background until Stop or ctx is done. Calling Start on
// a running observer is a no-op.
func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stop != nil {
		return
	}
	if o.interval <= 0 {
		o.log.Debug().Msg("Connectivity observer disabled (interval <= 0)")
		return
	}

	o.check(ctx)

	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.loop(ctx, o.stop, o.done)

	o.log.Info().Dur("interval", o.interval).Msg("Started connectivity observer")
}

// Stop halts background probing and waits for the loop to exit.
func (o *Observer) Stop() {
	o.mu.Lock()
	stop, done := o.stop, o.done
	o.stop, o.done = nil, nil
	o.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (o *Observer) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.check(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *Observer) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	err := o.probe.Probe(probeCtx)
	if ctx.Err() != nil {
		// shutting down; the probe result says nothing about the network
		return
	}
	if err != nil {
		o.log.Debug().Err(err).Msg("Connectivity probe failed")
	}
	o.gate.Set(err == nil)
}
