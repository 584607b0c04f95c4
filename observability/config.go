package observability

import (
	"fmt"
	"maps"
	"time"
)

const (
	// EndpointStdout is a special endpoint value that prints traces and metrics to stdout.
	EndpointStdout = "stdout"

	// ProtocolHTTP specifies OTLP over HTTP/protobuf.
	ProtocolHTTP = "http"

	// ProtocolGRPC specifies OTLP over gRPC.
	ProtocolGRPC = "grpc"

	// DefaultMetricsInterval is how often the periodic reader exports metrics.
	DefaultMetricsInterval = 60 * time.Second
)

// Config selects the exporters behind the tracer and meter providers.
type Config struct {
	// Enabled controls whether observability is active.
	// When false, NewProvider returns no-op providers.
	Enabled bool

	ServiceName    string
	ServiceVersion string

	// Endpoint is EndpointStdout or an OTLP collector address.
	Endpoint string
	Protocol string
	Insecure bool
	Headers  map[string]string

	// SampleRate is the fraction of traces recorded, 0.0 to 1.0.
	SampleRate float64

	MetricsInterval time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ServiceVersion == "" {
		c.ServiceVersion = "unknown"
	}
	if c.Endpoint == "" {
		c.Endpoint = EndpointStdout
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolHTTP
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	c.Headers = cloneHeaderMap(c.Headers)
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("%w: got %.2f", ErrInvalidSampleRate, c.SampleRate)
	}
	if c.Endpoint != EndpointStdout && c.Protocol != ProtocolHTTP && c.Protocol != ProtocolGRPC {
		return fmt.Errorf("protocol %q: %w", c.Protocol, ErrInvalidProtocol)
	}
	return nil
}

// cloneHeaderMap copies headers so the caller's map is never aliased.
func cloneHeaderMap(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	clone := make(map[string]string, len(headers))
	maps.Copy(clone, headers)
	return clone
}
