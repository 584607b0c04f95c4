package observability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials/insecure"
)

// MeterName is the instrumentation scope of every netcore instrument.
const MeterName = "github.com/gaborage/netcore"

// Instrument names
const (
	MetricRequests        = "netcore.http.client.requests"
	MetricRequestDuration = "netcore.http.client.duration"
	MetricRetries         = "netcore.http.client.retries"
	MetricReplays         = "netcore.http.client.replays"
	MetricRefreshes       = "netcore.auth.refreshes"
	MetricQueueSize       = "netcore.telemetry.queue.size"
	MetricEventsDropped   = "netcore.telemetry.events.dropped"
	MetricFlushes         = "netcore.telemetry.flushes"
)

func (p *provider) initMeterProvider(res *resource.Resource) error {
	exporter, err := p.createMetricExporter()
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(p.config.MetricsInterval))
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return nil
}

func (p *provider) createMetricExporter() (sdkmetric.Exporter, error) {
	if p.config.Endpoint == EndpointStdout {
		return stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	}

	switch p.config.Protocol {
	case ProtocolHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(p.config.Endpoint)}
		if p.config.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(p.config.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(p.config.Headers))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case ProtocolGRPC:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.Endpoint)}
		if p.config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(p.config.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(p.config.Headers))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("metrics protocol '%s': %w", p.config.Protocol, ErrInvalidProtocol)
	}
}

// CreateCounter creates a monotonically increasing counter.
func CreateCounter(meter metric.Meter, name, description string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return meter.Int64Counter(
		name,
		append([]metric.Int64CounterOption{
			metric.WithDescription(description),
		}, opts...)...,
	)
}

// CreateHistogram creates a histogram recording a distribution of values.
func CreateHistogram(meter metric.Meter, name, description string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return meter.Float64Histogram(
		name,
		append([]metric.Float64HistogramOption{
			metric.WithDescription(description),
		}, opts...)...,
	)
}

// CreateGauge creates a gauge recording the latest value of a quantity.
func CreateGauge(meter metric.Meter, name, description string, opts ...metric.Int64GaugeOption) (metric.Int64Gauge, error) {
	return meter.Int64Gauge(
		name,
		append([]metric.Int64GaugeOption{
			metric.WithDescription(description),
		}, opts...)...,
	)
}

// Metrics records the networking core instruments. A nil *Metrics is valid
// and records nothing, so components take it as an optional dependency.
type Metrics struct {
	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	retries   metric.Int64Counter
	replays   metric.Int64Counter
	refreshes metric.Int64Counter
	queueSize metric.Int64Gauge
	dropped   metric.Int64Counter
	flushes   metric.Int64Counter
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error
	if m.requests, err = CreateCounter(meter, MetricRequests, "Completed HTTP exchanges by method and status"); err != nil {
		return nil, err
	}
	if m.duration, err = CreateHistogram(meter, MetricRequestDuration, "Logical request duration including retries", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.retries, err = CreateCounter(meter, MetricRetries, "Backoff retries scheduled by the retry executor"); err != nil {
		return nil, err
	}
	if m.replays, err = CreateCounter(meter, MetricReplays, "Requests replayed after a token refresh"); err != nil {
		return nil, err
	}
	if m.refreshes, err = CreateCounter(meter, MetricRefreshes, "Token refresh operations by outcome"); err != nil {
		return nil, err
	}
	if m.queueSize, err = CreateGauge(meter, MetricQueueSize, "Events waiting in the telemetry queue"); err != nil {
		return nil, err
	}
	if m.dropped, err = CreateCounter(meter, MetricEventsDropped, "Telemetry events evicted on queue overflow"); err != nil {
		return nil, err
	}
	if m.flushes, err = CreateCounter(meter, MetricFlushes, "Telemetry flushes by outcome"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRequest counts one transport exchange. status 0 means no response.
func (m *Metrics) RecordRequest(ctx context.Context, method string, status int) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", statusLabel(status)),
	))
}

// RecordDuration records the wall time of one logical call.
func (m *Metrics) RecordDuration(ctx context.Context, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("method", method),
	))
}

func (m *Metrics) RecordRetry(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func (m *Metrics) RecordReplay(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordRefresh counts a refresh with outcome "success" or "failure".
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordQueueSize(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.queueSize.Record(ctx, int64(size))
}

func (m *Metrics) RecordDropped(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(ctx, int64(n))
}

// RecordFlush counts a flush with the given outcome label.
func (m *Metrics) RecordFlush(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
