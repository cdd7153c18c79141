// Package telemetry wires up the Prometheus exporter and OpenTelemetry
// metrics/tracing pipelines shared across the process.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jyuch/advoid/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Options configures telemetry start-up. ExporterAddr is required by the
// CLI surface (--exporter); OTLPEndpoint is optional (--otel) and, when
// empty, leaves tracing on the global no-op tracer.
type Options struct {
	ServiceName    string
	ServiceVersion string
	ExporterAddr   string
	OTLPEndpoint   string
}

// Telemetry holds the metrics and tracing providers for the process.
type Telemetry struct {
	opts           Options
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	exporterServer *http.Server
	logger         *logging.Logger
}

// Metrics holds the counters and gauges the request handler and sink record
// against. Names use OTel's dot-separated convention; the Prometheus bridge
// renders them with underscores, which is how dns.requests.total becomes
// the dns_requests_total series the CLI surface promises on /metrics.
type Metrics struct {
	DNSRequestsTotal   metric.Int64Counter
	DNSRequestsBlock   metric.Int64Counter
	DNSRequestsForward metric.Int64Counter
	SinkDropped        metric.Int64Counter
}

// New starts the Prometheus exporter HTTP server and, if opts.OTLPEndpoint
// is set, a real OTLP/HTTP trace exporter. It always returns a usable
// Telemetry even on partial tracing failure; the caller treats start-up
// failure of the exporter server itself as fatal.
func New(ctx context.Context, opts Options, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{opts: opts, logger: logger}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("telemetry: setup metrics: %w", err)
	}

	if opts.OTLPEndpoint != "" {
		if err := t.setupTracing(ctx, res); err != nil {
			logger.Error("otlp tracing setup failed, continuing with no-op tracer", "error", err)
			t.tracerProvider = tracenoop.NewTracerProvider()
		}
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}
	otel.SetTracerProvider(t.tracerProvider)

	logger.Info("telemetry initialized",
		"service", opts.ServiceName,
		"exporter", opts.ExporterAddr,
		"otlp", opts.OTLPEndpoint != "")

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	return t.startExporterServer()
}

func (t *Telemetry) setupTracing(ctx context.Context, res *resource.Resource) error {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(t.opts.OTLPEndpoint))
	if err != nil {
		return fmt.Errorf("create otlp http exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	t.tracerProvider = provider
	return nil
}

func (t *Telemetry) startExporterServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.exporterServer = &http.Server{
		Addr:              t.opts.ExporterAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", t.opts.ExporterAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.opts.ExporterAddr, err)
	}

	go func() {
		if err := t.exporterServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus exporter server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics creates the three required counters and the sink-drop counter,
// and registers a gopsutil-backed observable gauge callback for ambient
// process metrics. The circuit breaker gauge is registered separately, by
// RegisterCircuitBreakerGauge.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("advoid")

	requestsTotal, err := meter.Int64Counter("dns.requests.total",
		metric.WithDescription("Total DNS requests received"))
	if err != nil {
		return nil, fmt.Errorf("create requests.total counter: %w", err)
	}

	requestsBlock, err := meter.Int64Counter("dns.requests.block",
		metric.WithDescription("DNS requests answered with a synthetic negative response"))
	if err != nil {
		return nil, fmt.Errorf("create requests.block counter: %w", err)
	}

	requestsForward, err := meter.Int64Counter("dns.requests.forward",
		metric.WithDescription("DNS requests forwarded to the upstream resolver"))
	if err != nil {
		return nil, fmt.Errorf("create requests.forward counter: %w", err)
	}

	sinkDropped, err := meter.Int64Counter("dns.sink.dropped",
		metric.WithDescription("Events dropped because the sink channel was full"))
	if err != nil {
		return nil, fmt.Errorf("create sink.dropped counter: %w", err)
	}

	if err := t.registerProcessGauges(meter); err != nil {
		t.logger.Warn("process metrics unavailable", "error", err)
	}

	return &Metrics{
		DNSRequestsTotal:   requestsTotal,
		DNSRequestsBlock:   requestsBlock,
		DNSRequestsForward: requestsForward,
		SinkDropped:        sinkDropped,
	}, nil
}

// RegisterCircuitBreakerGauge wires an observable gauge that samples state
// on every collection rather than requiring the request handler to push a
// value on every call. state is expected to be *upstream.Client.BreakerState
// converted to 1 (open) or 0 (closed/half-open).
func (t *Telemetry) RegisterCircuitBreakerGauge(state func() int64) error {
	meter := t.meterProvider.Meter("advoid")

	gauge, err := meter.Int64ObservableGauge("dns.upstream.circuit_breaker_open",
		metric.WithDescription("1 while the upstream circuit breaker is open, 0 otherwise"))
	if err != nil {
		return fmt.Errorf("create circuit_breaker_open gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, state())
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("register circuit breaker gauge callback: %w", err)
	}

	return nil
}

// registerProcessGauges wires gopsutil process stats into the meter as
// observable gauges, sampled on demand by the metrics reader rather than on
// a bespoke ticker.
func (t *Telemetry) registerProcessGauges(meter metric.Meter) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("open self process handle: %w", err)
	}

	rssGauge, err := meter.Int64ObservableGauge("process.memory.rss_bytes",
		metric.WithDescription("Resident set size of this process in bytes"))
	if err != nil {
		return fmt.Errorf("create rss gauge: %w", err)
	}

	fdGauge, err := meter.Int64ObservableGauge("process.open_fds",
		metric.WithDescription("Number of open file descriptors held by this process"))
	if err != nil {
		return fmt.Errorf("create open_fds gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if mem, memErr := proc.MemoryInfo(); memErr == nil && mem != nil {
			o.ObserveInt64(rssGauge, int64(mem.RSS))
		}
		if n, fdErr := proc.NumFDs(); fdErr == nil {
			o.ObserveInt64(fdGauge, int64(n))
		}
		return nil
	}, rssGauge, fdGauge)
	if err != nil {
		return fmt.Errorf("register process gauge callback: %w", err)
	}

	return nil
}

// MeterProvider returns the meter provider backing this telemetry instance.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider == nil {
		return noop.NewMeterProvider()
	}
	return t.meterProvider
}

// TracerProvider returns the tracer provider backing this telemetry instance.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider == nil {
		return tracenoop.NewTracerProvider()
	}
	return t.tracerProvider
}

// Shutdown gracefully stops the exporter server and flushes the tracer provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.exporterServer != nil {
		if err := t.exporterServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("exporter server shutdown: %w", err))
		}
	}

	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("telemetry shut down")
	return nil
}
