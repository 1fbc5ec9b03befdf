package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/iot-net-planner/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultOTLPEndpoint = "localhost:4317"

var ErrTracingConfig = errors.New("invalid tracing config")

// TracingConfig selects where the spans of a planning run go.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // otlp collector, host:port
	SampleRatio float64

	// SolverMode and Scenario are stamped on the resource so traces of
	// different runs can be told apart in the collector.
	SolverMode string
	Scenario   string

	// Writer receives stdout spans; nil means stderr, since stdout carries
	// the solution JSON.
	Writer io.Writer
}

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// InitTracing installs the global tracer provider for a planning run. When
// tracing is disabled a no-op provider is installed and the returned
// Shutdown does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (Shutdown, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	sampler, err := samplerFor(cfg.SampleRatio)
	if err != nil {
		return nil, err
	}
	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(runAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", exporterName(cfg.Exporter)),
		logging.String("solver_mode", cfg.SolverMode),
		logging.Float("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func runAttributes(cfg TracingConfig) []attribute.KeyValue {
	service := cfg.ServiceName
	if service == "" {
		service = "iot-net-planner"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", "planner"),
	}
	if cfg.SolverMode != "" {
		attrs = append(attrs, attribute.String("planner.solver_mode", cfg.SolverMode))
	}
	if cfg.Scenario != "" {
		attrs = append(attrs, attribute.String("planner.scenario", cfg.Scenario))
	}
	return attrs
}

// samplerFor keeps whole runs together: a parent-based sampler follows the
// root solve span's decision for every nested seed, master and pricing span.
func samplerFor(ratio float64) (sdktrace.Sampler, error) {
	switch {
	case !(ratio >= 0 && ratio <= 1):
		return nil, fmt.Errorf("%w: sample ratio %v not in [0,1]", ErrTracingConfig, ratio)
	case ratio == 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample()), nil
	case ratio == 0:
		return sdktrace.ParentBased(sdktrace.NeverSample()), nil
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
}

func exporterName(name string) string {
	if name == "" {
		return "stdout"
	}
	return strings.ToLower(name)
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch exporterName(cfg.Exporter) {
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(exporterDialOptions()...),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("%w: unsupported exporter %q", ErrTracingConfig, cfg.Exporter)
	}
}

// exporterDialOptions are the gRPC options of the collector connection. The
// stats handler reports RPC metrics for span exports to the global meter
// provider; export RPCs are never traced themselves, which would feed every
// batch a span about the previous one.
func exporterDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler(
			otelgrpc.WithTracerProvider(noop.NewTracerProvider()),
			otelgrpc.WithMeterProvider(otel.GetMeterProvider()),
		)),
	}
}

// ShutdownWithTimeout flushes spans with a bounded wait; failures are
// logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown Shutdown, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
