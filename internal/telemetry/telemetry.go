// =============================================================================
// TaskFlow OpenTelemetry SDK initialization
// =============================================================================
// Installs trace and meter providers backed by OTLP gRPC exporters and hands
// out the tracers the scheduler and workflow engine record spans with. The
// exported resource describes how this TaskFlow process runs: checkpoint
// backend, scheduling mode, concurrency and loop ceiling.
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/BaSui01/taskflow/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultServiceName  = "taskflow"
	defaultTracerPrefix = "taskflow"
)

// Instrumentation components.
const (
	ComponentScheduler = "scheduler"
	ComponentWorkflow  = "workflow"
)

// Resource attribute keys describing the orchestrator.
const (
	AttrCheckpointBackend = attribute.Key("taskflow.checkpoint.backend")
	AttrSchedulerMode     = attribute.Key("taskflow.scheduler.default_mode")
	AttrMaxConcurrency    = attribute.Key("taskflow.scheduler.max_concurrency")
	AttrMaxLoopIterations = attribute.Key("taskflow.workflow.max_loop_iterations")
)

// Providers holds the SDK providers installed by Init.
// tp and mp are nil when telemetry is disabled; Shutdown is then a no-op and
// Tracer falls back to the global provider.
type Providers struct {
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	prefix string
}

// Init installs the OTel SDK for a TaskFlow process. A disabled telemetry
// section returns noop Providers without dialing the collector.
func Init(cfg *config.Config, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	tel := cfg.Telemetry

	p := &Providers{prefix: tracerPrefix(tel.TracerPrefix)}
	if !tel.Enabled {
		logger.Debug("telemetry disabled, using noop providers")
		return p, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(tel.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(tel.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(tel.SampleRate)))),
	)
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", tel.OTLPEndpoint),
		zap.String("tracer_prefix", p.prefix),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Float64("sample_rate", tel.SampleRate),
	)
	return p, nil
}

// resourceAttributes describes the service and the orchestrator settings that
// shape its spans.
func resourceAttributes(cfg *config.Config) []attribute.KeyValue {
	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(buildVersion()),
		AttrCheckpointBackend.String(cfg.Checkpoint.Backend),
		AttrSchedulerMode.String(strings.ToLower(cfg.Scheduler.DefaultMode)),
		AttrMaxConcurrency.Int(cfg.Scheduler.MaxConcurrency),
		AttrMaxLoopIterations.Int(cfg.Workflow.MaxLoopIterations),
	}
	if cfg.Telemetry.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Telemetry.Environment))
	}
	return attrs
}

// Tracer returns the tracer for a TaskFlow component, named
// "<prefix>/<component>". Safe on nil Providers.
func (p *Providers) Tracer(component string) trace.Tracer {
	prefix := defaultTracerPrefix
	var tp trace.TracerProvider = otel.GetTracerProvider()
	if p != nil {
		prefix = p.prefix
		if p.tp != nil {
			tp = p.tp
		}
	}
	return tp.Tracer(prefix+"/"+component, trace.WithInstrumentationVersion(buildVersion()))
}

// Enabled reports whether SDK providers were installed.
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// Shutdown flushes pending spans and metrics. Safe on nil or noop Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func tracerPrefix(p string) string {
	p = strings.Trim(p, "/ ")
	if p == "" {
		return defaultTracerPrefix
	}
	return p
}

func clampRate(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

// buildVersion reads the main module version, "dev" for local builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
