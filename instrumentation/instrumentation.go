package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when no version is provided
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration
type Config struct {
	// ServiceName identifies the service in telemetry (default "oauth-server")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false,
	// no-op providers are used.
	Enabled bool

	// Resource allows custom resource attributes. If nil, a default
	// resource is created with service name and version.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry meters and tracers plus the
// pre-registered metric instruments used across the server.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	serverMeter  metric.Meter
	storageMeter metric.Meter

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance. With Enabled=false (or a nil
// receiver anywhere downstream) everything degrades to no-ops.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "oauth-server"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		// Use the globally registered providers; the host application owns
		// exporter setup and shutdown.
		inst.meterProvider = otel.GetMeterProvider()
		inst.tracerProvider = otel.GetTracerProvider()
	} else {
		inst.meterProvider = metricnoop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.serverMeter = inst.meterProvider.Meter("oauth-server/server")
	inst.storageMeter = inst.meterProvider.Meter("oauth-server/storage")

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Tracer returns a tracer for the given component name (nil-safe).
func (i *Instrumentation) Tracer(name string) trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(name)
	}
	return i.tracerProvider.Tracer(name)
}

// Meter returns a meter for the given component name (nil-safe).
func (i *Instrumentation) Meter(name string) metric.Meter {
	if i == nil {
		return metricnoop.NewMeterProvider().Meter(name)
	}
	return i.meterProvider.Meter(name)
}

// Metrics returns the pre-registered metric instruments (nil-safe).
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// RegisterShutdown registers a function to run on Shutdown. Not safe to
// call after initialization completes.
func (i *Instrumentation) RegisterShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown flushes and stops registered components. Safe to call more
// than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	if i == nil {
		return nil
	}
	var firstErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
