// Package telemetry wires distributed tracing and OTel counters for the hub,
// adapted from the teacher's internal/telemetry (same OTLP-gRPC trace
// exporter setup; the custom metrics are the hub's own node/RPC counters
// rather than the teacher's bead/agent ones).
package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Tracer is the hub's global tracer, set once InitTelemetry succeeds.
	Tracer trace.Tracer

	// Meter is the hub's global meter.
	Meter metric.Meter

	// NodesRegistered counts node registrations over the process lifetime.
	NodesRegistered metric.Int64Counter
	// NodesRemoved counts node departures (clean quit or disconnect).
	NodesRemoved metric.Int64Counter
	// RPCsDispatched counts every RPC the dispatcher issued to a node.
	RPCsDispatched metric.Int64Counter
	// RPCLatency records RPC round-trip time.
	RPCLatency metric.Float64Histogram
	// AppRestarts counts supervisor (re)starts of a child app.
	AppRestarts metric.Int64Counter
)

// InitTelemetry sets up the OTLP/gRPC trace exporter and the hub's custom
// OTel counters. Returns a shutdown func to flush and stop the provider.
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

func initMetrics() error {
	var err error

	NodesRegistered, err = Meter.Int64Counter(
		"unicom.nodes.registered",
		metric.WithDescription("Total node registrations"),
	)
	if err != nil {
		return err
	}

	NodesRemoved, err = Meter.Int64Counter(
		"unicom.nodes.removed",
		metric.WithDescription("Total node departures"),
	)
	if err != nil {
		return err
	}

	RPCsDispatched, err = Meter.Int64Counter(
		"unicom.rpc.dispatched",
		metric.WithDescription("Total RPCs dispatched to nodes"),
	)
	if err != nil {
		return err
	}

	RPCLatency, err = Meter.Float64Histogram(
		"unicom.rpc.latency",
		metric.WithDescription("RPC round-trip latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	AppRestarts, err = Meter.Int64Counter(
		"unicom.app.restarts",
		metric.WithDescription("Total supervised app (re)starts"),
	)
	if err != nil {
		return err
	}

	return nil
}
