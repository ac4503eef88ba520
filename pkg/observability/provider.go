package observability

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/observability"

// attrSpanKind carries the domain span kind (query, llm, tool, a2a,
// agent:start) through the OTel attribute set.
const attrSpanKind = "fleet.kind"

// Span kinds recorded on every span.
const (
	KindQuery      = "query"
	KindLLM        = "llm"
	KindTool       = "tool"
	KindA2A        = "a2a"
	KindAgentStart = "agent:start"
)

// Options configures trace export.
type Options struct {
	ServiceName string
	JobID       string

	// TraceDir is the root of per-job span files. Empty disables the JSONL
	// exporter.
	TraceDir string
}

// Init installs the global tracer provider and W3C trace-context propagator.
// An OTLP gRPC exporter is added when AGENT_OTEL_ENABLED is set, using
// AGENT_OTEL_ENDPOINT and AGENT_OTEL_SERVICE_NAME. The returned shutdown
// flushes and closes all exporters.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	serviceName := opts.ServiceName
	if v := os.Getenv("AGENT_OTEL_SERVICE_NAME"); v != "" {
		serviceName = v
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("fleet.job_id", opts.JobID),
		),
	)
	if err != nil {
		return nil, err
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	var jsonl *JSONLExporter
	if opts.TraceDir != "" && opts.JobID != "" {
		jsonl, err = NewJSONLExporter(opts.TraceDir, opts.JobID)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(jsonl,
			sdktrace.WithBatchTimeout(time.Second)))
	}

	if isTruthy(os.Getenv("AGENT_OTEL_ENABLED")) {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if endpoint := os.Getenv("AGENT_OTEL_ENDPOINT"); endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(endpoint))
		}
		otlpExp, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			if jsonl != nil {
				_ = jsonl.Shutdown(ctx)
			}
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(otlpExp))
		slog.Info("OTLP trace export enabled", "endpoint", os.Getenv("AGENT_OTEL_ENDPOINT"))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}
	return shutdown, nil
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan opens a span with the domain kind attribute set.
func StartSpan(ctx context.Context, kind, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{attribute.String(attrSpanKind, kind)}, attrs...)
	return Tracer().Start(ctx, name, trace.WithAttributes(all...))
}

// EndSpan closes the span, recording err as an error status when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
