// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing wires OpenTelemetry spans for gateway requests and
// background tasks. Configuration is environment-driven; when no exporter is
// configured the package degrades to no-ops.
package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracing owns the tracer provider and hands out request spans.
type Tracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	enabled    bool
	// shutdown is nil when we didn't create the provider.
	shutdown func(context.Context) error
}

// NewFromEnv configures tracing based on environment variables. Returns a
// no-op instance when disabled or when no exporter/endpoint is configured.
//
// The stdout parameter directs output for the console exporter. Relevant
// variables: OTEL_SDK_DISABLED, OTEL_TRACES_EXPORTER ("none", "console",
// "otlp"), OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_PROPAGATORS.
func NewFromEnv(ctx context.Context, stdout io.Writer) (*Tracing, error) {
	exporter := os.Getenv("OTEL_TRACES_EXPORTER")
	if os.Getenv("OTEL_SDK_DISABLED") == "true" || exporter == "none" ||
		(exporter == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "") {
		return &Tracing{tracer: noop.NewTracerProvider().Tracer("")}, nil
	}

	// Merge in order default -> fallback -> env so env vars win.
	envRes, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource from env: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("bedrock-access-gateway"),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to merge default resources: %w", err)
	}
	if res, err = resource.Merge(res, envRes); err != nil {
		return nil, fmt.Errorf("failed to merge env resource: %w", err)
	}

	// Console is synchronous for tests; everything else goes through
	// autoexport with the standard batcher knobs (OTEL_BSP_*).
	var tp *sdktrace.TracerProvider
	if exporter == "console" {
		stdoutExporter, err := stdouttrace.New(stdouttrace.WithWriter(stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(stdoutExporter),
			sdktrace.WithResource(res),
		)
	} else {
		autoExporter, err := autoexport.NewSpanExporter(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(autoExporter),
			sdktrace.WithResource(res),
		)
	}

	return &Tracing{
		tracer:     tp.Tracer("aws-samples/bedrock-access-gateway"),
		propagator: autoprop.NewTextMapPropagator(),
		enabled:    true,
		shutdown:   tp.Shutdown,
	}, nil
}

// Enabled reports whether spans are actually exported.
func (t *Tracing) Enabled() bool { return t.enabled }

// Shutdown flushes and stops the provider if this instance created one.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// StartRequest opens a server span for one gateway request, continuing any
// trace context carried in the incoming headers. The span is named
// "<operation> <model>" per the GenAI span conventions.
func (t *Tracing) StartRequest(ctx context.Context, header http.Header, operation, model string) (context.Context, Span) {
	if t.propagator != nil {
		ctx = t.propagator.Extract(ctx, propagation.HeaderCarrier(header))
	}
	ctx, span := t.tracer.Start(ctx, operation+" "+model,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", operation),
			attribute.String("gen_ai.request.model", model),
			attribute.String("gen_ai.system.name", "aws.bedrock"),
		),
	)
	return ctx, Span{span: span}
}

// StartBackground opens a root span for a deferred cleanup task. The span is
// linked to, not parented under, the originating request so the request trace
// can complete independently.
func (t *Tracing) StartBackground(ctx context.Context, task string) (context.Context, Span) {
	link := trace.LinkFromContext(ctx)
	ctx, span := t.tracer.Start(context.WithoutCancel(ctx), "background "+task,
		trace.WithNewRoot(),
		trace.WithLinks(link),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, Span{span: span}
}
