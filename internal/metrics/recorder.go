// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder measures one request against the GenAI instruments. Recorders are
// cheap: the instruments are created once per Factory, a Recorder only carries
// per-request timing state. Not safe for concurrent use.
type Recorder struct {
	metrics        *genAI
	operation      string
	model          string
	requestStart   time.Time
	firstTokenSent bool
	lastTokenTime  time.Time
}

// Factory hands out Recorders sharing one set of instruments.
type Factory struct {
	metrics *genAI
}

// NewFactory registers the GenAI instruments on meter.
func NewFactory(meter metric.Meter) *Factory {
	return &Factory{metrics: newGenAI(meter)}
}

// Start begins timing a request for the given operation.
func (f *Factory) Start(operation string) *Recorder {
	return &Recorder{
		metrics:      f.metrics,
		operation:    operation,
		model:        "unknown",
		requestStart: time.Now(),
	}
}

// SetModel sets the model attribute, usually after the body is parsed.
func (r *Recorder) SetModel(model string) {
	r.model = model
}

func (r *Recorder) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(r.operation),
		attribute.Key(genaiAttributeSystemName).String(genaiSystemAWSBedrock),
		attribute.Key(genaiAttributeRequestModel).String(r.model),
	}
}

// RecordTokenUsage records the three token-type series for one response.
func (r *Recorder) RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens int) {
	attrs := r.attributes()
	r.metrics.tokenUsage.Record(ctx, float64(inputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	r.metrics.tokenUsage.Record(ctx, float64(outputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
	r.metrics.tokenUsage.Record(ctx, float64(totalTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)),
	)
}

// RecordRequestCompletion records the end-to-end latency. Per the semantic
// conventions the error attribute is only added on failure.
func (r *Recorder) RecordRequestCompletion(ctx context.Context, success bool) {
	attrs := r.attributes()
	if success {
		r.metrics.requestLatency.Record(ctx, time.Since(r.requestStart).Seconds(), metric.WithAttributes(attrs...))
		return
	}
	// No typed low-cardinality error values yet, so record the placeholder.
	r.metrics.requestLatency.Record(ctx, time.Since(r.requestStart).Seconds(),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback)),
	)
}

// RecordTokenLatency records first-token latency on the first call and
// inter-token latency afterwards.
func (r *Recorder) RecordTokenLatency(ctx context.Context, tokens int) {
	attrs := r.attributes()
	if !r.firstTokenSent {
		r.firstTokenSent = true
		r.metrics.firstTokenLatency.Record(ctx, time.Since(r.requestStart).Seconds(), metric.WithAttributes(attrs...))
	} else if tokens > 0 {
		itl := time.Since(r.lastTokenTime).Seconds() / float64(tokens)
		r.metrics.outputTokenLatency.Record(ctx, itl, metric.WithAttributes(attrs...))
	}
	r.lastTokenTime = time.Now()
}
