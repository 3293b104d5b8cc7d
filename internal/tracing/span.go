// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span wraps one request or background span with the small surface the
// gateway needs.
type Span struct {
	span trace.Span
}

// SetUsage records the response token accounting on the span.
func (s Span) SetUsage(inputTokens, outputTokens int) {
	s.span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
	)
}

// SetHTTPStatus records the response status code.
func (s Span) SetHTTPStatus(status int) {
	s.span.SetAttributes(attribute.Int("http.response.status_code", status))
}

// EndOK finishes the span successfully.
func (s Span) EndOK() {
	s.span.SetStatus(codes.Ok, "")
	s.span.End()
}

// EndError finishes the span with the error recorded.
func (s Span) EndError(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
