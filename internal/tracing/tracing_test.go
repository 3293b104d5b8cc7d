// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFromEnvDisabled(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"sdk disabled", map[string]string{"OTEL_SDK_DISABLED": "true", "OTEL_TRACES_EXPORTER": "console"}},
		{"exporter none", map[string]string{"OTEL_TRACES_EXPORTER": "none"}},
		{"nothing configured", map[string]string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("OTEL_SDK_DISABLED", "")
			t.Setenv("OTEL_TRACES_EXPORTER", "")
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			tr, err := NewFromEnv(context.Background(), &bytes.Buffer{})
			require.NoError(t, err)
			require.False(t, tr.Enabled())
			require.NoError(t, tr.Shutdown(context.Background()))

			// No-op spans must still be safe to use.
			ctx, span := tr.StartRequest(context.Background(), http.Header{}, "chat", "m")
			require.NotNil(t, ctx)
			span.SetUsage(1, 2)
			span.EndOK()
		})
	}
}

func TestConsoleExporterEmitsSpans(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "console")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var out bytes.Buffer
	tr, err := NewFromEnv(context.Background(), &out)
	require.NoError(t, err)
	require.True(t, tr.Enabled())

	_, span := tr.StartRequest(context.Background(), http.Header{}, "chat", "anthropic.claude-3-sonnet")
	span.SetUsage(10, 20)
	span.EndOK()
	require.NoError(t, tr.Shutdown(context.Background()))

	got := out.String()
	require.Contains(t, got, "chat anthropic.claude-3-sonnet")
	require.Contains(t, got, "gen_ai.request.model")
	require.Contains(t, got, "gen_ai.usage.output_tokens")
}

func TestBackgroundSpanIsNewRoot(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "console")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var out bytes.Buffer
	tr, err := NewFromEnv(context.Background(), &out)
	require.NoError(t, err)

	ctx, reqSpan := tr.StartRequest(context.Background(), http.Header{}, "chat", "m")

	// Background spans must survive request cancellation.
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	bctx, bgSpan := tr.StartBackground(cctx, "s3_cleanup")
	require.NoError(t, bctx.Err())
	bgSpan.EndError(errors.New("boom"))
	reqSpan.EndOK()
	require.NoError(t, tr.Shutdown(context.Background()))

	got := out.String()
	require.Contains(t, got, "background s3_cleanup")
	require.Contains(t, got, "boom")
}
