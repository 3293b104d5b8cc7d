// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestRequestEventShape(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "srv-1", true)
	rc := &requestctx.RequestContext{ID: "req123", ModelID: "claude", ClientIP: "10.0.0.9"}

	l.Request(RequestEvent{
		Context:    rc,
		Method:     "POST",
		Path:       "/v1/chat/completions",
		StatusCode: 200,
		Duration:   1500 * time.Millisecond,
	})

	events := decodeLines(t, &buf)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, "request", ev["type"])
	require.Equal(t, "info", ev["level"])
	require.Equal(t, "srv-1", ev["server_id"])
	require.Equal(t, "req123", ev["request_id"])
	require.Equal(t, "claude", ev["model_id"])
	require.Equal(t, "10.0.0.9", ev["client_ip"])
	require.Equal(t, float64(200), ev["status_code"])
	require.InDelta(t, 1.5, ev["duration"], 0.001)
	require.Contains(t, ev, "date")
}

func TestStreamingAndErrorLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "srv-1", false)
	rc := &requestctx.RequestContext{ID: "r", Streaming: true, ClientIP: "10.0.0.9"}

	l.Request(RequestEvent{Context: rc, Method: "POST", Path: "/p", StatusCode: 400, ErrorDetail: "bad"})
	l.Request(RequestEvent{Context: rc, Method: "POST", Path: "/p", StatusCode: 503, ErrorDetail: "down"})

	events := decodeLines(t, &buf)
	require.Len(t, events, 2)
	require.Equal(t, "request_stream", events[0]["type"])
	require.Equal(t, "warning", events[0]["level"])
	require.Equal(t, "error", events[1]["level"])
	// client_ip only appears when enabled.
	require.NotContains(t, events[0], "client_ip")
}

func TestBackgroundAndCritical(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "srv-1", false)

	l.Background("req123", "s3_cleanup", 20*time.Millisecond, nil)
	l.Background("req123", "s3_cleanup", 20*time.Millisecond, errors.New("denied"))
	l.Critical("req123", "panic: nil deref", "goroutine 1 [running]")

	events := decodeLines(t, &buf)
	require.Len(t, events, 3)
	require.Equal(t, "background", events[0]["type"])
	require.Equal(t, "info", events[0]["level"])
	require.Equal(t, "warning", events[1]["level"])
	require.Equal(t, "denied", events[1]["error_detail"])
	require.Equal(t, "critical", events[2]["level"])
	require.Contains(t, events[2], "stack")
}

func TestMinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "error", "srv-1", false)
	l.Start(":8000")
	require.Zero(t, buf.Len())
}
