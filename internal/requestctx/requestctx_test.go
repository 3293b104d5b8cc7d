// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package requestctx

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewID()
		require.Len(t, id, 26)
		require.Equal(t, id, toLower(id))
		require.NotContains(t, id, "=")
		seen[id] = struct{}{}
	}
	require.Len(t, seen, 100)
}

func toLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + 32
		}
	}
	return string(out)
}

func TestGuardrailPrecedence(t *testing.T) {
	def := &GuardrailConfig{Identifier: "default-gr", Version: "1"}

	t.Run("headers win when complete", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.Header.Set(HeaderGuardrailIdentifier, "per-request")
		r.Header.Set(HeaderGuardrailVersion, "DRAFT")
		r.Header.Set(HeaderGuardrailTrace, "enabled")
		rc := New(r, time.UTC, def)
		require.Equal(t, "per-request", rc.Guardrail.Identifier)
		require.Equal(t, "DRAFT", rc.Guardrail.Version)
		require.Equal(t, "enabled", rc.Guardrail.Trace)
	})

	t.Run("incomplete headers fall back to default", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.Header.Set(HeaderGuardrailIdentifier, "per-request")
		rc := New(r, time.UTC, def)
		require.Same(t, def, rc.Guardrail)
	})

	t.Run("no default no headers", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		rc := New(r, time.UTC, nil)
		require.Nil(t, rc.Guardrail)
	})
}

func TestContextRoundTrip(t *testing.T) {
	rc := &RequestContext{ID: NewID()}
	ctx := WithContext(context.Background(), rc)
	require.Same(t, rc, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}

func TestDetachCopies(t *testing.T) {
	rc := &RequestContext{ID: "abc", Guardrail: &GuardrailConfig{Identifier: "g", Version: "1"}}
	cp := rc.Detach()
	cp.Guardrail.Identifier = "mutated"
	require.Equal(t, "g", rc.Guardrail.Identifier)
	require.Equal(t, rc.ID, cp.ID)
}
