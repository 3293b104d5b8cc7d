// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package requestctx carries the per-request state created at middleware
// ingress through handlers, translators and background tasks.
package requestctx

import (
	"context"
	"encoding/base32"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Guardrail header names accepted on inference requests.
const (
	HeaderGuardrailIdentifier = "X-Amzn-Bedrock-GuardrailIdentifier"
	HeaderGuardrailVersion    = "X-Amzn-Bedrock-GuardrailVersion"
	HeaderGuardrailTrace      = "X-Amzn-Bedrock-Trace"
)

// GuardrailConfig names the guardrail applied to an inference request.
type GuardrailConfig struct {
	Identifier string
	Version    string
	Trace      string
}

// RequestContext is the per-request state. It is created once per request
// and copied (by value) into background tasks that outlive the response.
type RequestContext struct {
	// ID is a random base32 request identifier, echoed in x-request-id and
	// used as the object-store prefix for request artifacts.
	ID string
	// Start is the request arrival time in the configured zone.
	Start time.Time
	// ClientIP is the remote address, or the forwarded address when proxy
	// headers are trusted.
	ClientIP string
	// UserID echoes the request-level user field when present.
	UserID string
	// Organization echoes the openai-organization request header.
	Organization string
	// Guardrail is nil when neither the request headers nor the process
	// default name one.
	Guardrail *GuardrailConfig
	// ModelID is filled in by the handler once the request body is parsed.
	ModelID string
	// Streaming marks SSE responses for the access log.
	Streaming bool
}

// base32NoPad is the lowercase unpadded alphabet used for request ids.
var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a fresh 26-character base32 request id.
func NewID() string {
	u := uuid.New()
	return strings.ToLower(base32NoPad.EncodeToString(u[:]))
}

// New builds a RequestContext for an incoming request. defaultGuardrail may
// be nil; per-request headers win when both identifier and version are
// present.
func New(r *http.Request, loc *time.Location, defaultGuardrail *GuardrailConfig) *RequestContext {
	if loc == nil {
		loc = time.UTC
	}
	rc := &RequestContext{
		ID:           NewID(),
		Start:        time.Now().In(loc),
		Organization: r.Header.Get("OpenAI-Organization"),
		Guardrail:    defaultGuardrail,
	}
	id := r.Header.Get(HeaderGuardrailIdentifier)
	version := r.Header.Get(HeaderGuardrailVersion)
	if id != "" && version != "" {
		rc.Guardrail = &GuardrailConfig{
			Identifier: id,
			Version:    version,
			Trace:      r.Header.Get(HeaderGuardrailTrace),
		}
	}
	return rc
}

// Elapsed returns the time since request ingress.
func (rc *RequestContext) Elapsed() time.Duration { return time.Since(rc.Start) }

type ctxKey struct{}

// WithContext attaches rc to ctx.
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the RequestContext attached to ctx, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(*RequestContext)
	return rc
}

// Detach returns a copy of rc safe to hand to a background task after the
// response is flushed.
func (rc *RequestContext) Detach() *RequestContext {
	cp := *rc
	if rc.Guardrail != nil {
		g := *rc.Guardrail
		cp.Guardrail = &g
	}
	return &cp
}
