// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the OpenAI-compatible HTTP surface plus the admin
// endpoints. Handlers translate between the wire schema and the provider
// calls owned by the translator and adapter packages.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aws-samples/bedrock-access-gateway/internal/adapter"
	"github.com/aws-samples/bedrock-access-gateway/internal/auth"
	"github.com/aws-samples/bedrock-access-gateway/internal/catalog"
	"github.com/aws-samples/bedrock-access-gateway/internal/config"
	"github.com/aws-samples/bedrock-access-gateway/internal/eventlog"
	"github.com/aws-samples/bedrock-access-gateway/internal/media"
	"github.com/aws-samples/bedrock-access-gateway/internal/metrics"
	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
	"github.com/aws-samples/bedrock-access-gateway/internal/tracing"
)

// EventStream is the readable side of one provider converse stream.
// *bedrockruntime.ConverseStreamEventStream satisfies it.
type EventStream interface {
	Events() <-chan brtypes.ConverseStreamOutput
	Close() error
	Err() error
}

// ChatAPI is the converse slice of the inference client used by the chat
// route. OpenStream wraps ConverseStream so tests can supply channel-backed
// fakes; the SDK's stream output cannot be constructed outside the SDK.
type ChatAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	OpenStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (EventStream, error)
}

// runtimeChat adapts the concrete SDK client to ChatAPI.
type runtimeChat struct {
	client *bedrockruntime.Client
}

func (r runtimeChat) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.client.Converse(ctx, in, opts...)
}

func (r runtimeChat) OpenStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (EventStream, error) {
	out, err := r.client.ConverseStream(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

// NewRuntimeChat wraps the SDK inference client for the chat route.
func NewRuntimeChat(client *bedrockruntime.Client) ChatAPI {
	return runtimeChat{client: client}
}

// Options bundles the collaborators of a Server.
type Options struct {
	Cfg           *config.Settings
	Log           *eventlog.Logger
	Auth          *auth.Store
	Catalog       *catalog.Catalog
	Registry      *adapter.Registry
	Embeddings    *adapter.EmbeddingsAdapter
	Images        *adapter.ImagesAdapter
	Speech        *adapter.SpeechAdapter
	Transcription *adapter.TranscriptionAdapter
	// Chat returns the converse client for a region.
	Chat func(region string) ChatAPI
	// Fetcher downloads remote image URLs referenced in chat messages.
	Fetcher *media.Fetcher
	Metrics *metrics.Factory
	Tracing *tracing.Tracing
}

// Server routes the OpenAI surface. Construct with New.
type Server struct {
	cfg           *config.Settings
	log           *eventlog.Logger
	auth          *auth.Store
	catalog       *catalog.Catalog
	registry      *adapter.Registry
	embeddings    *adapter.EmbeddingsAdapter
	images        *adapter.ImagesAdapter
	speech        *adapter.SpeechAdapter
	transcription *adapter.TranscriptionAdapter
	chat          func(region string) ChatAPI
	fetcher       *media.Fetcher
	metrics       *metrics.Factory
	tracing       *tracing.Tracing
	started       time.Time
}

// New builds the Server from its collaborators.
func New(opts Options) *Server {
	return &Server{
		cfg:           opts.Cfg,
		log:           opts.Log,
		auth:          opts.Auth,
		catalog:       opts.Catalog,
		registry:      opts.Registry,
		embeddings:    opts.Embeddings,
		images:        opts.Images,
		speech:        opts.Speech,
		transcription: opts.Transcription,
		chat:          opts.Chat,
		fetcher:       opts.Fetcher,
		metrics:       opts.Metrics,
		tracing:       opts.Tracing,
		started:       time.Now(),
	}
}

// Handler builds the OpenAI-surface mux under the configured route prefix.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	p := strings.TrimSuffix(s.cfg.RoutePrefix, "/")

	mux.HandleFunc("POST "+p+"/chat/completions", s.route(s.handleChat))
	mux.HandleFunc("POST "+p+"/embeddings", s.route(s.handleEmbeddings))
	mux.HandleFunc("POST "+p+"/images/generations", s.route(s.handleImages))
	mux.HandleFunc("POST "+p+"/audio/speech", s.route(s.handleSpeech))
	mux.HandleFunc("POST "+p+"/audio/transcriptions", s.route(s.handleTranscriptions))
	mux.HandleFunc("POST "+p+"/audio/translations", s.route(s.handleTranslations))
	mux.HandleFunc("GET "+p+"/models", s.route(s.handleListModels))
	// Model ids may contain slashes (provisioned ARNs), hence the wildcard.
	mux.HandleFunc("GET "+p+"/models/{id...}", s.route(s.handleGetModel))
	mux.HandleFunc("GET "+p+"/available_models", s.route(s.handleAvailableModels))
	if len(s.cfg.CORSAllowOrigins) > 0 {
		mux.HandleFunc("OPTIONS /", s.handlePreflight)
	}
	return mux
}

// AdminHandler builds the /health and /metrics mux served on the admin
// address. gatherer is the registry the OTel prometheus exporter writes to.
func (s *Server) AdminHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// defaultGuardrail returns the process-wide guardrail, or nil when none is
// configured.
func (s *Server) defaultGuardrail() *requestctx.GuardrailConfig {
	if s.cfg.GuardrailIdentifier == "" {
		return nil
	}
	return &requestctx.GuardrailConfig{
		Identifier: s.cfg.GuardrailIdentifier,
		Version:    s.cfg.GuardrailVersion,
		Trace:      s.cfg.GuardrailTrace,
	}
}
