// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/aws-samples/bedrock-access-gateway/internal/adapter"
	"github.com/aws-samples/bedrock-access-gateway/internal/asyncjob"
	"github.com/aws-samples/bedrock-access-gateway/internal/auth"
	"github.com/aws-samples/bedrock-access-gateway/internal/awsapi"
	"github.com/aws-samples/bedrock-access-gateway/internal/catalog"
	"github.com/aws-samples/bedrock-access-gateway/internal/config"
	"github.com/aws-samples/bedrock-access-gateway/internal/eventlog"
	"github.com/aws-samples/bedrock-access-gateway/internal/media"
	"github.com/aws-samples/bedrock-access-gateway/internal/metrics"
	"github.com/aws-samples/bedrock-access-gateway/internal/pprof"
	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
	"github.com/aws-samples/bedrock-access-gateway/internal/server"
	"github.com/aws-samples/bedrock-access-gateway/internal/tracing"
)

// asyncWorkers bounds the background job concurrency per process.
const asyncWorkers = 4

// pollyVariants are the text-to-speech pseudo-models registered on top of the
// Bedrock catalog. The catalog only lists Bedrock models; Polly and
// Transcribe are reached through fixed ids.
var pollyVariants = []string{"polly.standard", "polly.neural", "polly.generative", "polly.long-form"}

// run starts the gateway with configuration from the environment and blocks
// until ctx is cancelled, then shuts everything down gracefully.
func run(ctx context.Context, stdout, _ io.Writer) error {
	started := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := eventlog.New(stdout, cfg.LogLevel, requestctx.NewID(), cfg.LogClientIP)

	pool, err := awsapi.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building AWS clients: %w", err)
	}
	defer pool.Shutdown()

	authStore, enabled, err := auth.Initialize(ctx, cfg, pool.SSM(), pool.SecretsManager())
	if err != nil {
		return fmt.Errorf("resolving API key: %w", err)
	}
	if !enabled {
		log.Debug("api key auth disabled; all requests accepted")
	}

	cat := catalog.New(cfg, func(region string) catalog.API { return pool.Bedrock(region) })
	for _, id := range pollyVariants {
		cat.RegisterExtra(catalog.Descriptor{
			ID:               id,
			Provider:         "Amazon Polly",
			Region:           cfg.PrimaryRegion(),
			InputModalities:  []string{"TEXT"},
			OutputModalities: []string{"AUDIO"},
		})
	}
	cat.RegisterExtra(catalog.Descriptor{
		ID:               "whisper-1",
		Provider:         "Amazon Transcribe",
		Region:           cfg.PrimaryRegion(),
		InputModalities:  []string{"AUDIO"},
		OutputModalities: []string{"TEXT"},
	})
	// Warm the catalog so the first request does not pay for discovery.
	// Startup proceeds on failure; the catalog retries on demand.
	if err := cat.Refresh(ctx, true); err != nil {
		log.Debug("initial model discovery failed", "error", err)
	}

	queue := asyncjob.NewQueue(log, asyncWorkers)
	runner := asyncjob.NewRunner(cfg, queue,
		func(region string) asyncjob.RuntimeAPI { return pool.Runtime(region) },
		func(region string) asyncjob.S3API { return pool.S3(region) },
	)

	deps := &adapter.Deps{
		Cfg:        cfg,
		Runner:     runner,
		Queue:      queue,
		Invoke:     func(region string) adapter.InvokeAPI { return pool.Runtime(region) },
		S3:         func(region string) asyncjob.S3API { return pool.S3(region) },
		Presign:    s3.NewPresignClient(pool.S3(cfg.PrimaryRegion())),
		Polly:      pool.Polly(),
		Transcribe: pool.Transcribe(),
		Translate:  pool.Translate(),
		Comprehend: pool.Comprehend(),
		Fetcher:    media.NewFetcher(cfg.SSRFBlockPrivateNetworks),
	}
	embeddings := adapter.NewEmbeddingsAdapter(deps)
	images := adapter.NewImagesAdapter(deps)
	speech := adapter.NewSpeechAdapter(deps)
	transcription := adapter.NewTranscriptionAdapter(deps)

	promRegistry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return fmt.Errorf("building prometheus exporter: %w", err)
	}
	meter, metricsShutdown, err := metrics.NewFromEnv(ctx, stdout, promExporter)
	if err != nil {
		return fmt.Errorf("building metrics: %w", err)
	}
	traces, err := tracing.NewFromEnv(ctx, stdout)
	if err != nil {
		return fmt.Errorf("building tracing: %w", err)
	}

	srv := server.New(server.Options{
		Cfg:           cfg,
		Log:           log,
		Auth:          authStore,
		Catalog:       cat,
		Registry:      adapter.NewRegistry(embeddings, images, speech, transcription),
		Embeddings:    embeddings,
		Images:        images,
		Speech:        speech,
		Transcription: transcription,
		Chat:          func(region string) server.ChatAPI { return server.NewRuntimeChat(pool.Runtime(region)) },
		Fetcher:       deps.Fetcher,
		Metrics:       metrics.NewFactory(meter),
		Tracing:       traces,
	})

	api := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	admin := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           srv.AdminHandler(promRegistry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("admin server: %w", err)
		}
	}()
	pprof.Run(ctx)
	log.Start(cfg.ListenAddr)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Debug("api shutdown", "error", err)
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Debug("admin shutdown", "error", err)
	}
	queue.Close()
	if err := metricsShutdown(shutdownCtx); err != nil {
		log.Debug("metrics shutdown", "error", err)
	}
	if err := traces.Shutdown(shutdownCtx); err != nil {
		log.Debug("tracing shutdown", "error", err)
	}
	log.Stop(time.Since(started))
	return runErr
}
