// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"golang.org/x/sync/errgroup"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/catalog"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/metrics"
	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
	"github.com/aws-samples/bedrock-access-gateway/internal/streaming"
	"github.com/aws-samples/bedrock-access-gateway/internal/tokens"
	"github.com/aws-samples/bedrock-access-gateway/internal/translator"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) error {
	rc := requestctx.FromContext(r.Context())

	var req openai.ChatCompletionRequest
	raw, err := s.decodeJSON(r, &req, false)
	if err != nil {
		return err
	}
	s.logBodyParams(w, raw)
	rc.ModelID, rc.UserID = req.Model, req.User
	if req.Model == "" {
		return gwerrors.InvalidParam("model", "model is required")
	}
	if hasModality(req.Modalities, "audio") && !hasModality(req.Modalities, "text") {
		return gwerrors.InvalidParam("modalities", `modalities requesting "audio" must also include "text"`)
	}

	d, err := s.catalog.Validate(r.Context(), req.Model, catalog.ValidateOpts{
		OutputModality: "TEXT",
		BedrockOnly:    true,
	})
	if err != nil {
		return err
	}
	in, traits, err := translator.BuildConverseInput(&req, raw, translator.ChatOptions{
		ModelID:   d.ID,
		Defaults:  s.cfg.DefaultModelParams[req.Model],
		Guardrail: rc.Guardrail,
		Fetcher:   s.fetcher,
	})
	if err != nil {
		return err
	}

	n := req.N
	if n < 1 {
		n = 1
	}
	if req.Stream && n > 1 {
		return gwerrors.InvalidParam("n", "n must be 1 when stream is true")
	}
	region := d.Region
	if region == "" {
		region = s.cfg.PrimaryRegion()
	}

	ctx, ob := s.observe(r.Context(), r, metrics.OperationChat, req.Model)
	if req.Stream {
		rc.Streaming = true
		err = s.streamChat(ctx, ob, w, rc, &req, in, traits, region, n)
	} else {
		err = s.unaryChat(ctx, ob, w, r, rc, &req, in, traits, region, n)
	}
	ob.finish(ctx, err)
	return err
}

// unaryChat fans the request out n ways and assembles a single response with
// summed usage.
func (s *Server) unaryChat(ctx context.Context, ob *observation, w http.ResponseWriter, r *http.Request,
	rc *requestctx.RequestContext, req *openai.ChatCompletionRequest,
	in *bedrockruntime.ConverseInput, traits *translator.RequestTraits, region string, n int) error {

	client := s.chat(region)
	choices := make([]openai.ChatChoice, n)
	usages := make([]openai.Usage, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			out, err := client.Converse(gctx, in)
			if err != nil {
				return gwerrors.Map(err)
			}
			choice, usage, err := translator.ChoiceFromOutput(out, i, traits, s.cfg.TokensEstimation)
			if err != nil {
				return err
			}
			choices[i], usages[i] = choice, usage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	usage := translator.SumUsage(usages)
	ob.tokens(ctx, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)

	resp := translator.NewChatResponse(rc.ID, req.Model, traits, choices, usage)
	if err := s.attachAudio(ctx, req, &resp); err != nil {
		return err
	}
	return s.writeJSON(w, r, http.StatusOK, resp)
}

// attachAudio runs the TTS side-call for requests asking for the audio
// output modality and replaces each choice's text with synthesized speech.
func (s *Server) attachAudio(ctx context.Context, req *openai.ChatCompletionRequest, resp *openai.ChatCompletionResponse) error {
	if req.Audio == nil || !hasModality(req.Modalities, "audio") {
		return nil
	}
	for i := range resp.Choices {
		msg := &resp.Choices[i].Message
		if msg.Content == nil || *msg.Content == "" {
			continue
		}
		var buf bytes.Buffer
		speechReq := &openai.AudioSpeechRequest{
			Model:          s.cfg.DefaultTTSModel,
			Input:          *msg.Content,
			Voice:          req.Audio.Voice,
			ResponseFormat: req.Audio.Format,
		}
		err := s.speech.Synthesize(ctx, speechReq, func(b []byte) error {
			_, werr := buf.Write(b)
			return werr
		})
		if err != nil {
			return err
		}
		msg.Audio = &openai.AudioOutput{
			ID:         "audio_" + requestctx.NewID(),
			Data:       base64.StdEncoding.EncodeToString(buf.Bytes()),
			ExpiresAt:  time.Now().Add(time.Hour).Unix(),
			Transcript: *msg.Content,
		}
		msg.Content = nil
	}
	return nil
}

func hasModality(modalities []string, want string) bool {
	for _, m := range modalities {
		if m == want {
			return true
		}
	}
	return false
}

// chunkOrErr carries either one SSE chunk or a terminal stream error through
// the fan-in merge.
type chunkOrErr struct {
	chunk *openai.ChatCompletionChunk
	err   error
}

// streamChat opens n provider streams, folds each into OpenAI chunks and
// interleaves them onto one SSE response. Provider failures after the
// response started are injected as a terminal error event.
func (s *Server) streamChat(ctx context.Context, ob *observation, w http.ResponseWriter,
	rc *requestctx.RequestContext, req *openai.ChatCompletionRequest,
	in *bedrockruntime.ConverseInput, traits *translator.RequestTraits, region string, n int) error {

	client := s.chat(region)
	si := streamInput(in)

	// Open every stream before the first byte so early provider errors still
	// map to plain HTTP error responses.
	streams := make([]EventStream, 0, n)
	for i := 0; i < n; i++ {
		es, err := client.OpenStream(ctx, si)
		if err != nil {
			for _, open := range streams {
				_ = open.Close()
			}
			return gwerrors.Map(err)
		}
		streams = append(streams, es)
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	chans := make([]<-chan chunkOrErr, n)
	for i, es := range streams {
		ch := make(chan chunkOrErr, 8)
		chans[i] = ch
		go func(i int, es EventStream) {
			defer close(ch)
			defer es.Close()
			acc := translator.NewChunkAccumulator(rc.ID, req.Model, i, traits, includeUsage)
			emit := func(c *openai.ChatCompletionChunk) bool {
				select {
				case ch <- chunkOrErr{chunk: c}:
					return true
				case <-ctx.Done():
					return false
				}
			}
			if !emit(acc.Initial()) {
				return
			}
			for ev := range es.Events() {
				if c := acc.Fold(ev); c != nil && !emit(c) {
					return
				}
			}
			if err := es.Err(); err != nil {
				select {
				case ch <- chunkOrErr{err: err}:
				case <-ctx.Done():
				}
				return
			}
			if final := acc.Final(); final != nil {
				emit(final)
			}
		}(i, es)
	}

	sse := streaming.NewSSEWriter(w)
	var streamErr error
	for item := range streaming.Merge(ctx, chans) {
		if item.err != nil {
			streamErr = item.err
			_ = sse.Send(gwerrors.Map(item.err).Envelope())
			break
		}
		s.recordChunk(ctx, ob, item.chunk)
		if err := sse.Send(item.chunk); err != nil {
			// Client went away; provider streams unwind via ctx.
			return nil
		}
	}
	_ = sse.Done()
	if streamErr != nil {
		return gwerrors.Map(streamErr)
	}
	return nil
}

// recordChunk feeds the latency and usage series from one streamed chunk.
func (s *Server) recordChunk(ctx context.Context, ob *observation, c *openai.ChatCompletionChunk) {
	if c.Usage != nil {
		ob.tokens(ctx, c.Usage.PromptTokens, c.Usage.CompletionTokens, c.Usage.TotalTokens)
	}
	for _, choice := range c.Choices {
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			ob.rec.RecordTokenLatency(ctx, tokens.Estimate(*choice.Delta.Content))
		}
	}
}

// streamInput projects a ConverseInput onto the streaming call shape.
func streamInput(in *bedrockruntime.ConverseInput) *bedrockruntime.ConverseStreamInput {
	si := &bedrockruntime.ConverseStreamInput{
		ModelId:                           in.ModelId,
		Messages:                          in.Messages,
		System:                            in.System,
		InferenceConfig:                   in.InferenceConfig,
		ToolConfig:                        in.ToolConfig,
		AdditionalModelRequestFields:      in.AdditionalModelRequestFields,
		AdditionalModelResponseFieldPaths: in.AdditionalModelResponseFieldPaths,
		PerformanceConfig:                 in.PerformanceConfig,
		PromptVariables:                   in.PromptVariables,
		RequestMetadata:                   in.RequestMetadata,
	}
	if g := in.GuardrailConfig; g != nil {
		si.GuardrailConfig = &brtypes.GuardrailStreamConfiguration{
			GuardrailIdentifier: g.GuardrailIdentifier,
			GuardrailVersion:    g.GuardrailVersion,
			Trace:               g.Trace,
		}
	}
	return si
}
