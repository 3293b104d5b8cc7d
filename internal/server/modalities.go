// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/aws-samples/bedrock-access-gateway/internal/adapter"
	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/metrics"
	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
	"github.com/aws-samples/bedrock-access-gateway/internal/streaming"
)

// regionForModel resolves the inference region of a catalog model, falling
// back to the primary region for ids outside the catalog.
func (s *Server) regionForModel(modelID string) string {
	if d, ok := s.catalog.Get(modelID); ok && d.Region != "" {
		return d.Region
	}
	return s.cfg.PrimaryRegion()
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) error {
	rc := requestctx.FromContext(r.Context())

	var req openai.EmbeddingRequest
	raw, err := s.decodeJSON(r, &req, true)
	if err != nil {
		return err
	}
	s.logBodyParams(w, raw)
	rc.ModelID, rc.UserID = req.Model, req.User
	if req.Model == "" {
		return gwerrors.InvalidParam("model", "model is required")
	}
	a, err := s.registry.Resolve(req.Model)
	if err != nil {
		return err
	}
	if _, ok := a.(*adapter.EmbeddingsAdapter); !ok {
		return gwerrors.ModelNotFound(req.Model)
	}

	ctx, ob := s.observe(r.Context(), r, metrics.OperationEmbedding, req.Model)
	resp, err := s.embeddings.Invoke(ctx, rc.ID, s.regionForModel(req.Model), &req)
	if err != nil {
		ob.finish(ctx, err)
		return err
	}
	ob.tokens(ctx, resp.Usage.PromptTokens, 0, resp.Usage.TotalTokens)
	ob.finish(ctx, nil)
	return s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) error {
	rc := requestctx.FromContext(r.Context())

	var req openai.ImageGenerationRequest
	raw, err := s.decodeJSON(r, &req, true)
	if err != nil {
		return err
	}
	s.logBodyParams(w, raw)
	rc.ModelID, rc.UserID = req.Model, req.User
	if req.Model == "" {
		return gwerrors.InvalidParam("model", "model is required")
	}
	a, err := s.registry.Resolve(req.Model)
	if err != nil {
		return err
	}
	if _, ok := a.(*adapter.ImagesAdapter); !ok {
		return gwerrors.ModelNotFound(req.Model)
	}
	region := s.regionForModel(req.Model)

	ctx, ob := s.observe(r.Context(), r, metrics.OperationImage, req.Model)
	if req.Stream {
		rc.Streaming = true
		sse := streaming.NewSSEWriter(w)
		err = s.images.InvokeStream(ctx, rc.ID, region, &req, func(ev openai.ImageStreamEvent) error {
			return sse.Send(ev)
		})
		ob.finish(ctx, err)
		if err != nil {
			// Mid-stream failures surface as a terminal SSE error event.
			if rw, ok := w.(*responseWriter); ok && rw.wrote {
				_ = sse.Send(gwerrors.Map(err).Envelope())
				rw.errorDetail = err.Error()
				return nil
			}
		}
		return err
	}

	resp, err := s.images.Invoke(ctx, rc.ID, region, &req)
	if err != nil {
		ob.finish(ctx, err)
		return err
	}
	if resp.Usage != nil {
		ob.tokens(ctx, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens)
	}
	ob.finish(ctx, nil)
	return s.writeJSON(w, r, http.StatusOK, resp)
}
