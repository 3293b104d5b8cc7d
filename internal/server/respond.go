// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/metrics"
	"github.com/aws-samples/bedrock-access-gateway/internal/tracing"
)

// maxBodyBytes caps request bodies. The multimodal embeddings path accepts
// inline payloads up to 100 MB.
const maxBodyBytes = 100 << 20

// readBody drains the request body under the size cap.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, gwerrors.NewError(http.StatusRequestEntityTooLarge,
				"invalid_request_error", "request body too large", "", "")
		}
		return nil, gwerrors.InvalidRequest("failed to read request body")
	}
	return raw, nil
}

// decodeJSON reads and decodes the body. strict opts the endpoint into
// unknown-field rejection when STRICT_INPUT_VALIDATION is on; the chat route
// never does, since undeclared fields are forwarded to the provider.
func (s *Server) decodeJSON(r *http.Request, v any, strict bool) ([]byte, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict && s.cfg.StrictInputValidation {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return nil, gwerrors.InvalidRequest("invalid request body: " + err.Error())
	}
	return raw, nil
}

// logBodyParams attaches the decoded body to the access log when enabled.
func (s *Server) logBodyParams(w http.ResponseWriter, raw []byte) {
	if !s.cfg.LogRequestParams {
		return
	}
	var params map[string]any
	if json.Unmarshal(raw, &params) == nil {
		setParams(w, params)
	}
}

// writeJSON renders v with the negotiated encoding. Must be the only writer
// of the response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return gwerrors.Internal("failed to encode response")
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if s.cfg.EnableGzip && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		h.Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		gz := gzip.NewWriter(w)
		if _, err := gz.Write(body); err != nil {
			return nil // response already started
		}
		_ = gz.Close()
		return nil
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return nil
}

// writeError renders err as the OpenAI error envelope. When the response
// already started (mid-stream failures) it only records the detail for the
// access log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	ge := gwerrors.Map(err)
	if rw, ok := w.(*responseWriter); ok {
		rw.errorDetail = ge.Detail.Message
		if rw.wrote {
			return
		}
	}
	body, merr := json.Marshal(ge.Envelope())
	if merr != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.Status)
	_, _ = w.Write(body)
}

// observation ties one inference request to its metrics recorder and span.
type observation struct {
	rec  *metrics.Recorder
	span tracing.Span
}

// observe opens the span and recorder for one inference request. The model
// must already be known; call it after the body is parsed.
func (s *Server) observe(ctx context.Context, r *http.Request, operation, model string) (context.Context, *observation) {
	ctx, span := s.tracing.StartRequest(ctx, r.Header, operation, model)
	rec := s.metrics.Start(operation)
	rec.SetModel(model)
	return ctx, &observation{rec: rec, span: span}
}

// tokens records the usage on both the histogram series and the span.
func (o *observation) tokens(ctx context.Context, input, output, total int) {
	o.rec.RecordTokenUsage(ctx, input, output, total)
	o.span.SetUsage(input, output)
}

// finish closes the observation. Call exactly once.
func (o *observation) finish(ctx context.Context, err error) {
	if err != nil {
		o.rec.RecordRequestCompletion(ctx, false)
		o.span.SetHTTPStatus(gwerrors.Map(err).Status)
		o.span.EndError(err)
		return
	}
	o.rec.RecordRequestCompletion(ctx, true)
	o.span.SetHTTPStatus(http.StatusOK)
	o.span.EndOK()
}
