// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws-samples/bedrock-access-gateway/internal/adapter"
	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/metrics"
	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
	"github.com/aws-samples/bedrock-access-gateway/internal/streaming"
)

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) error {
	rc := requestctx.FromContext(r.Context())

	var req openai.AudioSpeechRequest
	raw, err := s.decodeJSON(r, &req, true)
	if err != nil {
		return err
	}
	s.logBodyParams(w, raw)
	if req.Model == "" {
		req.Model = s.cfg.DefaultTTSModel
	}
	rc.ModelID = req.Model
	if !s.speech.Matches(req.Model) {
		return gwerrors.ModelNotFound(req.Model)
	}

	usage := s.speech.Usage(&req)
	ctx, ob := s.observe(r.Context(), r, metrics.OperationSpeech, req.Model)
	ob.tokens(ctx, usage.InputTokens, usage.OutputTokens, usage.TotalTokens)

	if req.StreamFormat == "sse" {
		rc.Streaming = true
		sse := streaming.NewSSEWriter(w)
		err = s.speech.Synthesize(ctx, &req, func(b []byte) error {
			return sse.Send(openai.SpeechStreamEvent{
				Type:  openai.SpeechEventDelta,
				Audio: base64.StdEncoding.EncodeToString(b),
			})
		})
		if err == nil {
			err = sse.Send(openai.SpeechStreamEvent{Type: openai.SpeechEventDone, Usage: usage})
		}
		ob.finish(ctx, err)
		return err
	}

	// Binary body, written in chunks as synthesis progresses.
	w.Header().Set("Content-Type", s.speech.ContentType(req.ResponseFormat))
	flusher, _ := w.(http.Flusher)
	err = s.speech.Synthesize(ctx, &req, func(b []byte) error {
		if _, werr := w.Write(b); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	ob.finish(ctx, err)
	return err
}

// maxUploadBytes caps transcription uploads at the provider's media limit.
const maxUploadBytes = 100 << 20

// parseTranscriptionForm decodes the multipart form shared by the
// transcription and translation routes.
func parseTranscriptionForm(r *http.Request) ([]byte, *openai.TranscriptionRequest, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, gwerrors.InvalidRequest("invalid multipart form: " + err.Error())
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, gwerrors.InvalidParam("file", "file is required")
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, gwerrors.InvalidRequest("failed to read uploaded file")
	}

	req := &openai.TranscriptionRequest{
		Model:          r.FormValue("model"),
		Language:       r.FormValue("language"),
		Prompt:         r.FormValue("prompt"),
		ResponseFormat: r.FormValue("response_format"),
		Stream:         r.FormValue("stream") == "true",
		Filename:       header.Filename,
	}
	if v := r.FormValue("temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, gwerrors.InvalidParam("temperature", "temperature must be a number")
		}
		req.Temperature = &t
	}
	granularities := r.Form["timestamp_granularities[]"]
	if len(granularities) == 0 {
		granularities = r.Form["timestamp_granularities"]
	}
	req.TimestampGranularities = granularities
	return audio, req, nil
}

func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) error {
	return s.runTranscription(w, r, false)
}

func (s *Server) handleTranslations(w http.ResponseWriter, r *http.Request) error {
	return s.runTranscription(w, r, true)
}

func (s *Server) runTranscription(w http.ResponseWriter, r *http.Request, doTranslate bool) error {
	rc := requestctx.FromContext(r.Context())

	audio, req, err := parseTranscriptionForm(r)
	if err != nil {
		return err
	}
	rc.ModelID = req.Model
	if req.Model == "" {
		return gwerrors.InvalidParam("model", "model is required")
	}
	a, err := s.registry.Resolve(req.Model)
	if err != nil {
		return err
	}
	if _, ok := a.(*adapter.TranscriptionAdapter); !ok {
		return gwerrors.ModelNotFound(req.Model)
	}

	ctx, ob := s.observe(r.Context(), r, metrics.OperationTranscription, req.Model)
	result, err := s.transcription.Transcribe(ctx, rc.ID, audio, req, doTranslate)
	ob.finish(ctx, err)
	if err != nil {
		return err
	}

	if req.Stream {
		rc.Streaming = true
		return s.streamTranscript(w, result)
	}
	if result.JSON != nil {
		return s.writeJSON(w, r, http.StatusOK, result.JSON)
	}
	w.Header().Set("Content-Type", result.ContentType)
	if result.Filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	}
	_, werr := w.Write(result.Body)
	return werr
}

// streamTranscript emits the finished transcript as SSE deltas, one per
// recognized segment, then the terminal done event with usage.
func (s *Server) streamTranscript(w http.ResponseWriter, result *adapter.TranscriptionResult) error {
	sse := streaming.NewSSEWriter(w)
	if len(result.Segments) > 0 {
		for _, seg := range result.Segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			if err := sse.Send(openai.TranscriptStreamEvent{
				Type:  openai.TranscriptEventDelta,
				Delta: text,
			}); err != nil {
				return nil
			}
		}
	} else if result.Text != "" {
		if err := sse.Send(openai.TranscriptStreamEvent{
			Type:  openai.TranscriptEventDelta,
			Delta: result.Text,
		}); err != nil {
			return nil
		}
	}
	usage := result.Usage
	return sse.Send(openai.TranscriptStreamEvent{
		Type:  openai.TranscriptEventDone,
		Text:  result.Text,
		Usage: &usage,
	})
}
