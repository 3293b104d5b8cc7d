// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package openai

// AudioSpeechRequest is the request body of POST /audio/speech.
type AudioSpeechRequest struct {
	Model          string   `json:"model,omitempty"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
	StreamFormat   string   `json:"stream_format,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
}

// Speech SSE event types emitted when stream_format=sse.
const (
	SpeechEventDelta = "speech.audio.delta"
	SpeechEventDone  = "speech.audio.done"
)

// SpeechStreamEvent is one SSE payload of a streaming speech synthesis.
type SpeechStreamEvent struct {
	Type  string       `json:"type"`
	Audio string       `json:"audio,omitempty"`
	Usage *SpeechUsage `json:"usage,omitempty"`
}

// SpeechUsage counts synthesized input characters.
type SpeechUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// TranscriptionRequest carries the parsed multipart form of POST
// /audio/transcriptions and /audio/translations. The audio body is handled
// separately by the route layer.
type TranscriptionRequest struct {
	Model                  string
	Language               string
	Prompt                 string
	ResponseFormat         string
	Temperature            *float64
	TimestampGranularities []string
	Stream                 bool
	Filename               string
}

// TranscriptionResponse is the default JSON response of /audio/transcriptions.
type TranscriptionResponse struct {
	Text  string              `json:"text"`
	Usage *TranscriptionUsage `json:"usage,omitempty"`
}

// TranscriptionUsage reports billed audio duration.
type TranscriptionUsage struct {
	Type    string  `json:"type"`
	Seconds float64 `json:"seconds"`
}

// VerboseTranscriptionResponse is the verbose_json response shape.
type VerboseTranscriptionResponse struct {
	Task     string                 `json:"task"`
	Language string                 `json:"language"`
	Duration float64                `json:"duration"`
	Text     string                 `json:"text"`
	Segments []TranscriptionSegment `json:"segments,omitempty"`
	Words    []TranscriptionWord    `json:"words,omitempty"`
	Usage    *TranscriptionUsage    `json:"usage,omitempty"`
}

// TranscriptionSegment mirrors the whisper segment shape. The log-probability
// fields are stubs: the provider does not report them.
type TranscriptionSegment struct {
	ID               int     `json:"id"`
	Seek             int     `json:"seek"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens"`
	Temperature      float64 `json:"temperature"`
	AvgLogprob       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
}

// TranscriptionWord is one word-level timing entry.
type TranscriptionWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcript SSE event types emitted when stream=true.
const (
	TranscriptEventDelta = "transcript.text.delta"
	TranscriptEventDone  = "transcript.text.done"
)

// TranscriptStreamEvent is one SSE payload of a streaming transcription.
type TranscriptStreamEvent struct {
	Type  string              `json:"type"`
	Delta string              `json:"delta,omitempty"`
	Text  string              `json:"text,omitempty"`
	Usage *TranscriptionUsage `json:"usage,omitempty"`
}
