// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/media"
)

// languageSampleLimit caps the text sent to language detection.
const languageSampleLimit = 500

// pcmSampleRate is the raw sample rate requested when transcoding.
const pcmSampleRate = 16000

// fallbackLanguage is used when detection fails or finds no matching voice.
const fallbackLanguage = "en-US"

// voiceGenders steers provider voice selection for the OpenAI voice names.
var voiceGenders = map[string]string{
	"alloy":   "Female",
	"ash":     "Male",
	"ballad":  "Male",
	"coral":   "Female",
	"echo":    "Male",
	"fable":   "Male",
	"onyx":    "Male",
	"nova":    "Female",
	"sage":    "Female",
	"shimmer": "Female",
	"verse":   "Male",
}

// speechFormat describes how one OpenAI response_format is produced.
type speechFormat struct {
	native       pollytypes.OutputFormat // what the provider is asked for
	sourceFormat string                  // transcoder input format, "" when served natively
	target       string                  // transcoder output format
	contentType  string
}

var speechFormats = map[string]speechFormat{
	"mp3":  {native: pollytypes.OutputFormatMp3, contentType: "audio/mpeg"},
	"pcm":  {native: pollytypes.OutputFormatPcm, contentType: "audio/pcm"},
	"wav":  {native: pollytypes.OutputFormatPcm, sourceFormat: "pcm", target: "wav", contentType: "audio/wav"},
	"flac": {native: pollytypes.OutputFormatPcm, sourceFormat: "pcm", target: "flac", contentType: "audio/flac"},
	"aac":  {native: pollytypes.OutputFormatOggVorbis, sourceFormat: "ogg", target: "aac", contentType: "audio/aac"},
	"opus": {native: pollytypes.OutputFormatOggVorbis, sourceFormat: "ogg", target: "opus", contentType: "audio/ogg"},
}

// SpeechAdapter synthesizes text to speech through the managed TTS service.
type SpeechAdapter struct {
	deps     *Deps
	prefixes prefixMatcher

	mu     sync.Mutex
	voices map[pollytypes.Engine][]pollytypes.Voice
}

// NewSpeechAdapter builds the TTS adapter.
func NewSpeechAdapter(deps *Deps) *SpeechAdapter {
	return &SpeechAdapter{
		deps:     deps,
		prefixes: prefixMatcher{"polly."},
		voices:   map[pollytypes.Engine][]pollytypes.Voice{},
	}
}

func (a *SpeechAdapter) Name() string { return "speech" }

func (a *SpeechAdapter) Matches(modelID string) bool { return a.prefixes.match(modelID) }

// ContentType reports the media type the given response_format is served as.
func (a *SpeechAdapter) ContentType(format string) string {
	if f, ok := speechFormats[normalizeSpeechFormat(format)]; ok {
		return f.contentType
	}
	return "audio/mpeg"
}

// Usage reports the character-based accounting for a synthesis request.
func (a *SpeechAdapter) Usage(req *openai.AudioSpeechRequest) *openai.SpeechUsage {
	n := len([]rune(req.Input))
	return &openai.SpeechUsage{InputTokens: n, TotalTokens: n}
}

// Synthesize resolves the voice, runs the provider call and hands audio
// blocks to emit, transcoding when the requested format is not native.
func (a *SpeechAdapter) Synthesize(ctx context.Context, req *openai.AudioSpeechRequest, emit func([]byte) error) error {
	if req.Input == "" {
		return gwerrors.InvalidParam("input", "input must not be empty")
	}
	format, ok := speechFormats[normalizeSpeechFormat(req.ResponseFormat)]
	if !ok {
		return gwerrors.InvalidParam("response_format", fmt.Sprintf("unsupported response_format %q", req.ResponseFormat))
	}
	engine, err := engineForModel(req.Model)
	if err != nil {
		return err
	}
	voice, err := a.resolveVoice(ctx, engine, req.Voice, req.Input)
	if err != nil {
		return err
	}

	in := &polly.SynthesizeSpeechInput{
		Engine:       engine,
		VoiceId:      voice,
		OutputFormat: format.native,
		Text:         aws.String(req.Input),
		TextType:     pollytypes.TextTypeText,
	}
	if format.native == pollytypes.OutputFormatPcm {
		in.SampleRate = aws.String(fmt.Sprint(pcmSampleRate))
	}
	if req.Speed != nil && *req.Speed != 1.0 {
		in.Text = aws.String(fmt.Sprintf(`<speak><prosody rate="%d%%">%s</prosody></speak>`,
			int(*req.Speed*100), html.EscapeString(req.Input)))
		in.TextType = pollytypes.TextTypeSsml
	}

	out, err := a.deps.Polly.SynthesizeSpeech(ctx, in)
	if err != nil {
		return gwerrors.Map(err)
	}
	defer out.AudioStream.Close()

	if format.sourceFormat == "" {
		return copyBlocks(out.AudioStream, emit)
	}
	return media.Transcode(ctx, out.AudioStream, format.sourceFormat, format.target, pcmSampleRate, emit)
}

// resolveVoice maps the requested voice onto a provider voice id. An exact
// provider voice id wins; otherwise the OpenAI name picks a gender and the
// input's detected language narrows the candidates.
func (a *SpeechAdapter) resolveVoice(ctx context.Context, engine pollytypes.Engine, requested, input string) (pollytypes.VoiceId, error) {
	voices, err := a.voiceList(ctx, engine)
	if err != nil {
		return "", err
	}
	for _, v := range voices {
		if strings.EqualFold(string(v.Id), requested) {
			return v.Id, nil
		}
	}

	gender := voiceGenders[strings.ToLower(requested)]
	if gender == "" {
		return "", gwerrors.InvalidParam("voice", fmt.Sprintf("unknown voice %q", requested))
	}
	lang := a.detectLanguage(ctx, input)

	if id, ok := pickVoice(voices, lang, gender); ok {
		return id, nil
	}
	if id, ok := pickVoice(voices, fallbackLanguage, gender); ok {
		return id, nil
	}
	if len(voices) > 0 {
		return voices[0].Id, nil
	}
	return "", fmt.Errorf("no voices available for engine %s", engine)
}

// detectLanguage samples the input and asks the language-detection service.
// Failures fall back to en-US; synthesis should not fail over a hint.
func (a *SpeechAdapter) detectLanguage(ctx context.Context, input string) string {
	sample := input
	if len(sample) > languageSampleLimit {
		sample = sample[:languageSampleLimit]
		if i := strings.LastIndexByte(sample, ' '); i > 0 {
			sample = sample[:i]
		}
	}
	out, err := a.deps.Comprehend.DetectDominantLanguage(ctx, &comprehend.DetectDominantLanguageInput{
		Text: aws.String(sample),
	})
	if err != nil || len(out.Languages) == 0 {
		return fallbackLanguage
	}
	return aws.ToString(out.Languages[0].LanguageCode)
}

func (a *SpeechAdapter) voiceList(ctx context.Context, engine pollytypes.Engine) ([]pollytypes.Voice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cached, ok := a.voices[engine]; ok {
		return cached, nil
	}
	out, err := a.deps.Polly.DescribeVoices(ctx, &polly.DescribeVoicesInput{Engine: engine})
	if err != nil {
		return nil, gwerrors.Map(err)
	}
	a.voices[engine] = out.Voices
	return out.Voices, nil
}

// pickVoice matches a bare language code ("en") against region-qualified
// voice languages ("en-US") and prefers the requested gender.
func pickVoice(voices []pollytypes.Voice, lang, gender string) (pollytypes.VoiceId, bool) {
	var languageOnly pollytypes.VoiceId
	for _, v := range voices {
		code := string(v.LanguageCode)
		if !strings.EqualFold(code, lang) && !strings.HasPrefix(strings.ToLower(code), strings.ToLower(lang)+"-") {
			continue
		}
		if strings.EqualFold(string(v.Gender), gender) {
			return v.Id, true
		}
		if languageOnly == "" {
			languageOnly = v.Id
		}
	}
	return languageOnly, languageOnly != ""
}

func engineForModel(modelID string) (pollytypes.Engine, error) {
	name := strings.TrimPrefix(modelID, "polly.")
	switch name {
	case "standard", "neural", "generative", "long-form":
		return pollytypes.Engine(name), nil
	}
	return "", gwerrors.ModelNotFound(modelID)
}

func normalizeSpeechFormat(format string) string {
	if format == "" {
		return "mp3"
	}
	return strings.ToLower(format)
}

func copyBlocks(src io.Reader, emit func([]byte) error) error {
	buf := make([]byte, 64<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if eerr := emit(buf[:n]); eerr != nil {
				return eerr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
