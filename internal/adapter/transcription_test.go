// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	trtypes "github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

const sampleTranscript = `{
  "results": {
    "transcripts": [{"transcript": "hola mundo que tal"}],
    "items": [
      {"type": "pronunciation", "start_time": "0.0", "end_time": "0.8", "alternatives": [{"content": "hola"}]},
      {"type": "pronunciation", "start_time": "0.9", "end_time": "1.6", "alternatives": [{"content": "mundo"}]},
      {"type": "punctuation", "alternatives": [{"content": ","}]},
      {"type": "pronunciation", "start_time": "1.7", "end_time": "3.2", "alternatives": [{"content": "que"}]}
    ],
    "audio_segments": [
      {"id": 0, "transcript": "hola mundo", "start_time": "0.0", "end_time": "1.6"},
      {"id": 1, "transcript": "que tal", "start_time": "1.7", "end_time": "3.2"}
    ]
  }
}`

func transcriptionAdapterWith(t *testing.T, tr *fakeTranscribe, tl *fakeTranslate) (*TranscriptionAdapter, *memS3) {
	t.Helper()
	orig := jobPollInterval
	jobPollInterval = time.Millisecond
	t.Cleanup(func() { jobPollInterval = orig })

	deps, store, _ := testDeps(t, "media")
	tr.store = store
	deps.Transcribe = tr
	deps.Translate = tl
	return NewTranscriptionAdapter(deps), store
}

func TestTranscriptionMatches(t *testing.T) {
	a := NewTranscriptionAdapter(&Deps{})
	require.True(t, a.Matches("transcribe.standard"))
	require.True(t, a.Matches("whisper-1"))
	require.False(t, a.Matches("polly.neural"))
}

func TestTranscribeJSON(t *testing.T) {
	tr := &fakeTranscribe{outputJSON: sampleTranscript, language: "es-ES"}
	a, _ := transcriptionAdapterWith(t, tr, nil)

	res, err := a.Transcribe(context.Background(), "req1", []byte("audio"), &openai.TranscriptionRequest{
		Model:    "whisper-1",
		Filename: "clip.mp3",
		Language: "es",
	}, false)
	require.NoError(t, err)
	require.Equal(t, "hola mundo que tal", res.Text)
	require.Equal(t, "application/json", res.ContentType)

	body, ok := res.JSON.(*openai.TranscriptionResponse)
	require.True(t, ok)
	require.Equal(t, "hola mundo que tal", body.Text)
	// 3.2s of audio bills at the 15s floor.
	require.Equal(t, float64(15), body.Usage.Seconds)

	require.Len(t, tr.started, 1)
	require.Equal(t, trtypes.LanguageCode("es-US"), tr.started[0].LanguageCode)
	require.Equal(t, trtypes.MediaFormat("mp3"), tr.started[0].MediaFormat)
	require.Equal(t, "s3://media/gw/req1/input.mp3", aws.ToString(tr.started[0].Media.MediaFileUri))
	require.GreaterOrEqual(t, tr.polls, 2)
}

func TestTranscribeVerboseJSON(t *testing.T) {
	tr := &fakeTranscribe{outputJSON: sampleTranscript, language: "en-US"}
	a, _ := transcriptionAdapterWith(t, tr, nil)

	res, err := a.Transcribe(context.Background(), "req1", []byte("audio"), &openai.TranscriptionRequest{
		Model:                  "whisper-1",
		Filename:               "clip.wav",
		ResponseFormat:         "verbose_json",
		TimestampGranularities: []string{"segment", "word"},
	}, false)
	require.NoError(t, err)

	v, ok := res.JSON.(*openai.VerboseTranscriptionResponse)
	require.True(t, ok)
	require.Equal(t, "transcribe", v.Task)
	require.InDelta(t, 3.2, v.Duration, 0.001)
	require.Len(t, v.Segments, 2)
	require.Equal(t, "hola mundo", v.Segments[0].Text)
	require.Zero(t, v.Segments[0].AvgLogprob)
	require.InDelta(t, 1.7, v.Segments[1].Start, 0.001)
	require.Len(t, v.Words, 3) // punctuation items carry no timing
	require.Equal(t, "mundo", v.Words[1].Word)
}

func TestTranscribeLanguageIdentification(t *testing.T) {
	tr := &fakeTranscribe{outputJSON: sampleTranscript, language: "es-ES"}
	a, _ := transcriptionAdapterWith(t, tr, nil)

	_, err := a.Transcribe(context.Background(), "req1", []byte("audio"), &openai.TranscriptionRequest{
		Model:    "whisper-1",
		Filename: "clip.mp3",
	}, false)
	require.NoError(t, err)
	require.True(t, aws.ToBool(tr.started[0].IdentifyLanguage))
	require.Empty(t, tr.started[0].LanguageCode)
}

func TestTranscribeFailureMapsTo400(t *testing.T) {
	tr := &fakeTranscribe{outputJSON: sampleTranscript, failWith: "unsupported codec"}
	a, _ := transcriptionAdapterWith(t, tr, nil)

	_, err := a.Transcribe(context.Background(), "req1", []byte("audio"), &openai.TranscriptionRequest{
		Model:    "whisper-1",
		Filename: "clip.mp3",
	}, false)
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, 400, ge.Status)
	require.Contains(t, ge.Detail.Message, "unsupported codec")
}

func TestTranscribeSubtitles(t *testing.T) {
	srt := "1\n00:00:00,000 --> 00:00:01,600\nhola mundo\n\n2\n00:00:01,700 --> 00:00:03,200\nque tal\n"
	tr := &fakeTranscribe{
		outputJSON: sampleTranscript,
		language:   "es-ES",
		subtitles:  map[string]string{"srt": srt},
	}
	a, _ := transcriptionAdapterWith(t, tr, nil)

	res, err := a.Transcribe(context.Background(), "req1", []byte("audio"), &openai.TranscriptionRequest{
		Model:          "whisper-1",
		Filename:       "clip.mp3",
		Language:       "es",
		ResponseFormat: "srt",
	}, false)
	require.NoError(t, err)
	require.Equal(t, srt, string(res.Body))
	require.Equal(t, "application/x-subrip", res.ContentType)
	require.Equal(t, "output.srt", res.Filename)
	require.NotNil(t, tr.started[0].Subtitles)
	require.Equal(t, []trtypes.SubtitleFormat{"srt"}, tr.started[0].Subtitles.Formats)
}

func TestTranslationRewritesText(t *testing.T) {
	tr := &fakeTranscribe{outputJSON: sampleTranscript, language: "es-ES"}
	tl := &fakeTranslate{fn: func(s string) string { return "EN:" + s }}
	a, _ := transcriptionAdapterWith(t, tr, tl)

	res, err := a.Transcribe(context.Background(), "req1", []byte("audio"), &openai.TranscriptionRequest{
		Model:    "whisper-1",
		Filename: "clip.mp3",
	}, true)
	require.NoError(t, err)
	require.Equal(t, "EN:hola mundo que tal", res.Text)
	require.Equal(t, "EN:hola mundo", res.Segments[0].Text)
	// Translation always identifies the source language itself.
	require.True(t, aws.ToBool(tr.started[0].IdentifyLanguage))
}

func TestTranslationEnglishPassthrough(t *testing.T) {
	tr := &fakeTranscribe{outputJSON: sampleTranscript, language: "en-US"}
	tl := &fakeTranslate{fn: func(s string) string { return "EN:" + s }}
	a, _ := transcriptionAdapterWith(t, tr, tl)

	res, err := a.Transcribe(context.Background(), "req1", []byte("audio"), &openai.TranscriptionRequest{
		Model:    "whisper-1",
		Filename: "clip.mp3",
	}, true)
	require.NoError(t, err)
	require.Equal(t, "hola mundo que tal", res.Text)
	require.Zero(t, tl.calls)
}

func TestTranslationSubtitleRoundTrip(t *testing.T) {
	srt := "1\n00:00:00,000 --> 00:00:01,600\nhola mundo\n\n2\n00:00:01,700 --> 00:00:03,200\nque tal\n"
	tr := &fakeTranscribe{
		outputJSON: sampleTranscript,
		language:   "es-ES",
		subtitles:  map[string]string{"srt": srt},
	}
	tl := &fakeTranslate{fn: func(s string) string {
		// The span wrapper must survive translation for splicing to work.
		s = strings.ReplaceAll(s, "hola mundo", "hello world")
		return strings.ReplaceAll(s, "que tal", "how are you")
	}}
	a, _ := transcriptionAdapterWith(t, tr, tl)

	res, err := a.Transcribe(context.Background(), "req1", []byte("audio"), &openai.TranscriptionRequest{
		Model:          "whisper-1",
		Filename:       "clip.mp3",
		ResponseFormat: "srt",
	}, true)
	require.NoError(t, err)
	body := string(res.Body)
	require.Contains(t, body, "hello world")
	require.Contains(t, body, "how are you")
	require.Contains(t, body, "00:00:01,700 --> 00:00:03,200")
	require.NotContains(t, body, "<span")
	require.NotContains(t, body, "hola")
}

func TestTranscribeLanguageMapping(t *testing.T) {
	code, err := transcribeLanguage("ja")
	require.NoError(t, err)
	require.Equal(t, "ja-JP", code)

	code, err = transcribeLanguage("fr-CA")
	require.NoError(t, err)
	require.Equal(t, "fr-CA", code)

	_, err = transcribeLanguage("xx")
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, "language", *ge.Detail.Param)
}

func TestIsSubtitleText(t *testing.T) {
	lines := strings.Split("1\n00:00:00,000 --> 00:00:01,600\nhola mundo\n", "\n")
	require.False(t, isSubtitleText(lines, 0, "srt"))
	require.False(t, isSubtitleText(lines, 1, "srt"))
	require.True(t, isSubtitleText(lines, 2, "srt"))

	vtt := strings.Split("WEBVTT\n\n00:00.000 --> 00:01.600\nhola\n", "\n")
	require.False(t, isSubtitleText(vtt, 0, "vtt"))
	require.True(t, isSubtitleText(vtt, 3, "vtt"))
}
