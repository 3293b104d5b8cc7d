// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	trtypes "github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/aws/aws-sdk-go-v2/service/translate"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

// jobPollInterval is how often a transcription job is polled. Overridable in
// tests.
var jobPollInterval = 500 * time.Millisecond

// minBilledSeconds is the provider's billing floor for audio duration.
const minBilledSeconds = 15

// transcribeLanguages maps the two-letter language hints clients send onto
// the provider's region-qualified codes.
var transcribeLanguages = map[string]string{
	"ar": "ar-SA", "de": "de-DE", "en": "en-US", "es": "es-US",
	"fr": "fr-FR", "hi": "hi-IN", "it": "it-IT", "ja": "ja-JP",
	"ko": "ko-KR", "nl": "nl-NL", "pt": "pt-BR", "ru": "ru-RU",
	"zh": "zh-CN",
}

// mediaFormats are the container formats the provider accepts, keyed by file
// extension.
var transcribeMediaFormats = map[string]trtypes.MediaFormat{
	".amr": "amr", ".flac": "flac", ".m4a": "m4a", ".mp3": "mp3",
	".mp4": "mp4", ".ogg": "ogg", ".wav": "wav", ".webm": "webm",
}

// TranscriptionResult is the adapter's fully-shaped answer; the route layer
// picks body vs JSON based on Format.
type TranscriptionResult struct {
	Format      string
	ContentType string
	Filename    string
	Body        []byte
	JSON        any
	Text        string
	Segments    []openai.TranscriptionSegment
	Usage       openai.TranscriptionUsage
}

// TranscriptionAdapter runs speech-to-text jobs; with translation enabled it
// also rewrites the recognized text into English.
type TranscriptionAdapter struct {
	deps     *Deps
	prefixes prefixMatcher
}

// NewTranscriptionAdapter builds the STT adapter.
func NewTranscriptionAdapter(deps *Deps) *TranscriptionAdapter {
	return &TranscriptionAdapter{
		deps:     deps,
		prefixes: prefixMatcher{"transcribe.", "whisper-"},
	}
}

func (a *TranscriptionAdapter) Name() string { return "transcription" }

func (a *TranscriptionAdapter) Matches(modelID string) bool { return a.prefixes.match(modelID) }

// transcribeOutput is the provider's job output document.
type transcribeOutput struct {
	Results struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
		Items []struct {
			Type         string `json:"type"`
			StartTime    string `json:"start_time"`
			EndTime      string `json:"end_time"`
			Alternatives []struct {
				Content string `json:"content"`
			} `json:"alternatives"`
		} `json:"items"`
		AudioSegments []struct {
			ID         int    `json:"id"`
			Transcript string `json:"transcript"`
			StartTime  string `json:"start_time"`
			EndTime    string `json:"end_time"`
		} `json:"audio_segments"`
	} `json:"results"`
}

// Transcribe stages the audio, runs a provider job to completion and shapes
// the response. With translate set, recognized text is rewritten in English.
func (a *TranscriptionAdapter) Transcribe(ctx context.Context, requestID string, audio []byte, req *openai.TranscriptionRequest, doTranslate bool) (*TranscriptionResult, error) {
	region := a.deps.Cfg.PrimaryRegion()
	bucket := a.deps.Cfg.BucketForRegion(region)
	if bucket == "" {
		return nil, gwerrors.InvalidRequest("audio transcription requires an S3 bucket; set AWS_S3_BUCKET")
	}
	format := normalizeTranscriptFormat(req.ResponseFormat)
	subtitle := format == "srt" || format == "vtt"

	prefix := a.deps.Cfg.S3KeyPrefix + requestID
	inputKey := prefix + "/input" + strings.ToLower(path.Ext(req.Filename))
	store := a.deps.S3(region)
	if _, err := store.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(inputKey),
		Body:   bytes.NewReader(audio),
	}); err != nil {
		return nil, fmt.Errorf("staging audio: %w", err)
	}
	// Deferred so the staged objects survive until the job output is read.
	defer a.deps.Queue.Enqueue(requestID, "s3_cleanup", func(ctx context.Context) error {
		return a.deps.Runner.CleanupPrefix(ctx, region, bucket, prefix)
	})

	start := &transcribe.StartTranscriptionJobInput{
		TranscriptionJobName: aws.String(requestID),
		Media:                &trtypes.Media{MediaFileUri: aws.String("s3://" + bucket + "/" + inputKey)},
		OutputBucketName:     aws.String(bucket),
		OutputKey:            aws.String(prefix + "/output.json"),
	}
	if mf, ok := transcribeMediaFormats[strings.ToLower(path.Ext(req.Filename))]; ok {
		start.MediaFormat = mf
	}
	switch {
	case doTranslate || req.Language == "":
		start.IdentifyLanguage = aws.Bool(true)
	default:
		code, err := transcribeLanguage(req.Language)
		if err != nil {
			return nil, err
		}
		start.LanguageCode = trtypes.LanguageCode(code)
	}
	if subtitle {
		start.Subtitles = &trtypes.Subtitles{
			Formats:          []trtypes.SubtitleFormat{trtypes.SubtitleFormat(format)},
			OutputStartIndex: aws.Int32(1),
		}
	}

	if _, err := a.deps.Transcribe.StartTranscriptionJob(ctx, start); err != nil {
		return nil, gwerrors.Map(err)
	}
	defer a.deps.Queue.Enqueue(requestID, "transcribe_cleanup", func(ctx context.Context) error {
		_, err := a.deps.Transcribe.DeleteTranscriptionJob(ctx, &transcribe.DeleteTranscriptionJobInput{
			TranscriptionJobName: aws.String(requestID),
		})
		return err
	})

	job, err := a.waitForJob(ctx, requestID)
	if err != nil {
		return nil, err
	}

	raw, err := a.fetchRaw(ctx, store, bucket, prefix+"/output.json")
	if err != nil {
		return nil, err
	}
	var out transcribeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing transcription output: %w", err)
	}

	result := shapeTranscription(&out, format, req)
	if doTranslate {
		if err := a.translateResult(ctx, result, string(job.LanguageCode)); err != nil {
			return nil, err
		}
	}
	if subtitle {
		raw, err := a.fetchRaw(ctx, store, bucket, prefix+"/output."+format)
		if err != nil {
			return nil, err
		}
		if doTranslate && !strings.HasPrefix(string(job.LanguageCode), "en") {
			if raw, err = a.translateSubtitles(ctx, raw, format); err != nil {
				return nil, err
			}
		}
		result.Body = raw
		result.Filename = "output." + format
		result.ContentType = "application/x-subrip"
		if format == "vtt" {
			result.ContentType = "text/vtt"
		}
	}
	return result, nil
}

func (a *TranscriptionAdapter) waitForJob(ctx context.Context, name string) (*trtypes.TranscriptionJob, error) {
	for {
		out, err := a.deps.Transcribe.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{
			TranscriptionJobName: aws.String(name),
		})
		if err != nil {
			return nil, gwerrors.Map(err)
		}
		job := out.TranscriptionJob
		switch job.TranscriptionJobStatus {
		case trtypes.TranscriptionJobStatusCompleted:
			return job, nil
		case trtypes.TranscriptionJobStatusFailed:
			return nil, gwerrors.InvalidRequest(aws.ToString(job.FailureReason))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jobPollInterval):
		}
	}
}

func (a *TranscriptionAdapter) fetchRaw(ctx context.Context, store interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}, bucket, key string) ([]byte, error) {
	out, err := store.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// shapeTranscription builds the per-format result from the provider output.
func shapeTranscription(out *transcribeOutput, format string, req *openai.TranscriptionRequest) *TranscriptionResult {
	text := ""
	if len(out.Results.Transcripts) > 0 {
		text = out.Results.Transcripts[0].Transcript
	}
	duration := 0.0
	for _, item := range out.Results.Items {
		if end := parseSeconds(item.EndTime); end > duration {
			duration = end
		}
	}
	usage := openai.TranscriptionUsage{
		Type:    "duration",
		Seconds: math.Max(minBilledSeconds, math.Ceil(duration)),
	}

	segments := make([]openai.TranscriptionSegment, 0, len(out.Results.AudioSegments))
	for _, s := range out.Results.AudioSegments {
		segments = append(segments, openai.TranscriptionSegment{
			ID:    s.ID,
			Start: parseSeconds(s.StartTime),
			End:   parseSeconds(s.EndTime),
			Text:  s.Transcript,
		})
	}
	if len(segments) == 0 && text != "" {
		segments = append(segments, openai.TranscriptionSegment{End: duration, Text: text})
	}

	r := &TranscriptionResult{
		Format:      format,
		ContentType: "application/json",
		Text:        text,
		Segments:    segments,
		Usage:       usage,
	}
	switch format {
	case "text":
		r.ContentType = "text/plain"
		r.Body = []byte(text)
	case "json":
		r.JSON = &openai.TranscriptionResponse{Text: text, Usage: &usage}
	case "verbose_json":
		verbose := &openai.VerboseTranscriptionResponse{
			Task:     "transcribe",
			Duration: duration,
			Text:     text,
			Usage:    &usage,
		}
		if wantsGranularity(req.TimestampGranularities, "segment") {
			verbose.Segments = segments
		}
		if wantsGranularity(req.TimestampGranularities, "word") {
			for _, item := range out.Results.Items {
				if item.Type != "pronunciation" || len(item.Alternatives) == 0 {
					continue
				}
				verbose.Words = append(verbose.Words, openai.TranscriptionWord{
					Word:  item.Alternatives[0].Content,
					Start: parseSeconds(item.StartTime),
					End:   parseSeconds(item.EndTime),
				})
			}
		}
		r.JSON = verbose
	}
	return r
}

// translateResult rewrites the plain-text shapes into English. English input
// passes through unchanged.
func (a *TranscriptionAdapter) translateResult(ctx context.Context, r *TranscriptionResult, sourceLang string) error {
	if strings.HasPrefix(strings.ToLower(sourceLang), "en") {
		return nil
	}
	translated, err := a.translateText(ctx, r.Text)
	if err != nil {
		return err
	}
	r.Text = translated
	for i := range r.Segments {
		if r.Segments[i].Text, err = a.translateText(ctx, r.Segments[i].Text); err != nil {
			return err
		}
	}
	switch v := r.JSON.(type) {
	case *openai.TranscriptionResponse:
		v.Text = translated
	case *openai.VerboseTranscriptionResponse:
		v.Task = "translate"
		v.Text = translated
		for i := range v.Segments {
			v.Segments[i].Text = r.Segments[i].Text
		}
	}
	if r.Format == "text" {
		r.Body = []byte(translated)
	}
	return nil
}

func (a *TranscriptionAdapter) translateText(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	out, err := a.deps.Translate.TranslateText(ctx, &translate.TranslateTextInput{
		SourceLanguageCode: aws.String("auto"),
		TargetLanguageCode: aws.String("en"),
		Text:               aws.String(text),
	})
	if err != nil {
		return "", gwerrors.Map(err)
	}
	return aws.ToString(out.TranslatedText), nil
}

var subtitleSpanRE = regexp.MustCompile(`(?s)<span id="seg(\d+)">(.*?)</span>`)

// translateSubtitles translates a subtitle file in a single provider call:
// cue texts are wrapped in id-tagged spans inside one HTML document so the
// translation keeps segment boundaries, then spliced back over the original
// timing lines.
func (a *TranscriptionAdapter) translateSubtitles(ctx context.Context, raw []byte, format string) ([]byte, error) {
	lines := strings.Split(string(raw), "\n")
	textLines := make([]int, 0, len(lines))
	for i := range lines {
		if isSubtitleText(lines, i, format) {
			textLines = append(textLines, i)
		}
	}
	if len(textLines) == 0 {
		return raw, nil
	}

	var doc strings.Builder
	for n, i := range textLines {
		fmt.Fprintf(&doc, "<span id=\"seg%d\">%s</span>\n", n, strings.TrimRight(lines[i], "\r"))
	}
	translated, err := a.translateText(ctx, doc.String())
	if err != nil {
		return nil, err
	}

	bySeg := map[int]string{}
	for _, m := range subtitleSpanRE.FindAllStringSubmatch(translated, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		bySeg[n] = strings.TrimSpace(m[2])
	}
	for n, i := range textLines {
		if t, ok := bySeg[n]; ok {
			lines[i] = t
		}
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// isSubtitleText reports whether lines[i] is cue text rather than numbering,
// timing, headers, or blank separators.
func isSubtitleText(lines []string, i int, format string) bool {
	line := strings.TrimSpace(lines[i])
	if line == "" || strings.Contains(line, "-->") {
		return false
	}
	if format == "vtt" && (strings.HasPrefix(line, "WEBVTT") || strings.HasPrefix(line, "NOTE")) {
		return false
	}
	// A bare number directly above a timing line is a cue index.
	if _, err := strconv.Atoi(line); err == nil {
		if i+1 < len(lines) && strings.Contains(lines[i+1], "-->") {
			return false
		}
	}
	return true
}

func wantsGranularity(granularities []string, want string) bool {
	if len(granularities) == 0 {
		return want == "segment"
	}
	for _, g := range granularities {
		if g == want {
			return true
		}
	}
	return false
}

func transcribeLanguage(hint string) (string, error) {
	if strings.Contains(hint, "-") {
		return hint, nil
	}
	if code, ok := transcribeLanguages[strings.ToLower(hint)]; ok {
		return code, nil
	}
	return "", gwerrors.InvalidParam("language", fmt.Sprintf("unsupported language %q", hint))
}

func normalizeTranscriptFormat(format string) string {
	if format == "" {
		return "json"
	}
	return strings.ToLower(format)
}

func parseSeconds(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
