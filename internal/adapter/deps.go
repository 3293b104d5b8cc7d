// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"fmt"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/translate"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aws-samples/bedrock-access-gateway/internal/asyncjob"
	"github.com/aws-samples/bedrock-access-gateway/internal/config"
	"github.com/aws-samples/bedrock-access-gateway/internal/media"
)

// InvokeAPI is the unary model-invocation slice of the inference client.
type InvokeAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// PresignAPI mints presigned download URLs for generated media.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// PollyAPI is the speech-synthesis slice used by the speech adapter.
type PollyAPI interface {
	SynthesizeSpeech(ctx context.Context, in *polly.SynthesizeSpeechInput, opts ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
	DescribeVoices(ctx context.Context, in *polly.DescribeVoicesInput, opts ...func(*polly.Options)) (*polly.DescribeVoicesOutput, error)
}

// TranscribeAPI is the speech-to-text slice used by the transcription
// adapters.
type TranscribeAPI interface {
	StartTranscriptionJob(ctx context.Context, in *transcribe.StartTranscriptionJobInput, opts ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error)
	GetTranscriptionJob(ctx context.Context, in *transcribe.GetTranscriptionJobInput, opts ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error)
	DeleteTranscriptionJob(ctx context.Context, in *transcribe.DeleteTranscriptionJobInput, opts ...func(*transcribe.Options)) (*transcribe.DeleteTranscriptionJobOutput, error)
}

// TranslateAPI is the text-translation slice used by the audio-translation
// adapter.
type TranslateAPI interface {
	TranslateText(ctx context.Context, in *translate.TranslateTextInput, opts ...func(*translate.Options)) (*translate.TranslateTextOutput, error)
}

// ComprehendAPI detects the dominant language of a TTS input sample.
type ComprehendAPI interface {
	DetectDominantLanguage(ctx context.Context, in *comprehend.DetectDominantLanguageInput, opts ...func(*comprehend.Options)) (*comprehend.DetectDominantLanguageOutput, error)
}

// Deps bundles everything the adapters share.
type Deps struct {
	Cfg        *config.Settings
	Runner     *asyncjob.Runner
	Queue      *asyncjob.Queue
	Invoke     func(region string) InvokeAPI
	S3         func(region string) asyncjob.S3API
	Presign    PresignAPI
	Polly      PollyAPI
	Transcribe TranscribeAPI
	Translate  TranslateAPI
	Comprehend ComprehendAPI
	Fetcher    *media.Fetcher
}

// applyDefaults overlays the configured per-model default parameters onto a
// marshaled invocation body. Fields already present in the body win; defaults
// only fill keys the request left unset.
func (d *Deps) applyDefaults(modelID string, body []byte) ([]byte, error) {
	for k, v := range d.Cfg.DefaultModelParams[modelID] {
		if v == nil || gjson.GetBytes(body, k).Exists() {
			continue
		}
		patched, err := sjson.SetBytes(body, k, v)
		if err != nil {
			return nil, fmt.Errorf("applying default %q for %s: %w", k, modelID, err)
		}
		body = patched
	}
	return body, nil
}
