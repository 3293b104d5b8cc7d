// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	comprehendtypes "github.com/aws/aws-sdk-go-v2/service/comprehend/types"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	trtypes "github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/aws/aws-sdk-go-v2/service/translate"

	"github.com/aws-samples/bedrock-access-gateway/internal/asyncjob"
	"github.com/aws-samples/bedrock-access-gateway/internal/config"
	"github.com/aws-samples/bedrock-access-gateway/internal/eventlog"
)

// fakeInvoke answers InvokeModel from a caller-supplied function and records
// every request.
type fakeInvoke struct {
	fn func(in *bedrockruntime.InvokeModelInput) ([]byte, error)

	mu    sync.Mutex
	calls []*bedrockruntime.InvokeModelInput
}

func (f *fakeInvoke) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	body, err := f.fn(in)
	if err != nil {
		return nil, err
	}
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

// memS3 is an in-memory object store shared by the adapter tests.
type memS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func newMemS3() *memS3 { return &memS3{objects: map[string]string{}} }

func (m *memS3) put(key, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var contents []s3types.Object
	for key := range m.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			contents = append(contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (m *memS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// fakeAsyncRuntime completes immediately and points the job output at outputURI.
type fakeAsyncRuntime struct {
	outputURI string
}

func (f *fakeAsyncRuntime) StartAsyncInvoke(context.Context, *bedrockruntime.StartAsyncInvokeInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.StartAsyncInvokeOutput, error) {
	return &bedrockruntime.StartAsyncInvokeOutput{InvocationArn: aws.String("arn:job")}, nil
}

func (f *fakeAsyncRuntime) GetAsyncInvoke(context.Context, *bedrockruntime.GetAsyncInvokeInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.GetAsyncInvokeOutput, error) {
	return &bedrockruntime.GetAsyncInvokeOutput{
		Status: brtypes.AsyncInvokeStatusCompleted,
		OutputDataConfig: &brtypes.AsyncInvokeOutputDataConfigMemberS3OutputDataConfig{
			Value: brtypes.AsyncInvokeS3OutputDataConfig{S3Uri: aws.String(f.outputURI)},
		},
	}, nil
}

type fakePresign struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakePresign) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.keys = append(f.keys, key)
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/" + key}, nil
}

type fakePolly struct {
	voices []pollytypes.Voice
	audio  []byte

	mu    sync.Mutex
	calls []*polly.SynthesizeSpeechInput
}

func (f *fakePolly) SynthesizeSpeech(_ context.Context, in *polly.SynthesizeSpeechInput, _ ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	return &polly.SynthesizeSpeechOutput{AudioStream: io.NopCloser(bytes.NewReader(f.audio))}, nil
}

func (f *fakePolly) DescribeVoices(context.Context, *polly.DescribeVoicesInput, ...func(*polly.Options)) (*polly.DescribeVoicesOutput, error) {
	return &polly.DescribeVoicesOutput{Voices: f.voices}, nil
}

type fakeComprehend struct {
	lang string
	err  error
}

func (f *fakeComprehend) DetectDominantLanguage(context.Context, *comprehend.DetectDominantLanguageInput, ...func(*comprehend.Options)) (*comprehend.DetectDominantLanguageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &comprehend.DetectDominantLanguageOutput{
		Languages: []comprehendtypes.DominantLanguage{{LanguageCode: aws.String(f.lang)}},
	}, nil
}

// fakeTranscribe writes the job output into the backing store when the job is
// started, the way the provider materializes results.
type fakeTranscribe struct {
	store      *memS3
	outputJSON string
	subtitles  map[string]string
	language   string
	failWith   string

	mu      sync.Mutex
	started []*transcribe.StartTranscriptionJobInput
	deleted []string
	polls   int
}

func (f *fakeTranscribe) StartTranscriptionJob(_ context.Context, in *transcribe.StartTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error) {
	f.mu.Lock()
	f.started = append(f.started, in)
	f.mu.Unlock()
	key := aws.ToString(in.OutputKey)
	f.store.put(key, f.outputJSON)
	base := strings.TrimSuffix(key, ".json")
	for ext, body := range f.subtitles {
		f.store.put(base+"."+ext, body)
	}
	return &transcribe.StartTranscriptionJobOutput{}, nil
}

func (f *fakeTranscribe) GetTranscriptionJob(_ context.Context, in *transcribe.GetTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	job := &trtypes.TranscriptionJob{
		TranscriptionJobName: in.TranscriptionJobName,
		LanguageCode:         trtypes.LanguageCode(f.language),
	}
	switch {
	case f.polls == 1:
		job.TranscriptionJobStatus = trtypes.TranscriptionJobStatusInProgress
	case f.failWith != "":
		job.TranscriptionJobStatus = trtypes.TranscriptionJobStatusFailed
		job.FailureReason = aws.String(f.failWith)
	default:
		job.TranscriptionJobStatus = trtypes.TranscriptionJobStatusCompleted
	}
	return &transcribe.GetTranscriptionJobOutput{TranscriptionJob: job}, nil
}

func (f *fakeTranscribe) DeleteTranscriptionJob(_ context.Context, in *transcribe.DeleteTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.DeleteTranscriptionJobOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.TranscriptionJobName))
	return &transcribe.DeleteTranscriptionJobOutput{}, nil
}

type fakeTranslate struct {
	fn func(text string) string

	mu    sync.Mutex
	calls int
}

func (f *fakeTranslate) TranslateText(_ context.Context, in *translate.TranslateTextInput, _ ...func(*translate.Options)) (*translate.TranslateTextOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &translate.TranslateTextOutput{TranslatedText: aws.String(f.fn(aws.ToString(in.Text)))}, nil
}

// testDeps wires a Deps over in-memory fakes.
func testDeps(t *testing.T, bucket string) (*Deps, *memS3, *fakeAsyncRuntime) {
	t.Helper()
	store := newMemS3()
	rt := &fakeAsyncRuntime{}
	log := eventlog.New(io.Discard, "info", "test", false)
	queue := asyncjob.NewQueue(log, 1)
	t.Cleanup(queue.Close)
	cfg := &config.Settings{
		BedrockRegions:    []string{"us-east-1"},
		S3Bucket:          bucket,
		S3KeyPrefix:       "gw/",
		S3RegionalBuckets: map[string]string{},
	}
	runner := asyncjob.NewRunner(cfg, queue,
		func(string) asyncjob.RuntimeAPI { return rt },
		func(string) asyncjob.S3API { return store })
	return &Deps{
		Cfg:    cfg,
		Runner: runner,
		Queue:  queue,
		S3:     func(string) asyncjob.S3API { return store },
	}, store, rt
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
