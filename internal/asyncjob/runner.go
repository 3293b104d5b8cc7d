// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package asyncjob

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aws-samples/bedrock-access-gateway/internal/config"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

// pollInterval is the async-invoke status poll cadence. Variable so tests
// can shrink it.
var pollInterval = 500 * time.Millisecond

// RuntimeAPI is the async-invoke slice of the inference client.
type RuntimeAPI interface {
	StartAsyncInvoke(ctx context.Context, in *bedrockruntime.StartAsyncInvokeInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.StartAsyncInvokeOutput, error)
	GetAsyncInvoke(ctx context.Context, in *bedrockruntime.GetAsyncInvokeInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.GetAsyncInvokeOutput, error)
}

// S3API is the object-store slice the runner needs.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Runner drives provider async invocations through object storage.
type Runner struct {
	cfg     *config.Settings
	queue   *Queue
	runtime func(region string) RuntimeAPI
	s3      func(region string) S3API
}

// NewRunner wires the runner to its provider clients.
func NewRunner(cfg *config.Settings, queue *Queue, runtime func(string) RuntimeAPI, s3c func(string) S3API) *Runner {
	return &Runner{cfg: cfg, queue: queue, runtime: runtime, s3: s3c}
}

// RunJSON starts an async invocation for modelID in region, polls until it
// finishes, fetches <prefix>/output.json and returns it parsed. Cleanup of
// every object written under the output prefix is enqueued regardless of
// outcome. The caller's ctx bounds the poll loop.
func (r *Runner) RunJSON(ctx context.Context, requestID, region, modelID string, payload map[string]any) (map[string]any, error) {
	bucket := r.cfg.BucketForRegion(region)
	if bucket == "" {
		return nil, gwerrors.InvalidRequest(fmt.Sprintf(
			"model '%s' requires asynchronous inference, but no S3 bucket is configured for region %s; set AWS_S3_BUCKET or AWS_S3_REGIONAL_BUCKETS", modelID, region))
	}

	rt := r.runtime(region)
	outputURI := fmt.Sprintf("s3://%s/%s", bucket, requestID)
	started, err := rt.StartAsyncInvoke(ctx, &bedrockruntime.StartAsyncInvokeInput{
		ModelId:    aws.String(modelID),
		ModelInput: document.NewLazyDocument(payload),
		OutputDataConfig: &brtypes.AsyncInvokeOutputDataConfigMemberS3OutputDataConfig{
			Value: brtypes.AsyncInvokeS3OutputDataConfig{S3Uri: aws.String(outputURI)},
		},
	})
	if err != nil {
		return nil, err
	}

	prefix := requestID
	defer r.queue.Enqueue(requestID, "s3_cleanup", func(cctx context.Context) error {
		return r.CleanupPrefix(cctx, region, bucket, prefix)
	})

	for {
		status, err := rt.GetAsyncInvoke(ctx, &bedrockruntime.GetAsyncInvokeInput{
			InvocationArn: started.InvocationArn,
		})
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case brtypes.AsyncInvokeStatusCompleted:
			if oc, ok := status.OutputDataConfig.(*brtypes.AsyncInvokeOutputDataConfigMemberS3OutputDataConfig); ok {
				if _, key, err := ParseS3URI(aws.ToString(oc.Value.S3Uri)); err == nil && key != "" {
					prefix = key
				}
			}
			var out map[string]any
			if err := r.GetJSON(ctx, region, bucket, prefix+"/output.json", &out); err != nil {
				return nil, err
			}
			return out, nil

		case brtypes.AsyncInvokeStatusFailed:
			return nil, gwerrors.InvalidRequest(aws.ToString(status.FailureMessage))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// GetJSON fetches an object and decodes it as JSON.
func (r *Runner) GetJSON(ctx context.Context, region, bucket, key string, v any) error {
	out, err := r.s3(region).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("fetching s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	if err := json.NewDecoder(out.Body).Decode(v); err != nil {
		return fmt.Errorf("parsing s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetJSONLines fetches a JSONL shard and decodes one object per line,
// preserving file order.
func (r *Runner) GetJSONLines(ctx context.Context, region, bucket, key string) ([]map[string]any, error) {
	out, err := r.s3(region).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(out.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 64<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, fmt.Errorf("parsing line %d of s3://%s/%s: %w", len(lines)+1, bucket, key, err)
		}
		lines = append(lines, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	return lines, nil
}

// CleanupPrefix deletes every object under bucket/prefix.
func (r *Runner) CleanupPrefix(ctx context.Context, region, bucket, prefix string) error {
	client := r.s3(region)
	var token *string
	var firstErr error
	for {
		page, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			}); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if page.NextContinuationToken == nil {
			return firstErr
		}
		token = page.NextContinuationToken
	}
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URI: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", uri)
	}
	return bucket, key, nil
}
