// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/asyncjob"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/media"
	"github.com/aws-samples/bedrock-access-gateway/internal/tokens"
)

// Per-media synchronous size limits; anything above goes through the
// segmented async path.
const (
	maxSyncTextChars  = 50_000
	maxSyncImageBytes = 50 << 20
	maxSyncMediaBytes = 100 << 20
)

// embeddingInputKind classifies one input item.
type embeddingInputKind int

const (
	inputText embeddingInputKind = iota
	inputImage
	inputAudio
	inputVideo
	inputS3
)

type embeddingInput struct {
	kind embeddingInputKind
	text string
	data []byte
	mime string
	s3   string
}

// EmbeddingsAdapter serves Titan and Cohere text embeddings plus the
// segmented multimodal family.
type EmbeddingsAdapter struct {
	deps     *Deps
	prefixes prefixMatcher
}

// NewEmbeddingsAdapter builds the embeddings adapter.
func NewEmbeddingsAdapter(deps *Deps) *EmbeddingsAdapter {
	return &EmbeddingsAdapter{
		deps:     deps,
		prefixes: prefixMatcher{"amazon.titan-embed", "cohere.embed", "twelvelabs."},
	}
}

func (a *EmbeddingsAdapter) Name() string { return "embeddings" }

// Matches accepts the embedding model families.
func (a *EmbeddingsAdapter) Matches(modelID string) bool {
	return a.prefixes.match(trimProfilePrefix(modelID))
}

// trimProfilePrefix drops a cross-region routing prefix like "us." or
// "global." from a model id.
func trimProfilePrefix(modelID string) string {
	for _, p := range []string{"us.", "eu.", "apac.", "jp.", "au.", "global."} {
		if rest, ok := strings.CutPrefix(modelID, p); ok {
			return rest
		}
	}
	return modelID
}

// Invoke computes embeddings for every input item, preserving input order.
func (a *EmbeddingsAdapter) Invoke(ctx context.Context, requestID, region string, req *openai.EmbeddingRequest) (*openai.EmbeddingResponse, error) {
	items := req.Input.Values()
	if len(items) == 0 {
		return nil, gwerrors.NewError(400, openai.ErrorTypeInvalidRequest,
			"input must contain at least one entry", "input", openai.ErrorCodeEmptyArray)
	}

	inputs := make([]embeddingInput, len(items))
	for i, item := range items {
		in, err := a.classify(item, req.ForceS3Data)
		if err != nil {
			return nil, err
		}
		inputs[i] = in
	}

	base := trimProfilePrefix(req.Model)
	switch {
	case strings.HasPrefix(base, "cohere.embed"):
		return a.invokeCohere(ctx, region, req, inputs)
	case strings.HasPrefix(base, "amazon.titan-embed"):
		return a.invokeTitan(ctx, region, req, inputs)
	default:
		return a.invokeSegmented(ctx, requestID, region, req, inputs)
	}
}

// classify sniffs one input item into its media kind.
func (a *EmbeddingsAdapter) classify(item string, forceS3 bool) (embeddingInput, error) {
	switch {
	case strings.HasPrefix(item, "s3://"):
		return embeddingInput{kind: inputS3, s3: item}, nil

	case strings.HasPrefix(item, "data:"):
		mime, data, err := media.ParseDataURL(item)
		if err != nil {
			return embeddingInput{}, gwerrors.InvalidParam("input", "invalid data URL: "+err.Error())
		}
		return classifyBytes(data, mime)
	}

	// Bare base64 media is accepted alongside plain text; sniff only when it
	// decodes and the bytes look like a known container.
	if !forceS3 && len(item) > 256 {
		if data, err := base64.StdEncoding.DecodeString(item); err == nil {
			mime := media.Sniff(data)
			if strings.HasPrefix(mime, "image/") || strings.HasPrefix(mime, "video/") || strings.HasPrefix(mime, "audio/") {
				return classifyBytes(data, mime)
			}
		}
	}
	return embeddingInput{kind: inputText, text: item}, nil
}

func classifyBytes(data []byte, mime string) (embeddingInput, error) {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return embeddingInput{kind: inputImage, data: data, mime: mime}, nil
	case strings.HasPrefix(mime, "audio/"):
		return embeddingInput{kind: inputAudio, data: data, mime: mime}, nil
	case strings.HasPrefix(mime, "video/"):
		return embeddingInput{kind: inputVideo, data: data, mime: mime}, nil
	}
	return embeddingInput{}, gwerrors.InvalidParam("input", fmt.Sprintf("unsupported media type %q", mime))
}

// invokeTitan fans out one call per input item.
func (a *EmbeddingsAdapter) invokeTitan(ctx context.Context, region string, req *openai.EmbeddingRequest, inputs []embeddingInput) (*openai.EmbeddingResponse, error) {
	client := a.deps.Invoke(region)
	data := make([]openai.EmbeddingData, len(inputs))
	var promptTokens int64

	g, gctx := errgroup.WithContext(ctx)
	results := make([]struct {
		vec    []float64
		tokens int
	}, len(inputs))
	for i, in := range inputs {
		g.Go(func() error {
			payload := map[string]any{}
			switch in.kind {
			case inputText:
				if len(in.text) > maxSyncTextChars {
					return gwerrors.InvalidParam("input",
						fmt.Sprintf("text input exceeds %d characters", maxSyncTextChars))
				}
				payload["inputText"] = in.text
			case inputImage:
				if len(in.data) > maxSyncImageBytes {
					return gwerrors.InvalidParam("input", "image input exceeds the synchronous size limit")
				}
				payload["inputImage"] = base64.StdEncoding.EncodeToString(in.data)
			default:
				return gwerrors.InvalidParam("input",
					fmt.Sprintf("model '%s' accepts text and image inputs only", req.Model))
			}
			if req.Dimensions != nil {
				payload["dimensions"] = *req.Dimensions
			}
			var out struct {
				Embedding           []float64 `json:"embedding"`
				InputTextTokenCount int       `json:"inputTextTokenCount"`
			}
			if err := a.invokeJSON(gctx, client, req.Model, payload, &out); err != nil {
				return err
			}
			results[i].vec = out.Embedding
			results[i].tokens = out.InputTextTokenCount
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, r := range results {
		data[i] = openai.EmbeddingData{Object: "embedding", Index: i, Embedding: r.vec}
		if r.tokens == 0 && inputs[i].kind == inputText {
			r.tokens = tokens.Estimate(inputs[i].text)
		}
		promptTokens += int64(r.tokens)
	}
	return newEmbeddingResponse(req.Model, data, int(promptTokens)), nil
}

// invokeCohere batches all text inputs into one call.
func (a *EmbeddingsAdapter) invokeCohere(ctx context.Context, region string, req *openai.EmbeddingRequest, inputs []embeddingInput) (*openai.EmbeddingResponse, error) {
	texts := make([]string, len(inputs))
	for i, in := range inputs {
		if in.kind != inputText {
			return nil, gwerrors.InvalidParam("input",
				fmt.Sprintf("model '%s' accepts text inputs only", req.Model))
		}
		texts[i] = in.text
	}
	payload := map[string]any{
		"texts":      texts,
		"input_type": "search_document",
	}
	var out struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := a.invokeJSON(ctx, a.deps.Invoke(region), req.Model, payload, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d inputs", len(out.Embeddings), len(texts))
	}
	data := make([]openai.EmbeddingData, len(texts))
	promptTokens := 0
	for i, vec := range out.Embeddings {
		data[i] = openai.EmbeddingData{Object: "embedding", Index: i, Embedding: vec}
		promptTokens += tokens.Estimate(texts[i])
	}
	return newEmbeddingResponse(req.Model, data, promptTokens), nil
}

// segmentedResultManifest is the async output listing per-segment shards.
type segmentedResultManifest struct {
	Data []struct {
		JSONLURI string `json:"jsonlUri"`
	} `json:"data"`
}

// invokeSegmented routes large or media inputs through the async runtime and
// concatenates the per-segment vectors in manifest order.
func (a *EmbeddingsAdapter) invokeSegmented(ctx context.Context, requestID, region string, req *openai.EmbeddingRequest, inputs []embeddingInput) (*openai.EmbeddingResponse, error) {
	var data []openai.EmbeddingData
	promptTokens := 0

	// Staged inputs are cleaned up only once every job has finished with them.
	staged := false
	defer func() {
		if !staged {
			return
		}
		bucket := a.deps.Cfg.BucketForRegion(region)
		prefix := a.deps.Cfg.S3KeyPrefix + requestID + "/"
		a.deps.Queue.Enqueue(requestID, "s3_cleanup", func(cctx context.Context) error {
			return a.deps.Runner.CleanupPrefix(cctx, region, bucket, prefix)
		})
	}()

	for i, in := range inputs {
		payload, didStage, err := a.segmentedPayload(ctx, requestID, region, in, i, req.ForceS3Data)
		if err != nil {
			return nil, err
		}
		staged = staged || didStage
		out, err := a.deps.Runner.RunJSON(ctx, requestID, region, req.Model, payload)
		if err != nil {
			return nil, err
		}
		vecs, est, err := a.fetchSegments(ctx, region, out)
		if err != nil {
			return nil, err
		}
		for _, vec := range vecs {
			data = append(data, openai.EmbeddingData{Object: "embedding", Index: len(data), Embedding: vec})
		}
		if est == 0 && in.text != "" {
			// Async results rarely carry counts; fall back to the estimator.
			est = tokens.Estimate(in.text)
		}
		promptTokens += est
	}
	return newEmbeddingResponse(req.Model, data, promptTokens), nil
}

// segmentedPayload stages the input (inline or via S3) for an async job. The
// second result reports whether an object was written to the staging bucket.
func (a *EmbeddingsAdapter) segmentedPayload(ctx context.Context, requestID, region string, in embeddingInput, idx int, forceS3 bool) (map[string]any, bool, error) {
	switch in.kind {
	case inputS3:
		return map[string]any{"inputType": "video", "mediaSource": map[string]any{"s3Location": map[string]any{"uri": in.s3}}}, false, nil

	case inputText:
		return map[string]any{"inputType": "text", "inputText": in.text}, false, nil

	case inputImage, inputAudio, inputVideo:
		limit := maxSyncMediaBytes
		if in.kind == inputImage {
			limit = maxSyncImageBytes
		}
		inputType := map[embeddingInputKind]string{inputImage: "image", inputAudio: "audio", inputVideo: "video"}[in.kind]
		if !forceS3 && len(in.data) <= limit {
			return map[string]any{
				"inputType": inputType,
				"mediaSource": map[string]any{
					"base64String": base64.StdEncoding.EncodeToString(in.data),
				},
			}, false, nil
		}
		uri, err := a.stageToS3(ctx, requestID, region, idx, in.data)
		if err != nil {
			return nil, false, err
		}
		return map[string]any{
			"inputType": inputType,
			"mediaSource": map[string]any{
				"s3Location": map[string]any{"uri": uri},
			},
		}, true, nil
	}
	return nil, false, gwerrors.InvalidParam("input", "unsupported input item")
}

func (a *EmbeddingsAdapter) stageToS3(ctx context.Context, requestID, region string, idx int, data []byte) (string, error) {
	bucket := a.deps.Cfg.BucketForRegion(region)
	if bucket == "" {
		return "", gwerrors.InvalidRequest("large media inputs require an S3 bucket; set AWS_S3_BUCKET")
	}
	key := fmt.Sprintf("%s%s/input-%d", a.deps.Cfg.S3KeyPrefix, requestID, idx)
	if _, err := a.deps.S3(region).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		return "", fmt.Errorf("staging media input: %w", err)
	}
	return "s3://" + bucket + "/" + key, nil
}

// fetchSegments downloads every shard named by the manifest concurrently and
// returns the vectors in manifest order, lines in file order.
func (a *EmbeddingsAdapter) fetchSegments(ctx context.Context, region string, out map[string]any) ([][]float64, int, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, 0, err
	}
	var manifest segmentedResultManifest
	if err := json.Unmarshal(raw, &manifest); err != nil || len(manifest.Data) == 0 {
		// Single-vector result without shards.
		var single struct {
			Embedding           []float64 `json:"embedding"`
			InputTextTokenCount int       `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(raw, &single); err == nil && len(single.Embedding) > 0 {
			return [][]float64{single.Embedding}, single.InputTextTokenCount, nil
		}
		return nil, 0, fmt.Errorf("async result carries neither shards nor an embedding")
	}

	shards := make([][][]float64, len(manifest.Data))
	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range manifest.Data {
		g.Go(func() error {
			bucket, key, err := asyncjob.ParseS3URI(entry.JSONLURI)
			if err != nil {
				return err
			}
			lines, err := a.deps.Runner.GetJSONLines(gctx, region, bucket, key)
			if err != nil {
				return err
			}
			vecs := make([][]float64, 0, len(lines))
			for _, line := range lines {
				var obj struct {
					Embedding []float64 `json:"embedding"`
				}
				lraw, _ := json.Marshal(line)
				if err := json.Unmarshal(lraw, &obj); err != nil {
					return err
				}
				vecs = append(vecs, obj.Embedding)
			}
			shards[i] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var all [][]float64
	for _, vecs := range shards {
		all = append(all, vecs...)
	}
	return all, 0, nil
}

func (a *EmbeddingsAdapter) invokeJSON(ctx context.Context, client InvokeAPI, modelID string, payload map[string]any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err = a.deps.applyDefaults(modelID, body)
	if err != nil {
		return err
	}
	out, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(out.Body, v)
}

func newEmbeddingResponse(model string, data []openai.EmbeddingData, promptTokens int) *openai.EmbeddingResponse {
	if data == nil {
		data = []openai.EmbeddingData{}
	}
	return &openai.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  model,
		Usage:  openai.EmbeddingUsage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	}
}
