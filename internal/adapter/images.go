// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/media"
	"github.com/aws-samples/bedrock-access-gateway/internal/tokens"
)

// presignTTL is the lifetime of generated-image download URLs.
const presignTTL = time.Hour

// ImagesAdapter serves the Nova Canvas / Titan image families synchronously
// and the async video-capable families through the job runtime.
type ImagesAdapter struct {
	deps     *Deps
	sync     prefixMatcher
	async    prefixMatcher
	randSeed func() int
}

// NewImagesAdapter builds the image generation adapter.
func NewImagesAdapter(deps *Deps) *ImagesAdapter {
	return &ImagesAdapter{
		deps:     deps,
		sync:     prefixMatcher{"amazon.nova-canvas", "amazon.titan-image", "stability."},
		async:    prefixMatcher{"amazon.nova-reel", "luma."},
		randSeed: func() int { return rand.Intn(2_147_483_646) },
	}
}

func (a *ImagesAdapter) Name() string { return "images" }

// Matches accepts both the unary and async image families.
func (a *ImagesAdapter) Matches(modelID string) bool {
	base := trimProfilePrefix(modelID)
	return a.sync.match(base) || a.async.match(base)
}

// qualityMap folds the OpenAI quality names onto the provider's pair.
var qualityMap = map[string]string{
	"":       "standard",
	"auto":   "standard",
	"low":    "standard",
	"medium": "standard",
	"high":   "premium",
	"hd":     "premium",
}

// Invoke generates n images in one batched provider call.
func (a *ImagesAdapter) Invoke(ctx context.Context, requestID, region string, req *openai.ImageGenerationRequest) (*openai.ImageGenerationResponse, error) {
	images, err := a.generate(ctx, requestID, region, req)
	if err != nil {
		return nil, err
	}

	resp := &openai.ImageGenerationResponse{
		Created: time.Now().Unix(),
		Usage: &openai.ImageUsage{
			InputTokens: tokens.Estimate(req.Prompt),
			TotalTokens: tokens.Estimate(req.Prompt),
		},
	}
	for i, img := range images {
		datum, err := a.deliver(ctx, requestID, region, req, img, i)
		if err != nil {
			return nil, err
		}
		resp.Data = append(resp.Data, datum)
	}
	return resp, nil
}

// InvokeStream emits each generated image as a partial event, then the
// completed event with usage.
func (a *ImagesAdapter) InvokeStream(ctx context.Context, requestID, region string, req *openai.ImageGenerationRequest, emit func(openai.ImageStreamEvent) error) error {
	images, err := a.generate(ctx, requestID, region, req)
	if err != nil {
		return err
	}
	partials := req.PartialImages
	if partials <= 0 || partials > len(images) {
		partials = len(images)
	}
	for i := 0; i < partials; i++ {
		if err := emit(openai.ImageStreamEvent{
			Type:         openai.ImageEventPartial,
			B64JSON:      base64.StdEncoding.EncodeToString(images[i]),
			PartialIndex: i,
			CreatedAt:    time.Now().Unix(),
		}); err != nil {
			return err
		}
	}
	est := tokens.Estimate(req.Prompt)
	return emit(openai.ImageStreamEvent{
		Type:      openai.ImageEventCompleted,
		B64JSON:   base64.StdEncoding.EncodeToString(images[len(images)-1]),
		CreatedAt: time.Now().Unix(),
		Usage:     &openai.ImageUsage{InputTokens: est, TotalTokens: est},
	})
}

// generate runs the provider call(s) and returns decoded image bytes in the
// requested output format.
func (a *ImagesAdapter) generate(ctx context.Context, requestID, region string, req *openai.ImageGenerationRequest) ([][]byte, error) {
	if req.Prompt == "" {
		return nil, gwerrors.InvalidParam("prompt", "prompt must not be empty")
	}
	if req.Style != "" {
		return nil, gwerrors.UnsupportedParameter("style", "style is not supported by the provider")
	}
	n := req.N
	if n <= 0 {
		n = 1
	}

	quality, ok := qualityMap[strings.ToLower(req.Quality)]
	if !ok {
		return nil, gwerrors.InvalidParam("quality", fmt.Sprintf("unknown quality %q", req.Quality))
	}
	width, height, err := parseSize(req.Size)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"taskType": "TEXT_IMAGE",
		"textToImageParams": map[string]any{
			"text": req.Prompt,
		},
		"imageGenerationConfig": map[string]any{
			"numberOfImages": n,
			"quality":        quality,
			"width":          width,
			"height":         height,
			"seed":           a.randSeed(),
		},
	}

	base := trimProfilePrefix(req.Model)
	var rawImages []string
	if a.async.match(base) {
		out, err := a.deps.Runner.RunJSON(ctx, requestID, region, req.Model, payload)
		if err != nil {
			return nil, err
		}
		rawImages = stringSlice(out["images"])
	} else {
		var out struct {
			Images []string `json:"images"`
			Error  string   `json:"error"`
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body, err = a.deps.applyDefaults(req.Model, body)
		if err != nil {
			return nil, err
		}
		invokeOut, err := a.deps.Invoke(region).InvokeModel(ctx, invokeInput(req.Model, body))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(invokeOut.Body, &out); err != nil {
			return nil, fmt.Errorf("parsing provider image response: %w", err)
		}
		if out.Error != "" {
			return nil, gwerrors.InvalidRequest(out.Error)
		}
		rawImages = out.Images
	}
	if len(rawImages) == 0 {
		return nil, fmt.Errorf("provider returned no images")
	}

	target := strings.ToLower(req.OutputFormat)
	if target == "" {
		target = "png"
	}
	images := make([][]byte, len(rawImages))
	for i, b64 := range rawImages {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decoding provider image %d: %w", i, err)
		}
		if mime := media.Sniff(data); mimeToFormat(mime) != target {
			if data, err = media.Reencode(data, target); err != nil {
				return nil, gwerrors.InvalidParam("output_format", err.Error())
			}
		}
		images[i] = data
	}
	return images, nil
}

// deliver returns the image inline or uploads it and mints a presigned URL.
func (a *ImagesAdapter) deliver(ctx context.Context, requestID, region string, req *openai.ImageGenerationRequest, img []byte, index int) (openai.ImageDatum, error) {
	if req.ResponseFormat != "url" {
		return openai.ImageDatum{B64JSON: base64.StdEncoding.EncodeToString(img)}, nil
	}

	bucket := a.deps.Cfg.BucketForRegion(region)
	if bucket == "" {
		return openai.ImageDatum{}, gwerrors.InvalidRequest("response_format \"url\" requires an S3 bucket; set AWS_S3_BUCKET")
	}
	ext := strings.ToLower(req.OutputFormat)
	if ext == "" {
		ext = "png"
	}
	key := a.deps.Cfg.S3KeyPrefix + requestID + "/image-" + strconv.Itoa(index) + "." + ext
	if _, err := a.deps.S3(region).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(img),
	}); err != nil {
		return openai.ImageDatum{}, fmt.Errorf("uploading generated image: %w", err)
	}
	presigned, err := a.deps.Presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return openai.ImageDatum{}, fmt.Errorf("presigning image URL: %w", err)
	}
	return openai.ImageDatum{URL: presigned.URL}, nil
}

func invokeInput(modelID string, body []byte) *bedrockruntime.InvokeModelInput {
	return &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	}
}

func parseSize(size string) (int, int, error) {
	if size == "" || strings.EqualFold(size, "auto") {
		return 1024, 1024, nil
	}
	w, h, ok := strings.Cut(strings.ToLower(size), "x")
	if ok {
		width, werr := strconv.Atoi(w)
		height, herr := strconv.Atoi(h)
		if werr == nil && herr == nil {
			return width, height, nil
		}
	}
	return 0, 0, gwerrors.InvalidParam("size", fmt.Sprintf("size must look like 1024x1024; got %q", size))
}

func mimeToFormat(mime string) string {
	f, ok := media.ImageFormat(mime)
	if !ok {
		return ""
	}
	return f
}

func stringSlice(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
