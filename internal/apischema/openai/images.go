// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package openai

// ImageGenerationRequest is the request body of POST /images/generations.
type ImageGenerationRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	N              int    `json:"n,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Size           string `json:"size,omitempty"`
	OutputFormat   string `json:"output_format,omitempty"`
	Style          string `json:"style,omitempty"`
	User           string `json:"user,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
	PartialImages  int    `json:"partial_images,omitempty"`
}

// ImageGenerationResponse is the response body of POST /images/generations.
type ImageGenerationResponse struct {
	Created int64        `json:"created"`
	Data    []ImageDatum `json:"data"`
	Usage   *ImageUsage  `json:"usage,omitempty"`
}

// ImageDatum is one generated image, either inline or by URL.
type ImageDatum struct {
	B64JSON       string `json:"b64_json,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageUsage is the image generation token accounting block.
type ImageUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Streaming event types emitted when stream=true.
const (
	ImageEventPartial   = "image_generation.partial_image"
	ImageEventCompleted = "image_generation.completed"
)

// ImageStreamEvent is one SSE payload of a streaming image generation.
type ImageStreamEvent struct {
	Type         string      `json:"type"`
	B64JSON      string      `json:"b64_json,omitempty"`
	PartialIndex int         `json:"partial_image_index,omitempty"`
	CreatedAt    int64       `json:"created_at,omitempty"`
	Usage        *ImageUsage `json:"usage,omitempty"`
}
