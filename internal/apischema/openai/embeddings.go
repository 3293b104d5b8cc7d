// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package openai

// EmbeddingRequest is the request body of POST /embeddings.
type EmbeddingRequest struct {
	Input          StringOrArray `json:"input"`
	Model          string        `json:"model"`
	EncodingFormat string        `json:"encoding_format,omitempty"`
	Dimensions     *int32        `json:"dimensions,omitempty"`
	User           string        `json:"user,omitempty"`
	// ForceS3Data routes every input through object storage regardless of
	// its size. Gateway extension, not part of the OpenAI surface.
	ForceS3Data bool `json:"force_s3_data,omitempty"`
}

// EmbeddingResponse is the response body of POST /embeddings.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingUsage  `json:"usage"`
}

// EmbeddingData is one embedding vector, positionally matched to the input.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingUsage is the token accounting for embeddings, which has no
// completion side.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
