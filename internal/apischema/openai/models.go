// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package openai

// Model is one entry of the GET /models list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
