// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package openai declares the subset of the OpenAI REST wire schema served by
// the gateway. The types are hand-written rather than generated: request
// unmarshalling sits on the hot path and the union fields (string-or-array
// content, string-or-object tool choice) need precise control over accepted
// shapes.
package openai

import (
	"encoding/json"
	"fmt"
)

// Chat message roles accepted on /chat/completions.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleDeveloper = "developer"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
	ChatMessageRoleFunction  = "function"
)

// Finish reasons reported on chat choices.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonFunctionCall  = "function_call"
	FinishReasonContentFilter = "content_filter"
)

// ChatCompletionRequest is the request body of POST /chat/completions.
// Fields not declared here are treated as provider extras; see ExtraFields.
type ChatCompletionRequest struct {
	Model            string              `json:"model"`
	Messages         []ChatMessage       `json:"messages"`
	MaxTokens        *int32              `json:"max_tokens,omitempty"`
	MaxCompletionTok *int32              `json:"max_completion_tokens,omitempty"`
	Temperature      *float32            `json:"temperature,omitempty"`
	TopP             *float32            `json:"top_p,omitempty"`
	N                int                 `json:"n,omitempty"`
	Stop             StringOrArray       `json:"stop,omitempty"`
	Stream           bool                `json:"stream,omitempty"`
	StreamOptions    *StreamOptions      `json:"stream_options,omitempty"`
	Tools            []Tool              `json:"tools,omitempty"`
	ToolChoice       *ToolChoice         `json:"tool_choice,omitempty"`
	Functions        []FunctionDef       `json:"functions,omitempty"`
	FunctionCall     *ToolChoice         `json:"function_call,omitempty"`
	ParallelTool     *bool               `json:"parallel_tool_calls,omitempty"`
	User             string              `json:"user,omitempty"`
	Modalities       []string            `json:"modalities,omitempty"`
	Audio            *AudioOutputRequest `json:"audio,omitempty"`
	ServiceTier      *string             `json:"service_tier,omitempty"`
	ReasoningEffort  *string             `json:"reasoning_effort,omitempty"`
	ThinkingBudget   *int32              `json:"thinking_budget,omitempty"`
	EnableThinking   *bool               `json:"enable_thinking,omitempty"`
}

// MaxOutputTokens returns the effective completion cap, preferring the newer
// max_completion_tokens field.
func (r *ChatCompletionRequest) MaxOutputTokens() *int32 {
	if r.MaxCompletionTok != nil {
		return r.MaxCompletionTok
	}
	return r.MaxTokens
}

// chatRequestKnownFields lists the declared fields of ChatCompletionRequest.
// Anything else in the raw body is forwarded to the provider as an additional
// model request field.
var chatRequestKnownFields = map[string]struct{}{
	"model": {}, "messages": {}, "max_tokens": {}, "max_completion_tokens": {},
	"temperature": {}, "top_p": {}, "n": {}, "stop": {}, "stream": {},
	"stream_options": {}, "tools": {}, "tool_choice": {}, "functions": {},
	"function_call": {}, "parallel_tool_calls": {}, "user": {}, "modalities": {},
	"audio": {}, "service_tier": {}, "reasoning_effort": {}, "thinking_budget": {},
	"enable_thinking": {}, "response_format": {}, "logprobs": {}, "top_logprobs": {},
	"store": {}, "metadata": {},
}

// ExtraFields returns the undeclared, non-null members of a raw chat request
// body, e.g. top_k or anthropic_beta.
func ExtraFields(raw []byte) (map[string]any, error) {
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	extras := make(map[string]any)
	for k, v := range all {
		if _, known := chatRequestKnownFields[k]; known {
			continue
		}
		if v == nil {
			continue
		}
		extras[k] = v
	}
	return extras, nil
}

// StreamOptions controls streaming chunk contents.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// AudioOutputRequest selects the voice and format of an audio modality reply.
type AudioOutputRequest struct {
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

// ChatMessage is one element of the messages array. Content is a union of a
// plain string and a list of typed parts.
type ChatMessage struct {
	Role             string         `json:"role"`
	Content          MessageContent `json:"content,omitempty"`
	Name             string         `json:"name,omitempty"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	FunctionCall     *FunctionCall  `json:"function_call,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	Refusal          string         `json:"refusal,omitempty"`
}

// MessageContent holds either Text (when the wire value is a string) or Parts.
type MessageContent struct {
	Text  *string
	Parts []ContentPart
}

// IsZero reports whether no content was supplied.
func (c MessageContent) IsZero() bool { return c.Text == nil && c.Parts == nil }

// PlainText flattens the content into a single string, concatenating text
// parts in order.
func (c MessageContent) PlainText() string {
	if c.Text != nil {
		return *c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == ContentPartTypeText {
			out += p.Text
		}
	}
	return out
}

// UnmarshalJSON accepts a JSON string, null, or an array of content parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	idx, err := skipLeadingWhitespace("content", data, 0)
	if err != nil {
		return err
	}
	switch data[idx] {
	case '"':
		s, err := unquoteOrUnmarshalJSONString("content", data)
		if err != nil {
			return err
		}
		c.Text = &s
		return nil
	case 'n': // null
		return nil
	case '[':
		return json.Unmarshal(data, &c.Parts)
	default:
		return fmt.Errorf("message content must be a string or an array of parts")
	}
}

// MarshalJSON renders the union back into its wire shape.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return []byte("null"), nil
}

// Content part discriminators.
const (
	ContentPartTypeText       = "text"
	ContentPartTypeImageURL   = "image_url"
	ContentPartTypeInputAudio = "input_audio"
	ContentPartTypeFile       = "file"
)

// ContentPart is one typed fragment of a message.
type ContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ImageURL   *ImageURLPart   `json:"image_url,omitempty"`
	InputAudio *InputAudioPart `json:"input_audio,omitempty"`
	File       *FilePart       `json:"file,omitempty"`
}

// ImageURLPart carries a data URL, s3 URI or http(s) URL.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// InputAudioPart carries base64 audio with its container format.
type InputAudioPart struct {
	Data   string `json:"data"`
	Format string `json:"format,omitempty"`
}

// FilePart carries an inline base64 file body.
type FilePart struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

// Tool declares a function tool.
type Tool struct {
	Type     string       `json:"type"`
	Function *FunctionDef `json:"function,omitempty"`
}

// FunctionDef is the function payload of a tool (or a legacy functions entry).
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

// ToolChoice is a union of the mode strings ("auto", "none", "required") and
// the named {"type":"function","function":{"name":...}} form. The legacy
// function_call union uses the same type with Function.Name set directly.
type ToolChoice struct {
	Mode     string
	Function *ToolChoiceFunction
}

// ToolChoiceFunction names the forced tool.
type ToolChoiceFunction struct {
	Name string `json:"name"`
}

// UnmarshalJSON accepts either a mode string or the named-tool object.
func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	idx, err := skipLeadingWhitespace("tool_choice", data, 0)
	if err != nil {
		return err
	}
	if data[idx] == '"' {
		s, err := unquoteOrUnmarshalJSONString("tool_choice", data)
		if err != nil {
			return err
		}
		tc.Mode = s
		return nil
	}
	var obj struct {
		Type     string              `json:"type"`
		Function *ToolChoiceFunction `json:"function"`
		Name     string              `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("cannot unmarshal tool_choice: %w", err)
	}
	if obj.Function != nil {
		tc.Function = obj.Function
	} else if obj.Name != "" {
		// Legacy function_call form: {"name": "..."}.
		tc.Function = &ToolChoiceFunction{Name: obj.Name}
	}
	return nil
}

// MarshalJSON renders the union back into its wire shape.
func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Function != nil {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": tc.Function,
		})
	}
	return json.Marshal(tc.Mode)
}

// ToolCall is an assistant tool invocation.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ToolTypeFunction is the only tool type the gateway supports.
const ToolTypeFunction = "function"

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	SystemFingerprint string       `json:"system_fingerprint,omitempty"`
	ServiceTier       string       `json:"service_tier,omitempty"`
	Choices           []ChatChoice `json:"choices"`
	Usage             Usage        `json:"usage"`
}

// ChatChoice is one generated alternative.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Logprobs     *struct{}       `json:"logprobs"`
}

// ResponseMessage is the assistant message of a choice.
type ResponseMessage struct {
	Role             string        `json:"role"`
	Content          *string       `json:"content"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall    `json:"tool_calls,omitempty"`
	FunctionCall     *FunctionCall `json:"function_call,omitempty"`
	Audio            *AudioOutput  `json:"audio,omitempty"`
}

// AudioOutput is the synthesized reply attached when the audio modality is
// requested.
type AudioOutput struct {
	ID         string `json:"id"`
	Data       string `json:"data"`
	ExpiresAt  int64  `json:"expires_at"`
	Transcript string `json:"transcript,omitempty"`
}

// ChatCompletionChunk is one streaming SSE payload.
type ChatCompletionChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint,omitempty"`
	ServiceTier       string        `json:"service_tier,omitempty"`
	Choices           []ChunkChoice `json:"choices"`
	Usage             *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is a delta choice within a chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
	Logprobs     *struct{}  `json:"logprobs,omitempty"`
}

// ChunkDelta carries the incremental message fragment.
type ChunkDelta struct {
	Role             string        `json:"role,omitempty"`
	Content          *string       `json:"content,omitempty"`
	ReasoningContent *string       `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall    `json:"tool_calls,omitempty"`
	FunctionCall     *FunctionCall `json:"function_call,omitempty"`
}

// Usage is the token accounting block shared by all endpoints.
type Usage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

// PromptTokensDetails breaks down cached prompt tokens.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CompletionTokensDetails breaks down reasoning tokens.
type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}
