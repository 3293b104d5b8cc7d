// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package translator converts between the OpenAI wire protocol and the
// Bedrock Converse protocol, in both directions and for both unary and
// streamed responses.
package translator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/media"
	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
)

// ChatOptions carries the per-request inputs of the chat request translation
// beyond the body itself.
type ChatOptions struct {
	// ModelID is the resolved provider model or inference-profile id.
	ModelID string
	// Defaults are the configured per-model default parameters, merged under
	// the request-level fields.
	Defaults map[string]any
	// Guardrail is nil when no guardrail applies.
	Guardrail *requestctx.GuardrailConfig
	// Fetcher downloads http(s) image URLs. Required when such parts appear.
	Fetcher *media.Fetcher
}

// RequestTraits records translation decisions the response side must mirror.
type RequestTraits struct {
	// LegacyFunctions is set when the request used the deprecated functions /
	// function_call surface; responses then carry function_call instead of
	// tool_calls.
	LegacyFunctions bool
	// ServiceTier is echoed in the response when non-empty.
	ServiceTier string
}

// reasoningBudgetFactors scales max_tokens into a thinking budget.
var reasoningBudgetFactors = map[string]float64{
	"minimal": 0.25,
	"low":     0.5,
	"medium":  0.75,
	"high":    1.0,
}

const minReasoningBudget = 1024

// defaultMaxTokensForReasoning stands in for max_tokens when the request
// leaves it unset but asks for reasoning.
const defaultMaxTokensForReasoning = 4096

// BuildConverseInput translates an OpenAI chat request into a ConverseInput.
// raw is the undecoded request body, used to pick up provider extras.
func BuildConverseInput(req *openai.ChatCompletionRequest, raw []byte, opts ChatOptions) (*bedrockruntime.ConverseInput, *RequestTraits, error) {
	if len(req.Messages) == 0 {
		return nil, nil, gwerrors.NewError(400, openai.ErrorTypeInvalidRequest,
			"messages must contain at least one entry", "messages", openai.ErrorCodeEmptyArray)
	}

	traits := &RequestTraits{}

	system, messages, legacyResults, err := convertMessages(req.Messages, opts.Fetcher)
	if err != nil {
		return nil, nil, err
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(opts.ModelID),
		System:   system,
		Messages: messages,
	}

	toolConfig, legacy, err := convertToolConfig(req)
	if err != nil {
		return nil, nil, err
	}
	in.ToolConfig = toolConfig
	traits.LegacyFunctions = legacy || legacyResults

	extras, err := mergedExtras(raw, opts.Defaults)
	if err != nil {
		return nil, nil, err
	}

	in.InferenceConfig = inferenceConfig(req, opts.Defaults)

	if err := attachReasoning(req, opts.ModelID, in.InferenceConfig, extras); err != nil {
		return nil, nil, err
	}

	if len(extras) > 0 {
		in.AdditionalModelRequestFields = document.NewLazyDocument(extras)
	}

	if g := opts.Guardrail; g != nil {
		gc := &brtypes.GuardrailConfiguration{
			GuardrailIdentifier: aws.String(g.Identifier),
			GuardrailVersion:    aws.String(g.Version),
		}
		if g.Trace != "" {
			gc.Trace = brtypes.GuardrailTrace(g.Trace)
		}
		in.GuardrailConfig = gc
	}

	if req.ServiceTier != nil {
		if *req.ServiceTier == "priority" {
			in.PerformanceConfig = &brtypes.PerformanceConfiguration{
				Latency: brtypes.PerformanceConfigLatencyOptimized,
			}
			traits.ServiceTier = "priority"
		} else {
			in.PerformanceConfig = &brtypes.PerformanceConfiguration{
				Latency: brtypes.PerformanceConfigLatencyStandard,
			}
			traits.ServiceTier = "default"
		}
	}

	return in, traits, nil
}

// convertMessages splits the OpenAI message list into system blocks and
// conversation messages. Consecutive tool results collapse into one user
// message. The legacy result reports whether any function-role message was
// seen; those results are keyed by function name since the legacy surface
// has no call ids.
func convertMessages(msgs []openai.ChatMessage, fetcher *media.Fetcher) ([]brtypes.SystemContentBlock, []brtypes.Message, bool, error) {
	var system []brtypes.SystemContentBlock
	var out []brtypes.Message
	legacy := false

	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		switch msg.Role {
		case openai.ChatMessageRoleSystem, openai.ChatMessageRoleDeveloper:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: msg.Content.PlainText()})

		case openai.ChatMessageRoleUser:
			blocks, err := userContentBlocks(msg.Content, fetcher)
			if err != nil {
				return nil, nil, false, err
			}
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})

		case openai.ChatMessageRoleAssistant:
			blocks, err := assistantContentBlocks(msg)
			if err != nil {
				return nil, nil, false, err
			}
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})

		case openai.ChatMessageRoleTool, openai.ChatMessageRoleFunction:
			// Fold this and any directly following tool results into a
			// single user message.
			var blocks []brtypes.ContentBlock
			for ; i < len(msgs); i++ {
				m := msgs[i]
				if m.Role != openai.ChatMessageRoleTool && m.Role != openai.ChatMessageRoleFunction {
					break
				}
				id := m.ToolCallID
				if m.Role == openai.ChatMessageRoleFunction {
					id = m.Name
					legacy = true
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(id),
						Content: []brtypes.ToolResultContentBlock{
							&brtypes.ToolResultContentBlockMemberText{Value: m.Content.PlainText()},
						},
					},
				})
			}
			i--
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})

		default:
			return nil, nil, false, gwerrors.InvalidParam("messages", fmt.Sprintf("unknown role %q", msg.Role))
		}
	}
	return system, out, legacy, nil
}

func userContentBlocks(content openai.MessageContent, fetcher *media.Fetcher) ([]brtypes.ContentBlock, error) {
	if content.Text != nil {
		return []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: *content.Text}}, nil
	}
	var blocks []brtypes.ContentBlock
	for _, part := range content.Parts {
		switch part.Type {
		case openai.ContentPartTypeText:
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: part.Text})

		case openai.ContentPartTypeImageURL:
			if part.ImageURL == nil {
				return nil, gwerrors.InvalidParam("messages", "image_url part is missing its url")
			}
			block, err := imageBlock(part.ImageURL.URL, fetcher)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)

		case openai.ContentPartTypeFile:
			if part.File == nil || part.File.FileData == "" {
				return nil, gwerrors.InvalidParam("messages", "file part is missing file_data")
			}
			block, err := fileBlock(part.File)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)

		default:
			return nil, gwerrors.UnsupportedParameter("messages",
				fmt.Sprintf("content part type %q is not supported", part.Type))
		}
	}
	return blocks, nil
}

// imageBlock resolves the three accepted image sources: data URL, s3 URI and
// http(s) URL.
func imageBlock(url string, fetcher *media.Fetcher) (brtypes.ContentBlock, error) {
	switch {
	case strings.HasPrefix(url, "data:"):
		mime, data, err := media.ParseDataURL(url)
		if err != nil {
			return nil, gwerrors.InvalidParam("messages", "invalid image data URL: "+err.Error())
		}
		format, ok := media.ImageFormat(mime)
		if !ok {
			return nil, gwerrors.InvalidParam("messages", fmt.Sprintf("unsupported image type %q", mime))
		}
		return &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
			Format: brtypes.ImageFormat(format),
			Source: &brtypes.ImageSourceMemberBytes{Value: data},
		}}, nil

	case strings.HasPrefix(url, "s3://"):
		format, ok := media.S3ImageExt(url)
		if !ok {
			return nil, gwerrors.InvalidParam("messages", fmt.Sprintf("cannot infer image format from %q", url))
		}
		return &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
			Format: brtypes.ImageFormat(format),
			Source: &brtypes.ImageSourceMemberS3Location{Value: brtypes.S3Location{Uri: aws.String(url)}},
		}}, nil

	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		if fetcher == nil {
			return nil, gwerrors.InvalidParam("messages", "remote image URLs are not enabled")
		}
		data, mime, err := fetcher.Fetch(url)
		if err != nil {
			return nil, err
		}
		format, ok := media.ImageFormat(mime)
		if !ok {
			return nil, gwerrors.InvalidParam("messages", fmt.Sprintf("fetched %q is %s, not a supported image", url, mime))
		}
		return &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
			Format: brtypes.ImageFormat(format),
			Source: &brtypes.ImageSourceMemberBytes{Value: data},
		}}, nil
	}
	return nil, gwerrors.InvalidParam("messages", fmt.Sprintf("invalid image URL %q", url))
}

// fileBlock sniffs an inline file and embeds it as an image, video or
// document block.
func fileBlock(f *openai.FilePart) (brtypes.ContentBlock, error) {
	payload := f.FileData
	if strings.HasPrefix(payload, "data:") {
		_, data, err := media.ParseDataURL(payload)
		if err != nil {
			return nil, gwerrors.InvalidParam("messages", "invalid file data URL: "+err.Error())
		}
		return typedFileBlock(data, f.Filename)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, gwerrors.InvalidParam("messages", "file_data is not valid base64")
	}
	return typedFileBlock(data, f.Filename)
}

func typedFileBlock(data []byte, filename string) (brtypes.ContentBlock, error) {
	mime := media.Sniff(data)
	switch {
	case strings.HasPrefix(mime, "image/"):
		format, ok := media.ImageFormat(mime)
		if !ok {
			return nil, gwerrors.InvalidParam("messages", fmt.Sprintf("unsupported image type %q", mime))
		}
		return &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
			Format: brtypes.ImageFormat(format),
			Source: &brtypes.ImageSourceMemberBytes{Value: data},
		}}, nil

	case strings.HasPrefix(mime, "video/"):
		format, ok := media.VideoFormat(mime)
		if !ok {
			return nil, gwerrors.InvalidParam("messages", fmt.Sprintf("unsupported video type %q", mime))
		}
		return &brtypes.ContentBlockMemberVideo{Value: brtypes.VideoBlock{
			Format: brtypes.VideoFormat(format),
			Source: &brtypes.VideoSourceMemberBytes{Value: data},
		}}, nil

	case strings.HasPrefix(mime, "text/"), strings.HasPrefix(mime, "application/"):
		format, ok := media.DocumentFormat(mime, filename)
		if !ok {
			return nil, gwerrors.InvalidParam("messages", fmt.Sprintf("unsupported document type %q", mime))
		}
		name := filename
		if name == "" {
			name = "file-" + format
		}
		return &brtypes.ContentBlockMemberDocument{Value: brtypes.DocumentBlock{
			Format: brtypes.DocumentFormat(format),
			Name:   aws.String(name),
			Source: &brtypes.DocumentSourceMemberBytes{Value: data},
		}}, nil
	}
	return nil, gwerrors.InvalidParam("messages", fmt.Sprintf("unsupported file type %q", mime))
}

func assistantContentBlocks(msg openai.ChatMessage) ([]brtypes.ContentBlock, error) {
	var blocks []brtypes.ContentBlock
	if msg.ReasoningContent != "" {
		blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
			Value: &brtypes.ReasoningContentBlockMemberReasoningText{
				Value: brtypes.ReasoningTextBlock{Text: aws.String(msg.ReasoningContent)},
			},
		})
	}
	if text := msg.Content.PlainText(); text != "" {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: text})
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, toolUseBlock(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	if msg.FunctionCall != nil {
		blocks = append(blocks, toolUseBlock(msg.FunctionCall.Name, msg.FunctionCall.Name, msg.FunctionCall.Arguments))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: ""})
	}
	return blocks, nil
}

func toolUseBlock(id, name, arguments string) brtypes.ContentBlock {
	input := map[string]any{}
	// Malformed arguments degrade to an empty input object.
	_ = json.Unmarshal([]byte(arguments), &input)
	return &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
		ToolUseId: aws.String(id),
		Name:      aws.String(name),
		Input:     document.NewLazyDocument(input),
	}}
}

// convertToolConfig merges tools with the legacy functions surface and maps
// tool_choice. It reports whether the legacy surface was used.
func convertToolConfig(req *openai.ChatCompletionRequest) (*brtypes.ToolConfiguration, bool, error) {
	legacy := len(req.Functions) > 0 || req.FunctionCall != nil

	var tools []brtypes.Tool
	for _, t := range req.Tools {
		if t.Type != openai.ToolTypeFunction || t.Function == nil {
			return nil, false, gwerrors.UnsupportedParameter("tools",
				fmt.Sprintf("tool type %q is not supported; only function tools are", t.Type))
		}
		tools = append(tools, toolSpec(*t.Function))
	}
	for _, f := range req.Functions {
		tools = append(tools, toolSpec(f))
	}
	if len(tools) == 0 {
		return nil, legacy, nil
	}

	tc := &brtypes.ToolConfiguration{Tools: tools}

	choice := req.ToolChoice
	param := "tool_choice"
	if choice == nil && req.FunctionCall != nil {
		choice = req.FunctionCall
		param = "function_call"
	}
	if choice != nil {
		switch {
		case choice.Function != nil:
			tc.ToolChoice = &brtypes.ToolChoiceMemberTool{
				Value: brtypes.SpecificToolChoice{Name: aws.String(choice.Function.Name)},
			}
		case choice.Mode == "auto", choice.Mode == "":
			tc.ToolChoice = &brtypes.ToolChoiceMemberAuto{Value: brtypes.AutoToolChoice{}}
		case choice.Mode == "required":
			tc.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
		case choice.Mode == "none":
			return nil, false, gwerrors.UnsupportedParameter(param,
				fmt.Sprintf("%s \"none\" is not supported; omit the tools instead", param))
		default:
			return nil, false, gwerrors.UnsupportedParameter(param,
				fmt.Sprintf("unsupported %s %q", param, choice.Mode))
		}
	}
	return tc, legacy, nil
}

func toolSpec(f openai.FunctionDef) brtypes.Tool {
	spec := brtypes.ToolSpecification{
		Name: aws.String(f.Name),
		InputSchema: &brtypes.ToolInputSchemaMemberJson{
			Value: document.NewLazyDocument(f.Parameters),
		},
	}
	if f.Description != "" {
		spec.Description = aws.String(f.Description)
	}
	return &brtypes.ToolMemberToolSpec{Value: spec}
}

// inferenceConfig unions the per-model defaults under the request fields.
func inferenceConfig(req *openai.ChatCompletionRequest, defaults map[string]any) *brtypes.InferenceConfiguration {
	ic := &brtypes.InferenceConfiguration{
		MaxTokens:   req.MaxOutputTokens(),
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if !req.Stop.IsZero() {
		ic.StopSequences = req.Stop.Values()
	}
	if ic.MaxTokens == nil {
		if v, ok := numericDefault(defaults, "max_tokens"); ok {
			ic.MaxTokens = aws.Int32(int32(v))
		}
	}
	if ic.Temperature == nil {
		if v, ok := numericDefault(defaults, "temperature"); ok {
			ic.Temperature = aws.Float32(float32(v))
		}
	}
	if ic.TopP == nil {
		if v, ok := numericDefault(defaults, "top_p"); ok {
			ic.TopP = aws.Float32(float32(v))
		}
	}
	if ic.StopSequences == nil {
		if raw, ok := defaults["stop"]; ok {
			switch v := raw.(type) {
			case string:
				ic.StopSequences = []string{v}
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						ic.StopSequences = append(ic.StopSequences, s)
					}
				}
			}
		}
	}
	return ic
}

func numericDefault(defaults map[string]any, key string) (float64, bool) {
	v, ok := defaults[key].(float64)
	return v, ok
}

// namedInferenceFields are handled as typed converse fields, never as extras.
var namedInferenceFields = map[string]struct{}{
	"temperature": {}, "top_p": {}, "max_tokens": {}, "stop": {},
}

// mergedExtras unions the per-model default extras under the request extras.
func mergedExtras(raw []byte, defaults map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	for k, v := range defaults {
		if _, named := namedInferenceFields[k]; named || v == nil {
			continue
		}
		merged[k] = v
	}
	if len(raw) > 0 {
		extras, err := openai.ExtraFields(raw)
		if err != nil {
			return nil, gwerrors.InvalidRequest(err.Error())
		}
		for k, v := range extras {
			merged[k] = v
		}
	}
	return merged, nil
}

// reasoningConfigModels lists model-id substrings whose families take the
// string reasoning_config field instead of a thinking budget.
var reasoningConfigModels = []string{"gpt-oss", "openai."}

// attachReasoning wires the thinking configuration into extras when the
// request asks for it.
func attachReasoning(req *openai.ChatCompletionRequest, modelID string, ic *brtypes.InferenceConfiguration, extras map[string]any) error {
	if req.ThinkingBudget != nil && req.EnableThinking != nil && !*req.EnableThinking {
		return gwerrors.InvalidParam("thinking_budget", "thinking_budget requires enable_thinking")
	}
	if req.ReasoningEffort != nil && req.ThinkingBudget != nil {
		return gwerrors.InvalidParam("reasoning_effort",
			"reasoning_effort and thinking_budget cannot be combined; set one")
	}
	wantsReasoning := req.ReasoningEffort != nil || req.ThinkingBudget != nil ||
		(req.EnableThinking != nil && *req.EnableThinking)
	if !wantsReasoning {
		return nil
	}

	effort := "medium"
	if req.ReasoningEffort != nil {
		effort = *req.ReasoningEffort
	}
	factor, ok := reasoningBudgetFactors[effort]
	if !ok {
		return gwerrors.InvalidParam("reasoning_effort",
			fmt.Sprintf("reasoning_effort must be one of minimal, low, medium, high; got %q", effort))
	}

	for _, marker := range reasoningConfigModels {
		if strings.Contains(modelID, marker) {
			if effort == "minimal" {
				effort = "low"
			}
			extras["reasoning_config"] = effort
			return nil
		}
	}

	budget := int32(0)
	if req.ThinkingBudget != nil {
		budget = *req.ThinkingBudget
	} else {
		maxTokens := int32(defaultMaxTokensForReasoning)
		if ic.MaxTokens != nil {
			maxTokens = *ic.MaxTokens
		}
		budget = int32(math.Floor(float64(maxTokens-1) * factor))
	}
	if budget < minReasoningBudget {
		budget = minReasoningBudget
	}
	extras["thinking"] = map[string]any{
		"type":          "enabled",
		"budget_tokens": budget,
	}
	return nil
}
