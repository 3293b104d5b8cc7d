// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/tokens"
)

// FinishReason maps a converse stop reason onto the OpenAI value. Tool use
// becomes function_call when the legacy surface was used.
func FinishReason(sr brtypes.StopReason, legacy bool) string {
	switch sr {
	case brtypes.StopReasonMaxTokens:
		return openai.FinishReasonLength
	case brtypes.StopReasonContentFiltered, brtypes.StopReasonGuardrailIntervened:
		return openai.FinishReasonContentFilter
	case brtypes.StopReasonToolUse:
		if legacy {
			return openai.FinishReasonFunctionCall
		}
		return openai.FinishReasonToolCalls
	default:
		return openai.FinishReasonStop
	}
}

// ChoiceFromOutput converts one converse response into a chat choice plus its
// usage contribution.
func ChoiceFromOutput(out *bedrockruntime.ConverseOutput, index int, traits *RequestTraits, estimateTokens bool) (openai.ChatChoice, openai.Usage, error) {
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return openai.ChatChoice{}, openai.Usage{}, fmt.Errorf("unexpected converse output type %T", out.Output)
	}

	var (
		text      string
		reasoning string
		toolCalls []openai.ToolCall
	)
	for _, block := range msgOut.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text += b.Value
		case *brtypes.ContentBlockMemberReasoningContent:
			if rt, ok := b.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok {
				reasoning += aws.ToString(rt.Value.Text)
			}
		case *brtypes.ContentBlockMemberToolUse:
			args := "{}"
			if b.Value.Input != nil {
				if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil {
					args = string(raw)
				}
			}
			idx := len(toolCalls)
			toolCalls = append(toolCalls, openai.ToolCall{
				Index: &idx,
				ID:    aws.ToString(b.Value.ToolUseId),
				Type:  openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      aws.ToString(b.Value.Name),
					Arguments: args,
				},
			})
		}
	}

	message := openai.ResponseMessage{
		Role:             openai.ChatMessageRoleAssistant,
		Content:          &text,
		ReasoningContent: reasoning,
	}
	if traits.LegacyFunctions && len(toolCalls) > 0 {
		fc := toolCalls[0].Function
		message.FunctionCall = &fc
	} else {
		message.ToolCalls = toolCalls
	}

	usage := usageFromTokenUsage(out.Usage)
	if estimateTokens && reasoning != "" && usage.CompletionTokensDetails == nil {
		est := tokens.Estimate(reasoning)
		usage.CompletionTokens += est
		usage.TotalTokens += est
		usage.CompletionTokensDetails = &openai.CompletionTokensDetails{ReasoningTokens: est}
	}

	return openai.ChatChoice{
		Index:        index,
		Message:      message,
		FinishReason: FinishReason(out.StopReason, traits.LegacyFunctions),
	}, usage, nil
}

func usageFromTokenUsage(tu *brtypes.TokenUsage) openai.Usage {
	if tu == nil {
		return openai.Usage{}
	}
	u := openai.Usage{
		PromptTokens:     int(aws.ToInt32(tu.InputTokens)),
		CompletionTokens: int(aws.ToInt32(tu.OutputTokens)),
		TotalTokens:      int(aws.ToInt32(tu.TotalTokens)),
	}
	if cached := int(aws.ToInt32(tu.CacheReadInputTokens)); cached > 0 {
		u.PromptTokensDetails = &openai.PromptTokensDetails{CachedTokens: cached}
	}
	return u
}

// SumUsage folds per-choice usages into the response total.
func SumUsage(usages []openai.Usage) openai.Usage {
	var total openai.Usage
	for _, u := range usages {
		total.PromptTokens += u.PromptTokens
		total.CompletionTokens += u.CompletionTokens
		total.TotalTokens += u.TotalTokens
		if u.PromptTokensDetails != nil {
			if total.PromptTokensDetails == nil {
				total.PromptTokensDetails = &openai.PromptTokensDetails{}
			}
			total.PromptTokensDetails.CachedTokens += u.PromptTokensDetails.CachedTokens
		}
		if u.CompletionTokensDetails != nil {
			if total.CompletionTokensDetails == nil {
				total.CompletionTokensDetails = &openai.CompletionTokensDetails{}
			}
			total.CompletionTokensDetails.ReasoningTokens += u.CompletionTokensDetails.ReasoningTokens
		}
	}
	return total
}

// NewChatResponse assembles the unary response envelope.
func NewChatResponse(requestID, model string, traits *RequestTraits, choices []openai.ChatChoice, usage openai.Usage) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:          "chatcmpl-" + requestID,
		Object:      "chat.completion",
		Created:     time.Now().Unix(),
		Model:       model,
		ServiceTier: traits.ServiceTier,
		Choices:     choices,
		Usage:       usage,
	}
}
