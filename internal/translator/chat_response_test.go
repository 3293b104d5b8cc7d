// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
)

func TestFinishReason(t *testing.T) {
	require.Equal(t, "stop", FinishReason(brtypes.StopReasonEndTurn, false))
	require.Equal(t, "stop", FinishReason(brtypes.StopReasonStopSequence, false))
	require.Equal(t, "length", FinishReason(brtypes.StopReasonMaxTokens, false))
	require.Equal(t, "content_filter", FinishReason(brtypes.StopReasonContentFiltered, false))
	require.Equal(t, "content_filter", FinishReason(brtypes.StopReasonGuardrailIntervened, false))
	require.Equal(t, "tool_calls", FinishReason(brtypes.StopReasonToolUse, false))
	require.Equal(t, "function_call", FinishReason(brtypes.StopReasonToolUse, true))
}

func converseOutput(blocks []brtypes.ContentBlock, stop brtypes.StopReason, usage *brtypes.TokenUsage) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks},
		},
		StopReason: stop,
		Usage:      usage,
	}
}

func TestChoiceFromOutput(t *testing.T) {
	out := converseOutput([]brtypes.ContentBlock{
		&brtypes.ContentBlockMemberReasoningContent{
			Value: &brtypes.ReasoningContentBlockMemberReasoningText{
				Value: brtypes.ReasoningTextBlock{Text: aws.String("thinking hard")},
			},
		},
		&brtypes.ContentBlockMemberText{Value: "The answer is "},
		&brtypes.ContentBlockMemberText{Value: "42."},
		&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
			ToolUseId: aws.String("t1"),
			Name:      aws.String("lookup"),
			Input:     document.NewLazyDocument(map[string]any{"q": "x"}),
		}},
	}, brtypes.StopReasonToolUse, &brtypes.TokenUsage{
		InputTokens:  aws.Int32(10),
		OutputTokens: aws.Int32(20),
		TotalTokens:  aws.Int32(30),
	})

	choice, usage, err := ChoiceFromOutput(out, 0, &RequestTraits{}, false)
	require.NoError(t, err)
	require.Equal(t, "tool_calls", choice.FinishReason)
	require.Equal(t, "The answer is 42.", *choice.Message.Content)
	require.Equal(t, "thinking hard", choice.Message.ReasoningContent)
	require.Len(t, choice.Message.ToolCalls, 1)
	require.Equal(t, "lookup", choice.Message.ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"q":"x"}`, choice.Message.ToolCalls[0].Function.Arguments)
	require.Equal(t, 10, usage.PromptTokens)
	require.Equal(t, 30, usage.TotalTokens)
}

func TestChoiceFromOutputLegacy(t *testing.T) {
	out := converseOutput([]brtypes.ContentBlock{
		&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
			ToolUseId: aws.String("t1"),
			Name:      aws.String("get_weather"),
			Input:     document.NewLazyDocument(map[string]any{"city": "Paris"}),
		}},
	}, brtypes.StopReasonToolUse, nil)

	choice, _, err := ChoiceFromOutput(out, 0, &RequestTraits{LegacyFunctions: true}, false)
	require.NoError(t, err)
	require.Equal(t, "function_call", choice.FinishReason)
	require.Nil(t, choice.Message.ToolCalls)
	require.Equal(t, "get_weather", choice.Message.FunctionCall.Name)
}

func TestReasoningTokenEstimation(t *testing.T) {
	out := converseOutput([]brtypes.ContentBlock{
		&brtypes.ContentBlockMemberReasoningContent{
			Value: &brtypes.ReasoningContentBlockMemberReasoningText{
				Value: brtypes.ReasoningTextBlock{Text: aws.String("step one step two step three")},
			},
		},
		&brtypes.ContentBlockMemberText{Value: "done"},
	}, brtypes.StopReasonEndTurn, &brtypes.TokenUsage{
		InputTokens:  aws.Int32(5),
		OutputTokens: aws.Int32(10),
		TotalTokens:  aws.Int32(15),
	})

	_, usage, err := ChoiceFromOutput(out, 0, &RequestTraits{}, true)
	require.NoError(t, err)
	require.NotNil(t, usage.CompletionTokensDetails)
	est := usage.CompletionTokensDetails.ReasoningTokens
	require.Positive(t, est)
	require.Equal(t, 10+est, usage.CompletionTokens)
	require.Equal(t, 15+est, usage.TotalTokens)
}

func TestCachedTokensReported(t *testing.T) {
	u := usageFromTokenUsage(&brtypes.TokenUsage{
		InputTokens:          aws.Int32(100),
		OutputTokens:         aws.Int32(1),
		TotalTokens:          aws.Int32(101),
		CacheReadInputTokens: aws.Int32(64),
	})
	require.NotNil(t, u.PromptTokensDetails)
	require.Equal(t, 64, u.PromptTokensDetails.CachedTokens)
}

func TestSumUsage(t *testing.T) {
	total := SumUsage([]openai.Usage{
		{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17,
			PromptTokensDetails: &openai.PromptTokensDetails{CachedTokens: 3}},
	})
	require.Equal(t, 20, total.PromptTokens)
	require.Equal(t, 12, total.CompletionTokens)
	require.Equal(t, 32, total.TotalTokens)
	require.Equal(t, 3, total.PromptTokensDetails.CachedTokens)
}

func TestNewChatResponse(t *testing.T) {
	resp := NewChatResponse("abc", "claude", &RequestTraits{ServiceTier: "priority"}, nil, openai.Usage{})
	require.Equal(t, "chatcmpl-abc", resp.ID)
	require.Equal(t, "chat.completion", resp.Object)
	require.Equal(t, "priority", resp.ServiceTier)
	require.NotZero(t, resp.Created)
}
