// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"
)

func textDelta(idx int32, text string) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(idx),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: text},
		},
	}
}

func TestChunkAccumulatorTextStream(t *testing.T) {
	acc := NewChunkAccumulator("req1", "claude", 0, &RequestTraits{}, true)

	initial := acc.Initial()
	require.Equal(t, "chatcmpl-req1", initial.ID)
	require.Equal(t, "chat.completion.chunk", initial.Object)
	require.Equal(t, "assistant", initial.Choices[0].Delta.Role)
	require.Nil(t, initial.Choices[0].Delta.Content)

	// messageStart carries nothing for the client.
	require.Nil(t, acc.Fold(&brtypes.ConverseStreamOutputMemberMessageStart{
		Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant},
	}))

	c := acc.Fold(textDelta(0, "Hel"))
	require.Equal(t, "Hel", *c.Choices[0].Delta.Content)
	c = acc.Fold(textDelta(0, "lo"))
	require.Equal(t, "lo", *c.Choices[0].Delta.Content)

	// Empty deltas and block stops are suppressed.
	require.Nil(t, acc.Fold(textDelta(0, "")))
	require.Nil(t, acc.Fold(&brtypes.ConverseStreamOutputMemberContentBlockStop{
		Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)},
	}))

	c = acc.Fold(&brtypes.ConverseStreamOutputMemberMessageStop{
		Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonEndTurn},
	})
	require.Equal(t, "stop", *c.Choices[0].FinishReason)
	require.True(t, acc.Finished())

	require.Nil(t, acc.Fold(&brtypes.ConverseStreamOutputMemberMetadata{
		Value: brtypes.ConverseStreamMetadataEvent{Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(3),
			OutputTokens: aws.Int32(2),
			TotalTokens:  aws.Int32(5),
		}},
	}))

	final := acc.Final()
	require.NotNil(t, final)
	require.Empty(t, final.Choices)
	require.Equal(t, 5, final.Usage.TotalTokens)
}

func TestChunkAccumulatorToolStream(t *testing.T) {
	acc := NewChunkAccumulator("req1", "claude", 0, &RequestTraits{}, false)

	c := acc.Fold(&brtypes.ConverseStreamOutputMemberContentBlockStart{
		Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &brtypes.ContentBlockStartMemberToolUse{
				Value: brtypes.ToolUseBlockStart{ToolUseId: aws.String("t1"), Name: aws.String("lookup")},
			},
		},
	})
	tc := c.Choices[0].Delta.ToolCalls[0]
	require.Equal(t, 0, *tc.Index)
	require.Equal(t, "t1", tc.ID)
	require.Equal(t, "lookup", tc.Function.Name)

	c = acc.Fold(&brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"q":`)}},
		},
	})
	tc = c.Choices[0].Delta.ToolCalls[0]
	require.Equal(t, 0, *tc.Index)
	require.Empty(t, tc.ID)
	require.Equal(t, `{"q":`, tc.Function.Arguments)

	// A second tool block gets the next index.
	c = acc.Fold(&brtypes.ConverseStreamOutputMemberContentBlockStart{
		Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(2),
			Start: &brtypes.ContentBlockStartMemberToolUse{
				Value: brtypes.ToolUseBlockStart{ToolUseId: aws.String("t2"), Name: aws.String("search")},
			},
		},
	})
	require.Equal(t, 1, *c.Choices[0].Delta.ToolCalls[0].Index)

	// No usage requested means no final chunk.
	require.Nil(t, acc.Final())
}

func TestChunkAccumulatorLegacyFunctions(t *testing.T) {
	acc := NewChunkAccumulator("req1", "claude", 0, &RequestTraits{LegacyFunctions: true}, false)

	c := acc.Fold(&brtypes.ConverseStreamOutputMemberContentBlockStart{
		Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(0),
			Start: &brtypes.ContentBlockStartMemberToolUse{
				Value: brtypes.ToolUseBlockStart{ToolUseId: aws.String("t1"), Name: aws.String("get_weather")},
			},
		},
	})
	require.Nil(t, c.Choices[0].Delta.ToolCalls)
	require.Equal(t, "get_weather", c.Choices[0].Delta.FunctionCall.Name)

	c = acc.Fold(&brtypes.ConverseStreamOutputMemberMessageStop{
		Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse},
	})
	require.Equal(t, "function_call", *c.Choices[0].FinishReason)
}

func TestChunkAccumulatorReasoningStream(t *testing.T) {
	acc := NewChunkAccumulator("req1", "claude", 0, &RequestTraits{}, false)
	c := acc.Fold(&brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta: &brtypes.ContentBlockDeltaMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockDeltaMemberText{Value: "hmm"},
			},
		},
	})
	require.Equal(t, "hmm", *c.Choices[0].Delta.ReasoningContent)
	require.Nil(t, c.Choices[0].Delta.Content)
}
