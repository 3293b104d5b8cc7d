// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
)

// ChunkAccumulator folds one converse event stream into OpenAI chat chunks.
// One accumulator serves one choice; n-way requests run one per stream.
type ChunkAccumulator struct {
	id           string
	model        string
	created      int64
	choiceIndex  int
	traits       *RequestTraits
	includeUsage bool

	// toolIdx maps provider content-block indexes to OpenAI tool-call
	// indexes, assigned in order of first appearance.
	toolIdx  map[int32]int
	nextTool int

	finished bool
	usage    *openai.Usage
}

// NewChunkAccumulator builds the accumulator for one streamed choice.
func NewChunkAccumulator(requestID, model string, choiceIndex int, traits *RequestTraits, includeUsage bool) *ChunkAccumulator {
	return &ChunkAccumulator{
		id:           "chatcmpl-" + requestID,
		model:        model,
		created:      time.Now().Unix(),
		choiceIndex:  choiceIndex,
		traits:       traits,
		includeUsage: includeUsage,
		toolIdx:      map[int32]int{},
	}
}

func (a *ChunkAccumulator) chunk(delta openai.ChunkDelta, finish *string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:          a.id,
		Object:      "chat.completion.chunk",
		Created:     a.created,
		Model:       a.model,
		ServiceTier: a.traits.ServiceTier,
		Choices: []openai.ChunkChoice{{
			Index:        a.choiceIndex,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

// Initial returns the leading chunk carrying only the assistant role.
func (a *ChunkAccumulator) Initial() *openai.ChatCompletionChunk {
	return a.chunk(openai.ChunkDelta{Role: openai.ChatMessageRoleAssistant}, nil)
}

// Fold maps one provider event onto at most one chunk. Events that carry
// nothing for the client (contentBlockStop, messageStart, empty deltas)
// yield nil.
func (a *ChunkAccumulator) Fold(ev brtypes.ConverseStreamOutput) *openai.ChatCompletionChunk {
	switch e := ev.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		start, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		idx := a.toolIndex(aws.ToInt32(e.Value.ContentBlockIndex))
		name := aws.ToString(start.Value.Name)
		if a.traits.LegacyFunctions {
			return a.chunk(openai.ChunkDelta{
				FunctionCall: &openai.FunctionCall{Name: name, Arguments: ""},
			}, nil)
		}
		return a.chunk(openai.ChunkDelta{
			ToolCalls: []openai.ToolCall{{
				Index:    &idx,
				ID:       aws.ToString(start.Value.ToolUseId),
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: name, Arguments: ""},
			}},
		}, nil)

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if d.Value == "" {
				return nil
			}
			return a.chunk(openai.ChunkDelta{Content: aws.String(d.Value)}, nil)
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if rt, ok := d.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && rt.Value != "" {
				return a.chunk(openai.ChunkDelta{ReasoningContent: aws.String(rt.Value)}, nil)
			}
			return nil
		case *brtypes.ContentBlockDeltaMemberToolUse:
			fragment := aws.ToString(d.Value.Input)
			if fragment == "" {
				return nil
			}
			if a.traits.LegacyFunctions {
				return a.chunk(openai.ChunkDelta{
					FunctionCall: &openai.FunctionCall{Arguments: fragment},
				}, nil)
			}
			idx := a.toolIndex(aws.ToInt32(e.Value.ContentBlockIndex))
			return a.chunk(openai.ChunkDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &idx,
					Function: openai.FunctionCall{Arguments: fragment},
				}},
			}, nil)
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		a.finished = true
		finish := FinishReason(e.Value.StopReason, a.traits.LegacyFunctions)
		return a.chunk(openai.ChunkDelta{}, &finish)

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if e.Value.Usage != nil {
			u := usageFromTokenUsage(e.Value.Usage)
			a.usage = &u
		}
		return nil
	}
	return nil
}

// toolIndex assigns OpenAI tool-call indexes in first-seen block order.
func (a *ChunkAccumulator) toolIndex(blockIndex int32) int {
	if idx, ok := a.toolIdx[blockIndex]; ok {
		return idx
	}
	idx := a.nextTool
	a.nextTool++
	a.toolIdx[blockIndex] = idx
	return idx
}

// Final returns the trailing usage chunk, or nil when the client did not ask
// for usage or the provider never reported it.
func (a *ChunkAccumulator) Final() *openai.ChatCompletionChunk {
	if !a.includeUsage || a.usage == nil {
		return nil
	}
	return &openai.ChatCompletionChunk{
		ID:          a.id,
		Object:      "chat.completion.chunk",
		Created:     a.created,
		Model:       a.model,
		ServiceTier: a.traits.ServiceTier,
		Choices:     []openai.ChunkChoice{},
		Usage:       a.usage,
	}
}

// Finished reports whether a messageStop event was folded.
func (a *ChunkAccumulator) Finished() bool { return a.finished }
