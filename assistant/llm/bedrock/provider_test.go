// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mira/platform/assistant/llm"
)

type fakeInvokeClient struct {
	lastInput *bedrockruntime.InvokeModelInput
	response  []byte
	err       error
}

func (c *fakeInvokeClient) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	c.lastInput = params
	if c.err != nil {
		return nil, c.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: c.response}, nil
}

func userMessages(content string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: content}}
}

func TestChat_AnthropicFamily(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{
		"content":     []map[string]string{{"type": "text", "text": "bedrock says hi"}},
		"stop_reason": "end_turn",
		"usage":       map[string]int{"input_tokens": 20, "output_tokens": 7},
	})
	client := &fakeInvokeClient{response: body}
	p := NewWithClient(client, "us-east-1", "anthropic.claude-3-5-sonnet-20240620-v1:0")

	resp, err := p.Chat(context.Background(), llm.ChatRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	assert.Equal(t, "bedrock says hi", resp.Content)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20240620-v1:0", resp.Model)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(client.lastInput.Body, &sent))
	assert.Equal(t, "bedrock-2023-05-31", sent["anthropic_version"])
}

func TestChat_AnthropicSystemPromptLifted(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": "ok"}},
	})
	client := &fakeInvokeClient{response: body}
	p := NewWithClient(client, "us-east-1", "anthropic.claude-3-5-sonnet-20240620-v1:0")

	_, err := p.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "Be concise."},
		{Role: llm.RoleUser, Content: "hi"},
	}})
	require.NoError(t, err)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(client.lastInput.Body, &sent))
	assert.Equal(t, "Be concise.", sent["system"])
	assert.Len(t, sent["messages"], 1)
}

func TestChat_TitanFamily(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{
		"inputTextTokenCount": 15,
		"results": []map[string]interface{}{
			{"tokenCount": 6, "outputText": "titan reply", "completionReason": "FINISH"},
		},
	})
	p := NewWithClient(&fakeInvokeClient{response: body}, "us-east-1", "amazon.titan-text-express-v1")

	resp, err := p.Chat(context.Background(), llm.ChatRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	assert.Equal(t, "titan reply", resp.Content)
	assert.Equal(t, "finish", resp.FinishReason)
	assert.Equal(t, 21, resp.Usage.TotalTokens)
}

func TestChat_MetaFamily(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{
		"generation":             "llama reply",
		"prompt_token_count":     4,
		"generation_token_count": 3,
		"stop_reason":            "stop",
	})
	p := NewWithClient(&fakeInvokeClient{response: body}, "us-east-1", "meta.llama3-70b-instruct-v1:0")

	resp, err := p.Chat(context.Background(), llm.ChatRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	assert.Equal(t, "llama reply", resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestChat_UnsupportedFamily(t *testing.T) {
	p := NewWithClient(&fakeInvokeClient{}, "us-east-1", "cohere.command-r-v1:0")

	_, err := p.Chat(context.Background(), llm.ChatRequest{Messages: userMessages("hi")})
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrCodeInvalidArgument, provErr.Code)
}

func TestChat_InvokeFailureMarksUnhealthy(t *testing.T) {
	p := NewWithClient(&fakeInvokeClient{err: errors.New("throttled")}, "us-east-1", "")

	_, err := p.Chat(context.Background(), llm.ChatRequest{Messages: userMessages("hi")})
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrCodeUnavailable, provErr.Code)
	assert.False(t, p.Available())
}

func TestChat_MalformedResponse(t *testing.T) {
	p := NewWithClient(&fakeInvokeClient{response: []byte("not json")}, "us-east-1", "")

	_, err := p.Chat(context.Background(), llm.ChatRequest{Messages: userMessages("hi")})
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrCodeMalformedResponse, provErr.Code)
}

func TestFlattenMessages(t *testing.T) {
	got := flattenMessages([]llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "question"},
		{Role: llm.RoleAssistant, Content: "answer"},
	})
	assert.Contains(t, got, "sys")
	assert.Contains(t, got, "User: question")
	assert.Contains(t, got, "Assistant: answer")
	assert.True(t, len(got) > 0 && got[len(got)-len("Assistant:"):] == "Assistant:")
}

func TestModelFamily(t *testing.T) {
	assert.Equal(t, "anthropic", modelFamily("anthropic.claude-3"))
	assert.Equal(t, "meta", modelFamily("meta.llama3"))
	assert.Equal(t, "plain", modelFamily("plain"))
}
