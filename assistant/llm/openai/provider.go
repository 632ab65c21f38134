// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

// Package openai implements the llm.Provider interface for OpenAI chat
// models on top of the go-openai client, including streaming.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"mira/platform/assistant/llm"
)

const (
	// DefaultModel is used when neither request nor config name one.
	DefaultModel = "gpt-4o-mini"

	providerName = "openai"
)

// Provider implements llm.Provider for OpenAI.
type Provider struct {
	client  *goopenai.Client
	model   string
	healthy bool
	mu      sync.RWMutex
}

var (
	_ llm.Provider          = (*Provider)(nil)
	_ llm.StreamingProvider = (*Provider)(nil)
)

// New creates an OpenAI provider from factory config.
func New(cfg llm.Config) (llm.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Provider{
		client:  goopenai.NewClientWithConfig(clientCfg),
		model:   model,
		healthy: true,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return providerName }

// Available reports configuration readiness.
func (p *Provider) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Chat sends a chat completion request and returns the normalized response.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	apiReq, model := p.buildRequest(req, false)

	apiResp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, p.classify(err)
	}
	p.setHealthy(true)

	if len(apiResp.Choices) == 0 {
		return nil, llm.NewProviderError(providerName, llm.ErrCodeMalformedResponse, "response has no choices")
	}

	choice := apiResp.Choices[0]
	out := &llm.ChatResponse{
		Content: choice.Message.Content,
		Model:   apiResp.Model,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency:      time.Since(start),
		FinishReason: string(choice.FinishReason),
	}
	if out.Model == "" {
		out.Model = model
	}

	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		out.Err = &llm.ResponseError{Code: llm.ErrCodeContentFiltered, Message: "response blocked by content filter"}
	}

	return out, nil
}

// ChatStream sends a streaming chat completion, invoking handler for each
// content delta in order.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest, handler llm.StreamHandler) (*llm.ChatResponse, error) {
	start := time.Now()

	apiReq, model := p.buildRequest(req, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, p.classify(err)
	}
	defer stream.Close()
	p.setHealthy(true)

	var content strings.Builder
	var finishReason string
	responseModel := model

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, p.classify(err)
		}

		if chunk.Model != "" {
			responseModel = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if handler != nil {
				if err := handler(llm.StreamChunk{Type: "content", Content: choice.Delta.Content}); err != nil {
					return nil, llm.NewProviderError(providerName, llm.ErrCodeInternal,
						fmt.Sprintf("stream handler: %v", err))
				}
			}
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}

	if handler != nil {
		if err := handler(llm.StreamChunk{Type: "done", Done: true}); err != nil {
			return nil, llm.NewProviderError(providerName, llm.ErrCodeInternal,
				fmt.Sprintf("stream handler: %v", err))
		}
	}

	// The streaming API does not report usage; the metrics decorator fills
	// in an estimate from the observed chunks.
	return &llm.ChatResponse{
		Content:      content.String(),
		Model:        responseModel,
		Latency:      time.Since(start),
		FinishReason: finishReason,
	}, nil
}

func (p *Provider) buildRequest(req llm.ChatRequest, stream bool) (goopenai.ChatCompletionRequest, string) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	apiReq := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature >= 0 {
		apiReq.Temperature = float32(req.Temperature)
	}
	return apiReq, model
}

// classify converts go-openai errors into coded ProviderErrors.
func (p *Provider) classify(err error) *llm.ProviderError {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 {
			p.setHealthy(false)
		}
		provErr := llm.NewProviderError(providerName, llm.CodeForStatus(apiErr.HTTPStatusCode), apiErr.Message)
		provErr.StatusCode = apiErr.HTTPStatusCode
		provErr.Cause = err
		return provErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		provErr := llm.NewProviderError(providerName, llm.ErrCodeDeadlineExceeded, "request deadline exceeded")
		provErr.Cause = err
		return provErr
	}

	p.setHealthy(false)
	provErr := llm.NewProviderError(providerName, llm.ErrCodeUnavailable,
		fmt.Sprintf("openai API unreachable: %v", err))
	provErr.Cause = err
	return provErr
}
