// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

// Package anthropic implements the llm.Provider interface for Anthropic's
// Claude models via the Messages API, with both single-shot and SSE
// streaming completion modes.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"mira/platform/assistant/llm"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version
	DefaultAPIVersion = "2023-06-01"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// DefaultModel is used when neither request nor config name one.
	DefaultModel = "claude-3-5-sonnet-20241022"

	providerName = "anthropic"
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Anthropic Claude.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
	healthy    bool
	mu         sync.RWMutex
}

var (
	_ llm.Provider          = (*Provider)(nil)
	_ llm.StreamingProvider = (*Provider)(nil)
)

// New creates an Anthropic provider from factory config.
func New(cfg llm.Config) (llm.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	timeout := DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		apiVersion: DefaultAPIVersion,
		model:      model,
		client:     &http.Client{Timeout: timeout},
		healthy:    true,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return providerName }

// Available reports configuration readiness.
func (p *Provider) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy && p.apiKey != ""
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Chat sends a Messages API request and returns the normalized response.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	body, model, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}
	p.setHealthy(true)

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError(providerName, llm.ErrCodeMalformedResponse,
			fmt.Sprintf("decode response: %v", err))
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	out := &llm.ChatResponse{
		Content: content.String(),
		Model:   apiResp.Model,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: apiResp.StopReason,
	}
	if out.Model == "" {
		out.Model = model
	}

	// Refusals surface as an error-valued response so the orchestrator can
	// decide retry-vs-fail without unwinding the call stack.
	if apiResp.StopReason == "refusal" {
		out.Err = &llm.ResponseError{Code: llm.ErrCodeContentFiltered, Message: "model refused the request"}
	}

	return out, nil
}

// ChatStream sends a streaming Messages API request, invoking handler for
// each content delta in order.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest, handler llm.StreamHandler) (*llm.ChatResponse, error) {
	start := time.Now()

	body, model, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}
	p.setHealthy(true)

	return p.processStream(resp.Body, handler, start, model)
}

func (p *Provider) buildBody(req llm.ChatRequest, stream bool) ([]byte, string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Stream:    stream,
	}

	// Anthropic carries the system prompt outside the messages array.
	var system strings.Builder
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		default:
			apiReq.Messages = append(apiReq.Messages, apiMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	if system.Len() > 0 {
		apiReq.System = system.String()
	}

	if len(apiReq.Messages) == 0 {
		return nil, "", llm.NewProviderError(providerName, llm.ErrCodeInvalidArgument, "request has no user messages")
	}

	// 0.0 is a valid temperature (deterministic); negative means unset.
	if req.Temperature >= 0 {
		temp := req.Temperature
		apiReq.Temperature = &temp
	}

	payload, err := json.Marshal(apiReq)
	if err != nil {
		return nil, "", llm.NewProviderError(providerName, llm.ErrCodeInternal,
			fmt.Sprintf("marshal request: %v", err))
	}
	return payload, model, nil
}

func (p *Provider) send(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewProviderError(providerName, llm.ErrCodeInternal,
			fmt.Sprintf("create request: %v", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		provErr := llm.NewProviderError(providerName, llm.ErrCodeUnavailable,
			fmt.Sprintf("anthropic API unreachable: %v", err))
		provErr.Cause = err
		return nil, provErr
	}
	return resp, nil
}

func (p *Provider) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		p.setHealthy(false)
	}

	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	provErr := llm.NewProviderError(providerName, llm.CodeForStatus(resp.StatusCode), message)
	provErr.StatusCode = resp.StatusCode
	return provErr
}

// processStream consumes the SSE stream, forwarding content deltas to the
// handler and aggregating the final response.
func (p *Provider) processStream(body io.Reader, handler llm.StreamHandler, start time.Time, model string) (*llm.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	var usage llm.UsageStats
	var stopReason string
	responseModel := model

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue // skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				if event.Message.Model != "" {
					responseModel = event.Message.Model
				}
				if event.Message.Usage != nil {
					usage.PromptTokens = event.Message.Usage.InputTokens
				}
			}

		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				content.WriteString(event.Delta.Text)
				if handler != nil {
					if err := handler(llm.StreamChunk{Type: "content", Content: event.Delta.Text}); err != nil {
						return nil, llm.NewProviderError(providerName, llm.ErrCodeInternal,
							fmt.Sprintf("stream handler: %v", err))
					}
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			if handler != nil {
				if err := handler(llm.StreamChunk{Type: "done", Done: true}); err != nil {
					return nil, llm.NewProviderError(providerName, llm.ErrCodeInternal,
						fmt.Sprintf("stream handler: %v", err))
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		provErr := llm.NewProviderError(providerName, llm.ErrCodeUnavailable,
			fmt.Sprintf("stream read: %v", err))
		provErr.Cause = err
		return nil, provErr
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &llm.ChatResponse{
		Content:      content.String(),
		Model:        responseModel,
		Usage:        usage,
		Latency:      time.Since(start),
		FinishReason: stopReason,
	}, nil
}

// Internal API types

type messagesRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string `json:"model"`
		Usage *struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type,omitempty"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}
