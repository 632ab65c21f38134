// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

// Package bedrock implements the llm.Provider interface for AWS Bedrock
// managed models using the AWS SDK v2, with Signature V4 authentication via
// the ambient IAM credential chain.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"mira/platform/assistant/llm"
)

const (
	// DefaultRegion is used when config names no region.
	DefaultRegion = "us-east-1"

	// DefaultModel is used when neither request nor config name one.
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	defaultMaxTokens = 4096

	providerName = "bedrock"
)

// InvokeClient is the subset of the Bedrock runtime client used by the
// provider (enables testing).
type InvokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock. Streaming is not
// offered: Bedrock calls go through the single-shot InvokeModel API.
type Provider struct {
	client  InvokeClient
	region  string
	model   string
	healthy bool
	mu      sync.RWMutex
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Bedrock provider from factory config. Returns an error when
// the AWS config chain cannot be loaded; callers should surface this rather
// than silently falling back.
func New(cfg llm.Config) (llm.Provider, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for Bedrock (region %s): %w", region, err)
	}

	return &Provider{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		region:  region,
		model:   model,
		healthy: true,
	}, nil
}

// NewWithClient creates a provider around an existing client. Used by tests.
func NewWithClient(client InvokeClient, region, model string) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, region: region, model: model, healthy: true}
}

// Name returns the provider name.
func (p *Provider) Name() string { return providerName }

// Available reports configuration readiness.
func (p *Provider) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy && p.client != nil
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Chat invokes the configured Bedrock model and returns the normalized
// response.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := buildRequestBody(req, model)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewProviderError(providerName, llm.ErrCodeInternal,
			fmt.Sprintf("marshal request: %v", err))
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.setHealthy(false)
		provErr := llm.NewProviderError(providerName, llm.ErrCodeUnavailable,
			fmt.Sprintf("bedrock invoke failed: %v", err))
		provErr.Cause = err
		return nil, provErr
	}
	p.setHealthy(true)

	resp, err := parseResponseBody(output.Body, model)
	if err != nil {
		return nil, err
	}

	resp.Model = model
	resp.Latency = time.Since(start)
	return resp, nil
}

// modelFamily extracts the vendor prefix from a Bedrock model id, e.g.
// "anthropic.claude-3-5-sonnet-..." -> "anthropic".
func modelFamily(model string) string {
	if idx := strings.Index(model, "."); idx > 0 {
		return model[:idx]
	}
	return model
}

// buildRequestBody builds the vendor-specific request body for the model
// family.
func buildRequestBody(req llm.ChatRequest, model string) (map[string]interface{}, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature
	if temperature < 0 {
		temperature = 0.7
	}

	switch modelFamily(model) {
	case "anthropic":
		var system strings.Builder
		messages := make([]map[string]string, 0, len(req.Messages))
		for _, msg := range req.Messages {
			if msg.Role == llm.RoleSystem {
				if system.Len() > 0 {
					system.WriteString("\n\n")
				}
				system.WriteString(msg.Content)
				continue
			}
			messages = append(messages, map[string]string{
				"role":    string(msg.Role),
				"content": msg.Content,
			})
		}
		if len(messages) == 0 {
			return nil, llm.NewProviderError(providerName, llm.ErrCodeInvalidArgument, "request has no user messages")
		}
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       temperature,
			"messages":          messages,
		}
		if system.Len() > 0 {
			body["system"] = system.String()
		}
		return body, nil

	case "amazon":
		return map[string]interface{}{
			"inputText": flattenMessages(req.Messages),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   temperature,
			},
		}, nil

	case "meta":
		return map[string]interface{}{
			"prompt":      flattenMessages(req.Messages),
			"max_gen_len": maxTokens,
			"temperature": temperature,
		}, nil

	case "mistral":
		return map[string]interface{}{
			"prompt":      flattenMessages(req.Messages),
			"max_tokens":  maxTokens,
			"temperature": temperature,
		}, nil

	default:
		return nil, llm.NewProviderError(providerName, llm.ErrCodeInvalidArgument,
			fmt.Sprintf("unsupported model family %q", modelFamily(model)))
	}
}

// flattenMessages renders a chat transcript as a single prompt for model
// families without a native messages format.
func flattenMessages(messages []llm.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			b.WriteString(msg.Content)
		case llm.RoleUser:
			b.WriteString("User: ")
			b.WriteString(msg.Content)
		case llm.RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(msg.Content)
		}
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

// parseResponseBody parses the vendor-specific response body for the model
// family into the normalized envelope.
func parseResponseBody(body []byte, model string) (*llm.ChatResponse, error) {
	switch modelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, llm.NewProviderError(providerName, llm.ErrCodeMalformedResponse,
				fmt.Sprintf("decode anthropic response: %v", err))
		}
		var content strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		return &llm.ChatResponse{
			Content:      content.String(),
			FinishReason: resp.StopReason,
			Usage: llm.UsageStats{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		}, nil

	case "amazon":
		var resp struct {
			InputTextTokenCount int `json:"inputTextTokenCount"`
			Results             []struct {
				TokenCount       int    `json:"tokenCount"`
				OutputText       string `json:"outputText"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, llm.NewProviderError(providerName, llm.ErrCodeMalformedResponse,
				fmt.Sprintf("decode titan response: %v", err))
		}
		if len(resp.Results) == 0 {
			return nil, llm.NewProviderError(providerName, llm.ErrCodeMalformedResponse, "titan response has no results")
		}
		result := resp.Results[0]
		return &llm.ChatResponse{
			Content:      result.OutputText,
			FinishReason: strings.ToLower(result.CompletionReason),
			Usage: llm.UsageStats{
				PromptTokens:     resp.InputTextTokenCount,
				CompletionTokens: result.TokenCount,
				TotalTokens:      resp.InputTextTokenCount + result.TokenCount,
			},
		}, nil

	case "meta":
		var resp struct {
			Generation           string `json:"generation"`
			PromptTokenCount     int    `json:"prompt_token_count"`
			GenerationTokenCount int    `json:"generation_token_count"`
			StopReason           string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, llm.NewProviderError(providerName, llm.ErrCodeMalformedResponse,
				fmt.Sprintf("decode llama response: %v", err))
		}
		return &llm.ChatResponse{
			Content:      resp.Generation,
			FinishReason: resp.StopReason,
			Usage: llm.UsageStats{
				PromptTokens:     resp.PromptTokenCount,
				CompletionTokens: resp.GenerationTokenCount,
				TotalTokens:      resp.PromptTokenCount + resp.GenerationTokenCount,
			},
		}, nil

	case "mistral":
		var resp struct {
			Outputs []struct {
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, llm.NewProviderError(providerName, llm.ErrCodeMalformedResponse,
				fmt.Sprintf("decode mistral response: %v", err))
		}
		if len(resp.Outputs) == 0 {
			return nil, llm.NewProviderError(providerName, llm.ErrCodeMalformedResponse, "mistral response has no outputs")
		}
		return &llm.ChatResponse{
			Content:      resp.Outputs[0].Text,
			FinishReason: resp.Outputs[0].StopReason,
		}, nil

	default:
		return nil, llm.NewProviderError(providerName, llm.ErrCodeInvalidArgument,
			fmt.Sprintf("unsupported model family %q", modelFamily(model)))
	}
}
