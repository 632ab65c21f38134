// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

// Package llm provides the unified interface and types for AI providers used
// by the Mira assistant. All vendor adapters normalize their requests and
// responses to the envelopes defined here, so the orchestrator never sees a
// vendor wire format.
package llm

import (
	"fmt"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the conversation sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized request envelope sent to any provider.
type ChatRequest struct {
	// Messages is the ordered conversation, oldest first. The merged
	// context block travels as a leading system message.
	Messages []Message `json:"messages"`

	// TenantID identifies the tenant for quota and metric attribution.
	TenantID string `json:"tenant_id"`

	// UserID identifies the requesting user. May be empty for system calls.
	UserID string `json:"user_id,omitempty"`

	// ConversationID links the request to a conversation session.
	ConversationID string `json:"conversation_id,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// MaxTokens limits the response length. 0 uses provider defaults.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness. Negative means unset.
	Temperature float64 `json:"temperature,omitempty"`

	// Stream requests the streaming variant.
	Stream bool `json:"stream,omitempty"`

	// Metadata carries provider-specific options.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UsageStats tracks token usage for quota accounting and billing.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseError describes a routine, expected provider failure such as a
// content filter hit or a malformed model response. It travels inside the
// ChatResponse as a value so callers can decide retry-vs-fail without
// exception-driven control flow. Transport and auth failures are returned as
// *ProviderError instead.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ChatResponse is the normalized response envelope from any provider.
// A response with a non-nil Err is a value, not a fault: check HasError().
type ChatResponse struct {
	Content      string         `json:"content"`
	Model        string         `json:"model"`
	Usage        UsageStats     `json:"usage"`
	Latency      time.Duration  `json:"latency"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Err          *ResponseError `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// HasError reports whether the provider returned an error-valued response.
func (r *ChatResponse) HasError() bool {
	return r != nil && r.Err != nil
}

// StreamChunk is a single piece of a streaming response.
type StreamChunk struct {
	// Type identifies the chunk: "content", "done", or "error".
	Type string `json:"type"`

	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// StreamHandler is invoked for each chunk of a streaming response, in order.
// Returning an error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// Error codes attached to ProviderError. These drive retry classification:
// request and credential defects are never retried, presumed-transient codes
// are.
const (
	ErrCodeInvalidArgument   = "invalid_argument"
	ErrCodeUnauthenticated   = "unauthenticated"
	ErrCodePermissionDenied  = "permission_denied"
	ErrCodeResourceExhausted = "resource_exhausted"
	ErrCodeUnavailable       = "unavailable"
	ErrCodeDeadlineExceeded  = "deadline_exceeded"
	ErrCodeMalformedResponse = "malformed_response"
	ErrCodeContentFiltered   = "content_filtered"
	ErrCodeInternal          = "internal"
)

// ProviderError represents a transport-level or configuration failure from a
// provider adapter. Routine model failures are ResponseError values instead.
type ProviderError struct {
	Provider   string `json:"provider"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Cause      error  `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError with the retryable flag derived
// from the code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: retryableCode(code),
	}
}

// retryableCode reports whether an error code is presumed transient.
// Unknown codes are treated as transient: only positively identified request
// or credential defects skip the retry loop.
func retryableCode(code string) bool {
	switch code {
	case ErrCodeInvalidArgument, ErrCodeUnauthenticated, ErrCodePermissionDenied:
		return false
	default:
		return true
	}
}

// CodeForStatus maps an HTTP status code from a provider API to an error code.
func CodeForStatus(status int) string {
	switch status {
	case 400, 404, 413, 422:
		return ErrCodeInvalidArgument
	case 401:
		return ErrCodeUnauthenticated
	case 403:
		return ErrCodePermissionDenied
	case 408, 504:
		return ErrCodeDeadlineExceeded
	case 429:
		return ErrCodeResourceExhausted
	case 500, 502, 503, 529:
		return ErrCodeUnavailable
	default:
		if status >= 500 {
			return ErrCodeUnavailable
		}
		return ErrCodeInternal
	}
}
