// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"time"

	"mira/platform/shared/logger"
)

// MetricsRecorder receives one observation per logical exchange. Streaming
// calls emit a single consolidated completion observation at stream end, not
// one per chunk: per-chunk metrics would double-count cost.
type MetricsRecorder interface {
	RecordCompletion(provider, model, tenantID string, latency time.Duration, usage UsageStats)
	RecordError(provider, model, tenantID, kind string)
}

// QuotaConsumer accepts token consumption records. Implementations must be
// best-effort: a consume failure is auxiliary bookkeeping, never a gate on a
// successful chat call.
type QuotaConsumer interface {
	Consume(ctx context.Context, tenantID, userID, conversationID, model string, inputTokens, outputTokens int) error
}

// unknownLabel replaces missing user/conversation ids in accounting records
// to keep label cardinality bounded and queries simple.
const unknownLabel = "unknown"

// MeteredProvider decorates a Provider with metrics recording and quota
// consumption without changing its interface. Compose explicitly:
//
//	wrapped := llm.WithMetrics(base, recorder, quota, log)
type MeteredProvider struct {
	inner    Provider
	recorder MetricsRecorder
	quota    QuotaConsumer
	log      *logger.Logger
}

// WithMetrics wraps a provider. recorder and quota may be nil, in which case
// the corresponding side effect is skipped.
func WithMetrics(inner Provider, recorder MetricsRecorder, quota QuotaConsumer, log *logger.Logger) *MeteredProvider {
	return &MeteredProvider{inner: inner, recorder: recorder, quota: quota, log: log}
}

var (
	_ Provider          = (*MeteredProvider)(nil)
	_ StreamingProvider = (*MeteredProvider)(nil)
)

// Name returns the inner provider's name.
func (m *MeteredProvider) Name() string { return m.inner.Name() }

// Available reports the inner provider's readiness.
func (m *MeteredProvider) Available() bool { return m.inner.Available() }

// Chat forwards to the inner provider and records exactly one metric for the
// exchange. Quota is consumed only on success: an error-valued response
// produced no tokens worth accounting.
func (m *MeteredProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := m.inner.Chat(ctx, req)
	latency := time.Since(start)

	if err != nil {
		m.recordError(req, "provider_error")
		return nil, err
	}

	if resp.HasError() {
		m.recordError(req, "ai_error")
		return resp, nil
	}

	m.recordCompletion(req, resp.Model, latency, resp.Usage)
	m.consumeQuota(ctx, req, resp.Model, resp.Usage)
	return resp, nil
}

// ChatStream forwards to the inner provider's streaming path, accumulating
// token totals and emitting one consolidated completion metric when the
// stream finishes. A mid-stream failure emits a single stream_error metric.
func (m *MeteredProvider) ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error) {
	streamer, ok := m.inner.(StreamingProvider)
	if !ok {
		return nil, NewProviderError(m.inner.Name(), ErrCodeInvalidArgument, "provider does not support streaming")
	}

	start := time.Now()
	var estimated int
	resp, err := streamer.ChatStream(ctx, req, func(chunk StreamChunk) error {
		if chunk.Type == "content" {
			estimated += EstimateTokens(chunk.Content)
		}
		return handler(chunk)
	})
	latency := time.Since(start)

	if err != nil {
		m.recordError(req, "stream_error")
		return nil, err
	}

	if resp.HasError() {
		m.recordError(req, "ai_error")
		return resp, nil
	}

	usage := resp.Usage
	if usage.CompletionTokens == 0 {
		// Provider did not report usage on the stream; fall back to the
		// per-chunk estimate.
		usage.CompletionTokens = estimated
		usage.TotalTokens = usage.PromptTokens + estimated
	}

	m.recordCompletion(req, resp.Model, latency, usage)
	m.consumeQuota(ctx, req, resp.Model, usage)
	return resp, nil
}

func (m *MeteredProvider) recordCompletion(req ChatRequest, model string, latency time.Duration, usage UsageStats) {
	if m.recorder == nil {
		return
	}
	m.recorder.RecordCompletion(m.inner.Name(), model, req.TenantID, latency, usage)
}

func (m *MeteredProvider) recordError(req ChatRequest, kind string) {
	if m.recorder == nil {
		return
	}
	m.recorder.RecordError(m.inner.Name(), req.Model, req.TenantID, kind)
}

func (m *MeteredProvider) consumeQuota(ctx context.Context, req ChatRequest, model string, usage UsageStats) {
	if m.quota == nil {
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = unknownLabel
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = unknownLabel
	}

	// Token accounting is best-effort bookkeeping: a consume failure is
	// logged and swallowed, never surfaced to the caller.
	if err := m.quota.Consume(ctx, req.TenantID, userID, conversationID, model,
		usage.PromptTokens, usage.CompletionTokens); err != nil && m.log != nil {
		m.log.Warn(req.TenantID, conversationID, "quota consume failed", map[string]interface{}{
			"provider": m.inner.Name(),
			"model":    model,
			"error":    err.Error(),
		})
	}
}

// EstimateTokens approximates the token count of a text fragment. Used only
// when a provider's stream does not report usage; four characters per token
// is the common approximation for English text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
