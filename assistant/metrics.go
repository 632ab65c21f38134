// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mira/platform/assistant/llm"
)

// Prometheus metrics
var (
	promChatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_assistant_chat_turns_total",
			Help: "Total chat turns processed, by mode and terminal state",
		},
		[]string{"mode", "status"},
	)
	promChatTurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mira_assistant_chat_turn_duration_milliseconds",
			Help:    "End-to-end chat turn duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"mode"},
	)
	promProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_assistant_provider_calls_total",
			Help: "Total AI provider calls, by provider and outcome",
		},
		[]string{"provider", "status"},
	)
	promProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mira_assistant_provider_latency_milliseconds",
			Help:    "AI provider call latency per completed exchange",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"provider", "model"},
	)
	promProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_assistant_provider_tokens_total",
			Help: "Tokens consumed per provider, model, tenant, and direction",
		},
		[]string{"provider", "model", "tenant", "direction"},
	)
	promCapabilityRejects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mira_assistant_capability_rejections_total",
			Help: "Requests rejected by the model capability gate before dispatch",
		},
	)
	promQuotaRejects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mira_assistant_quota_rejections_total",
			Help: "Requests rejected by the daily token budget before dispatch",
		},
	)
	promIndexJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_assistant_index_jobs_total",
			Help: "Document indexing jobs, by outcome",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(promChatTurnsTotal)
	prometheus.MustRegister(promChatTurnDuration)
	prometheus.MustRegister(promProviderCalls)
	prometheus.MustRegister(promProviderLatency)
	prometheus.MustRegister(promProviderTokens)
	prometheus.MustRegister(promCapabilityRejects)
	prometheus.MustRegister(promQuotaRejects)
	prometheus.MustRegister(promIndexJobs)
}

// PromRecorder implements llm.MetricsRecorder on the package's Prometheus
// metrics. One observation per logical exchange.
type PromRecorder struct{}

var _ llm.MetricsRecorder = PromRecorder{}

// RecordCompletion records a successful exchange.
func (PromRecorder) RecordCompletion(provider, model, tenantID string, latency time.Duration, usage llm.UsageStats) {
	promProviderCalls.WithLabelValues(provider, "success").Inc()
	promProviderLatency.WithLabelValues(provider, model).Observe(float64(latency.Milliseconds()))
	promProviderTokens.WithLabelValues(provider, model, tenantID, "input").Add(float64(usage.PromptTokens))
	promProviderTokens.WithLabelValues(provider, model, tenantID, "output").Add(float64(usage.CompletionTokens))
}

// RecordError records one failed exchange, tagged ai_error, stream_error, or
// provider_error.
func (PromRecorder) RecordError(provider, model, tenantID, kind string) {
	promProviderCalls.WithLabelValues(provider, kind).Inc()
}
