// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package rerank

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	rerankCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_assistant_rerank_calls_total",
			Help: "Total rerank calls by provider and outcome (success or fallback)",
		},
		[]string{"provider", "outcome"},
	)
	rerankLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mira_assistant_rerank_duration_seconds",
			Help:    "Latency of successful remote rerank calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(rerankCallsTotal)
	prometheus.MustRegister(rerankLatency)
}
