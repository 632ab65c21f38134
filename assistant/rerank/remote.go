// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mira/platform/shared/logger"
)

// RemoteConfig configures a remote ranking service.
type RemoteConfig struct {
	// Provider selects the API dialect: "cohere", "jina", or "generic"
	// (the OpenAI-compatible /rerank shape used by Voyage, SiliconFlow,
	// and self-hosted cross-encoders).
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	APIURL   string `yaml:"api_url"`

	// TimeoutSeconds bounds each ranking call. 0 means 30s.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Remote calls an external ranking service. Every failure mode (timeout,
// malformed response, missing configuration) degrades to the fallback
// result; Rerank never returns an error.
type Remote struct {
	client   *http.Client
	provider string
	model    string
	apiKey   string
	apiURL   string
	log      *logger.Logger
}

var _ Reranker = (*Remote)(nil)

// NewRemote creates a remote reranker. Configuration errors are returned at
// construction time, where they are programmer/config defects; runtime
// failures are absorbed.
func NewRemote(cfg RemoteConfig, log *logger.Logger) (*Remote, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		return nil, errors.New("reranker provider is required")
	}

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	switch provider {
	case "cohere":
		if apiURL == "" {
			apiURL = "https://api.cohere.com/v2"
		}
	case "jina":
		if apiURL == "" {
			apiURL = "https://api.jina.ai/v1"
		}
	case "generic":
		if apiURL == "" {
			return nil, errors.New("api_url is required for the generic reranker provider")
		}
	default:
		return nil, fmt.Errorf("unknown reranker provider %q", provider)
	}

	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &Remote{
		client:   &http.Client{Timeout: timeout},
		provider: provider,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		apiURL:   apiURL,
		log:      log,
	}, nil
}

// Name returns the provider identifier.
func (r *Remote) Name() string { return r.provider }

// Rerank scores the documents against the query and returns them ordered by
// descending relevance, truncated to topN. Nil or empty input returns an
// empty unapplied result. Any provider failure returns the fallback with the
// original order preserved.
func (r *Remote) Rerank(ctx context.Context, query string, documents []Document, topN int) Result {
	if len(documents) == 0 {
		return Result{Applied: false, ProviderName: r.provider}
	}

	start := time.Now()
	scores, err := r.call(ctx, query, documents)
	latency := time.Since(start)

	if err != nil {
		rerankCallsTotal.WithLabelValues(r.provider, "fallback").Inc()
		if r.log != nil {
			r.log.Warn("", "", "rerank failed, preserving original order", map[string]interface{}{
				"provider":  r.provider,
				"documents": len(documents),
				"error":     err.Error(),
			})
		}
		result := Fallback(r.provider, documents, topN, err.Error())
		result.LatencyMs = latency.Milliseconds()
		return result
	}

	rerankCallsTotal.WithLabelValues(r.provider, "success").Inc()
	rerankLatency.WithLabelValues(r.provider).Observe(latency.Seconds())

	return Result{
		Documents:    applyScores(r.provider, documents, scores, topN),
		Applied:      true,
		ProviderName: r.provider,
		LatencyMs:    latency.Milliseconds(),
	}
}

// rerankRequest is the wire shape shared by the cohere, jina, and generic
// dialects.
type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *Remote) call(ctx context.Context, query string, documents []Document) ([]Score, error) {
	texts := make([]string, len(documents))
	for i, d := range documents {
		texts[i] = d.Content
	}

	payload, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var parsed rerankResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, errors.New("ranking service returned no results")
	}

	scores := make([]Score, len(parsed.Results))
	for i, res := range parsed.Results {
		scores[i] = Score{Index: res.Index, Relevance: res.RelevanceScore}
	}
	return scores, nil
}
