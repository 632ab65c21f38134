// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

// Package rerank reorders retrieved candidate documents by relevance to a
// query. Reranking is auxiliary: every implementation must absorb its own
// failures and fall back to the original order rather than abort the chat
// pipeline.
package rerank

import (
	"context"
	"sort"
)

// Metadata keys stamped onto documents that survive a successful rerank.
const (
	MetaScore    = "rerank_score"
	MetaProvider = "rerank_provider"
)

// Document is a retrieval candidate produced by vector search. The reranker
// never mutates metadata except to add MetaScore and MetaProvider.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome of a rerank call. On failure Applied is false and
// Documents preserves the original order, truncated to the requested topN.
type Result struct {
	Documents    []Document `json:"documents"`
	Applied      bool       `json:"applied"`
	ProviderName string     `json:"provider_name"`
	LatencyMs    int64      `json:"latency_ms"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Reranker reorders candidate documents by relevance to a query.
// Implementations never return an error: failures degrade to the fallback
// result.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []Document, topN int) Result
	Name() string
}

// Fallback builds the result used when reranking cannot be applied: original
// order, truncated to topN, Applied false.
func Fallback(provider string, documents []Document, topN int, errMessage string) Result {
	return Result{
		Documents:    truncate(documents, topN),
		Applied:      false,
		ProviderName: provider,
		ErrorMessage: errMessage,
	}
}

func truncate(documents []Document, topN int) []Document {
	if topN <= 0 || topN >= len(documents) {
		out := make([]Document, len(documents))
		copy(out, documents)
		return out
	}
	out := make([]Document, topN)
	copy(out, documents[:topN])
	return out
}

// scoredDoc pairs a surviving document with its relevance score.
type scoredDoc struct {
	doc   Document
	score float64
}

// applyScores intersects the input documents with the (index, score) pairs
// returned by a provider, orders strictly by descending score, truncates to
// topN, and stamps score metadata. Indices outside the input range are
// dropped.
func applyScores(provider string, documents []Document, scores []Score, topN int) []Document {
	items := make([]scoredDoc, 0, len(scores))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(documents) {
			continue
		}
		items = append(items, scoredDoc{doc: documents[s.Index], score: s.Relevance})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	if topN > 0 && len(items) > topN {
		items = items[:topN]
	}

	out := make([]Document, len(items))
	for i, item := range items {
		doc := item.doc
		meta := make(map[string]any, len(doc.Metadata)+2)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta[MetaScore] = item.score
		meta[MetaProvider] = provider
		doc.Metadata = meta
		out[i] = doc
	}
	return out
}

// Score is one (document index, relevance) pair from a ranking provider.
type Score struct {
	Index     int
	Relevance float64
}

// Noop is the identity reranker: it truncates to topN and reports
// Applied=false. Used when no ranking service is configured.
type Noop struct{}

// Name returns the provider identifier.
func (Noop) Name() string { return "noop" }

// Rerank returns the documents unchanged, truncated to topN.
func (Noop) Rerank(_ context.Context, _ string, documents []Document, topN int) Result {
	return Result{
		Documents:    truncate(documents, topN),
		Applied:      false,
		ProviderName: "noop",
	}
}
