// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mira/platform/assistant/rerank"
)

// AnalysisRequest asks for a diagnostic retrieval trace: which documents a
// query would surface, how reranking reordered them, and why others were
// excluded. Admins may target another tenant/user to reproduce their view.
type AnalysisRequest struct {
	Query          string  `json:"query"`
	Scope          string  `json:"scope,omitempty"`
	TargetTenantID string  `json:"target_tenant_id,omitempty"`
	TargetUserID   string  `json:"target_user_id,omitempty"`
	Threshold      float64 `json:"threshold,omitempty"`
	TopK           int     `json:"top_k,omitempty"`
}

// StageTrace records the document count entering and leaving one pipeline
// stage, with a note on what the stage dropped.
type StageTrace struct {
	Stage     string `json:"stage"`
	CountIn   int    `json:"count_in"`
	CountOut  int    `json:"count_out"`
	Note      string `json:"note,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// TracedDocument is one surviving document with its scores.
type TracedDocument struct {
	ID            string  `json:"id"`
	ContentSample string  `json:"content_sample"`
	RerankScore   float64 `json:"rerank_score,omitempty"`
}

// IndexStats summarizes index health for the analysis response.
type IndexStats struct {
	TotalDocuments   int64     `json:"total_documents"`
	PendingDocuments int64     `json:"pending_documents"`
	FailedDocuments  int64     `json:"failed_documents"`
	LastIndexedAt    time.Time `json:"last_indexed_at,omitempty"`
}

// AnalysisResult is the stage-by-stage trace plus index health.
type AnalysisResult struct {
	Query     string           `json:"query"`
	Tuning    Tuning           `json:"tuning"`
	Stages    []StageTrace     `json:"stages"`
	Documents []TracedDocument `json:"documents"`
	Index     IndexStats       `json:"index"`
}

// Analyzer replays the retrieval pipeline in observation mode without
// touching conversations or quotas.
type Analyzer struct {
	retriever DocumentRetriever
	reranker  rerank.Reranker
	settings  *SettingsStore
	db        *sql.DB
}

// NewAnalyzer creates an analyzer over the retrieval collaborators. db is
// used for index statistics and may be nil.
func NewAnalyzer(retriever DocumentRetriever, reranker rerank.Reranker, settings *SettingsStore, db *sql.DB) *Analyzer {
	if reranker == nil {
		reranker = rerank.Noop{}
	}
	return &Analyzer{retriever: retriever, reranker: reranker, settings: settings, db: db}
}

// Analyze runs retrieval and rerank for the query, recording counts at each
// stage. The effective tuning comes from the request overrides when set.
func (a *Analyzer) Analyze(ctx context.Context, tenantID string, req AnalysisRequest) (*AnalysisResult, error) {
	if req.Query == "" {
		return nil, NewFault(CodeContextBuildFailed, "query must not be empty")
	}

	targetTenant := req.TargetTenantID
	if targetTenant == "" {
		targetTenant = tenantID
	}

	tuning := DefaultTuning()
	if a.settings != nil {
		tuning = a.settings.Effective(ctx, targetTenant)
	}
	if req.Threshold > 0 {
		tuning.Threshold = req.Threshold
	}
	if req.TopK > 0 {
		tuning.TopK = req.TopK
	}

	result := &AnalysisResult{Query: req.Query, Tuning: tuning}

	// Search without a threshold so the trace can report how many
	// candidates the threshold excluded, not just the survivors.
	searchStart := time.Now()
	candidates, err := a.retriever.Search(ctx, req.Query, SearchParams{
		TenantID: targetTenant,
		UserID:   req.TargetUserID,
		Scope:    req.Scope,
		TopK:     analysisCandidateLimit,
	})
	if err != nil {
		return nil, WrapFault(CodeContextBuildFailed, "retrieval failed", err)
	}
	kept := aboveThreshold(candidates, tuning.Threshold)
	docs := kept
	if len(docs) > tuning.TopK {
		docs = docs[:tuning.TopK]
	}
	result.Stages = append(result.Stages, StageTrace{
		Stage:     "search",
		CountIn:   len(candidates),
		CountOut:  len(docs),
		Note:      fmt.Sprintf("threshold %.2f excluded %d candidates", tuning.Threshold, len(candidates)-len(kept)),
		LatencyMs: time.Since(searchStart).Milliseconds(),
	})

	rerankStart := time.Now()
	rr := a.reranker.Rerank(ctx, req.Query, docs, tuning.TopK)
	note := "reranked by " + rr.ProviderName
	if !rr.Applied {
		note = "rerank not applied, original order preserved"
		if rr.ErrorMessage != "" {
			note += ": " + rr.ErrorMessage
		}
	}
	result.Stages = append(result.Stages, StageTrace{
		Stage:     "rerank",
		CountIn:   len(docs),
		CountOut:  len(rr.Documents),
		Note:      note,
		LatencyMs: time.Since(rerankStart).Milliseconds(),
	})

	for _, d := range rr.Documents {
		traced := TracedDocument{ID: d.ID, ContentSample: sample(d.Content, 160)}
		if score, ok := d.Metadata[rerank.MetaScore].(float64); ok {
			traced.RerankScore = score
		}
		result.Documents = append(result.Documents, traced)
	}

	stats, err := a.indexStats(ctx, targetTenant)
	if err == nil {
		result.Index = stats
	}
	return result, nil
}

func (a *Analyzer) indexStats(ctx context.Context, tenantID string) (IndexStats, error) {
	var stats IndexStats
	if a.db == nil {
		return stats, nil
	}
	var last sql.NullTime
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'INDEXED'),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			MAX(indexed_at)
		FROM knowledge_documents
		WHERE tenant_id = $1
	`, tenantID).Scan(&stats.TotalDocuments, &stats.PendingDocuments, &stats.FailedDocuments, &last)
	if err != nil {
		return stats, err
	}
	if last.Valid {
		stats.LastIndexedAt = last.Time
	}
	return stats, nil
}

// analysisCandidateLimit bounds the un-thresholded candidate query. Fifty is
// far above any realistic TopK and keeps the diagnostic query cheap.
const analysisCandidateLimit = 50

// aboveThreshold keeps documents whose similarity score meets the threshold.
// Documents carrying no similarity score pass through: the retriever already
// judged them relevant.
func aboveThreshold(docs []rerank.Document, threshold float64) []rerank.Document {
	kept := make([]rerank.Document, 0, len(docs))
	for _, d := range docs {
		if sim, ok := d.Metadata["similarity"].(float64); ok && sim < threshold {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

func sample(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
