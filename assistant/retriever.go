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

// SQLKnowledgeStore backs both document ingestion and candidate retrieval
// with Postgres full-text search over the knowledge_documents table.
type SQLKnowledgeStore struct {
	db *sql.DB
}

var (
	_ DocumentRetriever = (*SQLKnowledgeStore)(nil)
	_ DocumentIndexer   = (*SQLKnowledgeStore)(nil)
)

// NewSQLKnowledgeStore creates a store over db.
func NewSQLKnowledgeStore(db *sql.DB) *SQLKnowledgeStore {
	return &SQLKnowledgeStore{db: db}
}

// Index upserts the document and marks it searchable. The search vector is
// maintained by a generated column on the table.
func (s *SQLKnowledgeStore) Index(ctx context.Context, job IndexJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_documents (id, tenant_id, file, category, content, status, indexed_at)
		VALUES ($1, $2, $3, $4, $5, 'INDEXED', $6)
		ON CONFLICT (id)
		DO UPDATE SET file = $3, category = $4, content = $5, status = 'INDEXED', indexed_at = $6
	`, job.DocumentID, job.TenantID, job.File, job.Category, job.Content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("indexing document %s: %w", job.DocumentID, err)
	}
	return nil
}

// Search returns up to TopK indexed documents for the tenant ranked by text
// relevance, filtered by the similarity threshold. Rank normalization keeps
// the threshold comparable across queries.
func (s *SQLKnowledgeStore) Search(ctx context.Context, query string, params SearchParams) ([]rerank.Document, error) {
	topK := params.TopK
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file, category, content,
		       ts_rank_cd(search_vector, websearch_to_tsquery('english', $2), 32) AS rank
		FROM knowledge_documents
		WHERE tenant_id = $1
		  AND status = 'INDEXED'
		  AND search_vector @@ websearch_to_tsquery('english', $2)
		  AND ts_rank_cd(search_vector, websearch_to_tsquery('english', $2), 32) >= $3
		ORDER BY rank DESC
		LIMIT $4
	`, params.TenantID, query, params.Threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var docs []rerank.Document
	for rows.Next() {
		var id, file, category, content string
		var rank float64
		if err := rows.Scan(&id, &file, &category, &content, &rank); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, rerank.Document{
			ID:      id,
			Content: content,
			Metadata: map[string]interface{}{
				"file":       file,
				"category":   category,
				"similarity": rank,
			},
		})
	}
	return docs, rows.Err()
}
