// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Scope is a level in the context-layer hierarchy.
type Scope string

const (
	ScopeSystem       Scope = "SYSTEM"
	ScopeTenant       Scope = "TENANT"
	ScopeOrganization Scope = "ORGANIZATION"
	ScopeUser         Scope = "USER"
)

// scopeRank orders scopes most-specific first for the merge.
var scopeRank = map[Scope]int{
	ScopeUser:         0,
	ScopeOrganization: 1,
	ScopeTenant:       2,
	ScopeSystem:       3,
}

// ContextLayer is one configuration/instruction fragment defined at a scope.
// SYSTEM layers have an empty ScopeID; all other scopes require one.
// Layers are administrator-managed and read-only to the orchestrator.
type ContextLayer struct {
	Scope    Scope  `json:"scope"`
	ScopeID  string `json:"scope_id,omitempty"`
	Category string `json:"category"`
	Content  string `json:"content"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// LayerStore loads enabled context layers for a request's scope chain.
type LayerStore interface {
	// FindEnabled returns enabled layers matching SYSTEM plus the given
	// tenant, organization (when non-empty), and user scope ids, in any
	// order.
	FindEnabled(ctx context.Context, tenantID, organizationID, userID string) ([]ContextLayer, error)
}

// SQLLayerStore loads context layers from Postgres.
type SQLLayerStore struct {
	db *sql.DB
}

// NewSQLLayerStore creates a store over db.
func NewSQLLayerStore(db *sql.DB) *SQLLayerStore {
	return &SQLLayerStore{db: db}
}

// FindEnabled implements LayerStore. An empty organizationID excludes
// ORGANIZATION layers entirely.
func (s *SQLLayerStore) FindEnabled(ctx context.Context, tenantID, organizationID, userID string) ([]ContextLayer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, COALESCE(scope_id, ''), category, content, priority
		FROM context_layers
		WHERE enabled = true
		  AND (scope = 'SYSTEM'
		    OR (scope = 'TENANT' AND scope_id = $1)
		    OR (scope = 'ORGANIZATION' AND $2 <> '' AND scope_id = $2)
		    OR (scope = 'USER' AND scope_id = $3))
	`, tenantID, organizationID, userID)
	if err != nil {
		return nil, fmt.Errorf("loading context layers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var layers []ContextLayer
	for rows.Next() {
		layer := ContextLayer{Enabled: true}
		if err := rows.Scan(&layer.Scope, &layer.ScopeID, &layer.Category, &layer.Content, &layer.Priority); err != nil {
			return nil, fmt.Errorf("scanning context layer: %w", err)
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

// LayerResolver merges hierarchical context layers into one ordered prompt
// prefix. Purely a read and merge; no side effects.
type LayerResolver struct {
	store LayerStore
}

// NewLayerResolver creates a resolver over store.
func NewLayerResolver(store LayerStore) *LayerResolver {
	return &LayerResolver{store: store}
}

// Resolve fetches the enabled layers for the scope chain and concatenates
// their content most specific first: USER > ORGANIZATION > TENANT > SYSTEM,
// higher priority first within a scope. Each scope's block is introduced by
// a marker line. An absent organizationID simply excludes ORGANIZATION
// layers; it is not an error.
func (r *LayerResolver) Resolve(ctx context.Context, tenantID, organizationID, userID string) (string, error) {
	layers, err := r.store.FindEnabled(ctx, tenantID, organizationID, userID)
	if err != nil {
		return "", WrapFault(CodeContextBuildFailed, "failed to load context layers", err)
	}
	return MergeLayers(layers), nil
}

// MergeLayers orders and concatenates layers into the prompt-prefix block.
// Disabled layers are skipped even when a store returns them.
func MergeLayers(layers []ContextLayer) string {
	enabled := make([]ContextLayer, 0, len(layers))
	for _, l := range layers {
		if l.Enabled {
			enabled = append(enabled, l)
		}
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		ri, rj := scopeRank[enabled[i].Scope], scopeRank[enabled[j].Scope]
		if ri != rj {
			return ri < rj
		}
		return enabled[i].Priority > enabled[j].Priority
	})

	var b strings.Builder
	var current Scope
	for _, l := range enabled {
		if l.Scope != current {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(fmt.Sprintf("--- %s CONTEXT ---\n", l.Scope))
			current = l.Scope
		}
		b.WriteString(l.Content)
		b.WriteString("\n")
	}
	return b.String()
}
