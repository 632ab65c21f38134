// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"database/sql"
	"fmt"

	"mira/platform/shared/logger"
)

// Tuning holds the retrieval knobs administrators can adjust: the minimum
// similarity for a document to be considered, and how many candidates to
// keep after reranking.
type Tuning struct {
	Threshold float64 `json:"threshold"`
	TopK      int     `json:"top_k"`
}

// DefaultTuning is the hard-coded baseline used when neither SYSTEM nor
// TENANT settings exist.
func DefaultTuning() Tuning {
	return Tuning{Threshold: 0.35, TopK: 5}
}

// Validate checks a tuning payload before persisting it.
func (t Tuning) Validate() error {
	if t.Threshold < 0 || t.Threshold > 1 {
		return NewFault(CodeContextBuildFailed, fmt.Sprintf("threshold must be in [0,1], got %v", t.Threshold))
	}
	if t.TopK < 1 || t.TopK > 50 {
		return NewFault(CodeContextBuildFailed, fmt.Sprintf("top_k must be in [1,50], got %d", t.TopK))
	}
	return nil
}

// SettingsStore persists tuning settings at SYSTEM or TENANT scope. A tenant
// setting overrides the system one; when neither is stored the defaults
// apply.
type SettingsStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewSettingsStore creates a store over db.
func NewSettingsStore(db *sql.DB, log *logger.Logger) *SettingsStore {
	return &SettingsStore{db: db, log: log}
}

// Save upserts the tuning for scope. scopeID is empty for SYSTEM.
func (s *SettingsStore) Save(ctx context.Context, scope Scope, scopeID string, t Tuning) error {
	if scope != ScopeSystem && scope != ScopeTenant {
		return NewFault(CodeContextBuildFailed, fmt.Sprintf("tuning settings allow SYSTEM or TENANT scope, got %s", scope))
	}
	if scope == ScopeTenant && scopeID == "" {
		return NewFault(CodeContextBuildFailed, "tenant scope requires a scope id")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tuning_settings (scope, scope_id, threshold, top_k, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (scope, scope_id)
		DO UPDATE SET threshold = $3, top_k = $4, updated_at = NOW()
	`, string(scope), scopeID, t.Threshold, t.TopK)
	if err != nil {
		return fmt.Errorf("saving tuning settings: %w", err)
	}
	return nil
}

// Load returns the tuning stored for scope, or (zero, false) when absent.
func (s *SettingsStore) Load(ctx context.Context, scope Scope, scopeID string) (Tuning, bool, error) {
	var t Tuning
	err := s.db.QueryRowContext(ctx, `
		SELECT threshold, top_k FROM tuning_settings
		WHERE scope = $1 AND scope_id = $2
	`, string(scope), scopeID).Scan(&t.Threshold, &t.TopK)
	if err == sql.ErrNoRows {
		return Tuning{}, false, nil
	}
	if err != nil {
		return Tuning{}, false, fmt.Errorf("loading tuning settings: %w", err)
	}
	return t, true, nil
}

// Effective resolves the tuning for a tenant: TENANT override, then SYSTEM,
// then defaults. Lookup errors degrade to the defaults so retrieval keeps
// working when the settings table is unreachable.
func (s *SettingsStore) Effective(ctx context.Context, tenantID string) Tuning {
	if t, ok, err := s.Load(ctx, ScopeTenant, tenantID); err == nil && ok {
		return t
	} else if err != nil {
		s.log.Warn(tenantID, "", "tenant tuning lookup failed, using defaults", map[string]interface{}{"error": err.Error()})
		return DefaultTuning()
	}
	if t, ok, err := s.Load(ctx, ScopeSystem, ""); err == nil && ok {
		return t
	} else if err != nil {
		s.log.Warn(tenantID, "", "system tuning lookup failed, using defaults", map[string]interface{}{"error": err.Error()})
	}
	return DefaultTuning()
}
