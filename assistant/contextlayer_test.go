// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type staticLayerStore struct {
	layers []ContextLayer
	err    error
}

func (s *staticLayerStore) FindEnabled(ctx context.Context, tenantID, organizationID, userID string) ([]ContextLayer, error) {
	return s.layers, s.err
}

func TestMergeLayers_ScopeOrdering(t *testing.T) {
	layers := []ContextLayer{
		{Scope: ScopeSystem, Content: "system rules", Enabled: true},
		{Scope: ScopeTenant, ScopeID: "t1", Content: "tenant tone", Enabled: true},
		{Scope: ScopeUser, ScopeID: "u1", Content: "user prefs", Enabled: true},
		{Scope: ScopeOrganization, ScopeID: "o1", Content: "org policy", Enabled: true},
	}

	merged := MergeLayers(layers)

	order := []string{"user prefs", "org policy", "tenant tone", "system rules"}
	last := -1
	for _, want := range order {
		idx := strings.Index(merged, want)
		if idx < 0 {
			t.Fatalf("merged output missing %q:\n%s", want, merged)
		}
		if idx < last {
			t.Fatalf("%q appears out of order:\n%s", want, merged)
		}
		last = idx
	}

	for _, marker := range []string{"--- USER CONTEXT ---", "--- ORGANIZATION CONTEXT ---", "--- TENANT CONTEXT ---", "--- SYSTEM CONTEXT ---"} {
		if !strings.Contains(merged, marker) {
			t.Errorf("merged output missing marker %q", marker)
		}
	}
}

func TestMergeLayers_PriorityWithinScope(t *testing.T) {
	layers := []ContextLayer{
		{Scope: ScopeTenant, ScopeID: "t1", Content: "low", Priority: 1, Enabled: true},
		{Scope: ScopeTenant, ScopeID: "t1", Content: "high", Priority: 10, Enabled: true},
		{Scope: ScopeTenant, ScopeID: "t1", Content: "mid", Priority: 5, Enabled: true},
	}

	merged := MergeLayers(layers)
	if strings.Index(merged, "high") > strings.Index(merged, "mid") ||
		strings.Index(merged, "mid") > strings.Index(merged, "low") {
		t.Errorf("tenant layers not ordered by descending priority:\n%s", merged)
	}
}

func TestMergeLayers_SkipsDisabled(t *testing.T) {
	layers := []ContextLayer{
		{Scope: ScopeSystem, Content: "keep", Enabled: true},
		{Scope: ScopeSystem, Content: "drop", Enabled: false},
	}

	merged := MergeLayers(layers)
	if strings.Contains(merged, "drop") {
		t.Error("disabled layer should not appear in merged output")
	}
	if !strings.Contains(merged, "keep") {
		t.Error("enabled layer should appear in merged output")
	}
}

func TestMergeLayers_Empty(t *testing.T) {
	if got := MergeLayers(nil); got != "" {
		t.Errorf("expected empty merge, got %q", got)
	}
}

func TestResolve_WrapsStoreFailure(t *testing.T) {
	resolver := NewLayerResolver(&staticLayerStore{err: errors.New("db down")})

	_, err := resolver.Resolve(context.Background(), "t1", "", "u1")
	f := AsFault(err)
	if f.Code != CodeContextBuildFailed {
		t.Errorf("expected %s, got %s", CodeContextBuildFailed, f.Code)
	}
}

func TestResolve_Success(t *testing.T) {
	resolver := NewLayerResolver(&staticLayerStore{layers: []ContextLayer{
		{Scope: ScopeSystem, Content: "be helpful", Enabled: true},
	}})

	prompt, err := resolver.Resolve(context.Background(), "t1", "o1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prompt, "be helpful") {
		t.Errorf("prompt missing layer content: %q", prompt)
	}
}
