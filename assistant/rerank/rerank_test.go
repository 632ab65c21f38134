// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func threeDocs() []Document {
	return []Document{
		{ID: "A", Content: "alpha"},
		{ID: "B", Content: "bravo"},
		{ID: "C", Content: "charlie"},
	}
}

func scoringServer(t *testing.T, scores map[int]float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			http.NotFound(w, r)
			return
		}
		var results []map[string]interface{}
		for idx, score := range scores {
			results = append(results, map[string]interface{}{
				"index":           idx,
				"relevance_score": score,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}))
}

func newGeneric(t *testing.T, url string) *Remote {
	t.Helper()
	r, err := NewRemote(RemoteConfig{Provider: "generic", APIURL: url}, nil)
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	return r
}

func TestNewRemote_Validation(t *testing.T) {
	if _, err := NewRemote(RemoteConfig{}, nil); err == nil {
		t.Error("empty provider should be rejected")
	}
	if _, err := NewRemote(RemoteConfig{Provider: "generic"}, nil); err == nil {
		t.Error("generic without api_url should be rejected")
	}
	if _, err := NewRemote(RemoteConfig{Provider: "unheard-of"}, nil); err == nil {
		t.Error("unknown provider should be rejected")
	}
	if r, err := NewRemote(RemoteConfig{Provider: "cohere"}, nil); err != nil || r.apiURL == "" {
		t.Errorf("cohere should get a default URL: %v", err)
	}
}

func TestRerank_OrdersByDescendingScore(t *testing.T) {
	srv := scoringServer(t, map[int]float64{0: 0.1, 1: 0.9, 2: 0.5})
	defer srv.Close()

	result := newGeneric(t, srv.URL).Rerank(context.Background(), "query", threeDocs(), 3)

	if !result.Applied {
		t.Fatalf("Applied = false, error: %s", result.ErrorMessage)
	}
	got := []string{result.Documents[0].ID, result.Documents[1].ID, result.Documents[2].ID}
	want := []string{"B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	for _, d := range result.Documents {
		if _, ok := d.Metadata[MetaScore].(float64); !ok {
			t.Errorf("document %s missing %s metadata", d.ID, MetaScore)
		}
		if d.Metadata[MetaProvider] != "generic" {
			t.Errorf("document %s missing provider stamp", d.ID)
		}
	}
}

func TestRerank_TopNInvariant(t *testing.T) {
	// Provider returns more indices than requested, including out-of-range.
	srv := scoringServer(t, map[int]float64{0: 0.3, 1: 0.9, 2: 0.5, 7: 0.99, -1: 1.0})
	defer srv.Close()

	result := newGeneric(t, srv.URL).Rerank(context.Background(), "query", threeDocs(), 2)

	if len(result.Documents) > 2 {
		t.Fatalf("len = %d, want <= topN", len(result.Documents))
	}
	if result.Documents[0].ID != "B" {
		t.Errorf("top document = %s, want B", result.Documents[0].ID)
	}
}

func TestRerank_FallbackNeverFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	docs := threeDocs()
	result := newGeneric(t, srv.URL).Rerank(context.Background(), "query", docs, 2)

	if result.Applied {
		t.Fatal("Applied should be false on provider failure")
	}
	if len(result.Documents) != 2 {
		t.Fatalf("fallback should truncate to topN, got %d", len(result.Documents))
	}
	if result.Documents[0].ID != "A" || result.Documents[1].ID != "B" {
		t.Errorf("fallback must preserve original order: %s, %s", result.Documents[0].ID, result.Documents[1].ID)
	}
	if result.ErrorMessage == "" {
		t.Error("fallback should carry the failure message")
	}
}

func TestRerank_NilDocuments(t *testing.T) {
	srv := scoringServer(t, map[int]float64{0: 0.5})
	defer srv.Close()

	result := newGeneric(t, srv.URL).Rerank(context.Background(), "query", nil, 5)

	if result.Applied {
		t.Error("Applied should be false for empty input")
	}
	if len(result.Documents) != 0 {
		t.Errorf("documents = %d, want 0", len(result.Documents))
	}
}

func TestRerank_InputMetadataNotMutated(t *testing.T) {
	srv := scoringServer(t, map[int]float64{0: 0.9})
	defer srv.Close()

	docs := []Document{{ID: "A", Content: "alpha", Metadata: map[string]any{"file": "a.md"}}}
	_ = newGeneric(t, srv.URL).Rerank(context.Background(), "query", docs, 1)

	if _, ok := docs[0].Metadata[MetaScore]; ok {
		t.Error("rerank mutated the caller's document metadata")
	}
}

func TestNoop(t *testing.T) {
	result := Noop{}.Rerank(context.Background(), "query", threeDocs(), 2)
	if result.Applied {
		t.Error("noop should report Applied=false")
	}
	if len(result.Documents) != 2 || result.Documents[0].ID != "A" {
		t.Errorf("noop should truncate in original order: %+v", result.Documents)
	}
}

func TestFallback_TopNZeroKeepsAll(t *testing.T) {
	result := Fallback("p", threeDocs(), 0, "err")
	if len(result.Documents) != 3 {
		t.Errorf("topN 0 should keep all documents, got %d", len(result.Documents))
	}
}
