// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"mira/platform/assistant/llm"
	"mira/platform/assistant/rerank"
	"mira/platform/shared/logger"
)

type serverFixture struct {
	server   *Server
	store    *memConversationStore
	provider *scriptedProvider
	indexer  *recordingIndexer
	sqlMock  sqlmock.Sqlmock
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logger.New("test")
	store := newMemStore()
	provider := &scriptedProvider{
		responses: []*llm.ChatResponse{okChatResponse("the answer")},
		errs:      []error{nil},
	}
	retriever := &staticRetriever{docs: []rerank.Document{{ID: "d1", Content: "doc"}}}
	settings := NewSettingsStore(db, log)
	orchestrator := newTestOrchestrator(t, OrchestratorDeps{
		Provider:  provider,
		Store:     store,
		Retriever: retriever,
		Log:       log,
	}, OrchestratorConfig{})
	indexer := &recordingIndexer{}
	pool := NewIndexPool(indexer, 1, log)
	t.Cleanup(pool.Close)

	server := NewServer(ServerDeps{
		Orchestrator: orchestrator,
		Analyzer:     NewAnalyzer(retriever, nil, nil, nil),
		Settings:     settings,
		Sessions:     NewSessionManager(store),
		Pool:         pool,
		Providers:    []llm.Provider{provider},
		Auth:         NewAuthenticator(testSecret),
		Log:          log,
	})
	return &serverFixture{server: server, store: store, provider: provider, indexer: indexer, sqlMock: mock}
}

func (f *serverFixture) request(t *testing.T, method, path string, body interface{}, claims *tokenClaims) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if claims != nil {
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, *claims))
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthUnauthenticated(t *testing.T) {
	f := newServerFixture(t)
	rec := f.request(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestRouter_ChatRequiresToken(t *testing.T) {
	f := newServerFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/chat", chatRequestBody{Message: "hi"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var payload faultPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding fault: %v", err)
	}
	if payload.Error.Code != CodeUnauthenticated {
		t.Errorf("expected %s, got %s", CodeUnauthenticated, payload.Error.Code)
	}
}

func TestRouter_ChatSuccess(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()
	rec := f.request(t, http.MethodPost, "/api/v1/chat", chatRequestBody{Message: "how do I export?"}, &claims)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ChatTurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.AssistantMessage.Content != "the answer" {
		t.Errorf("unexpected content: %q", resp.AssistantMessage.Content)
	}
	if resp.ConversationID == "" {
		t.Error("expected a conversation id")
	}
}

func TestRouter_ChatUnknownCapabilityRejected(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()
	rec := f.request(t, http.MethodPost, "/api/v1/chat",
		chatRequestBody{Message: "hi", Capabilities: []string{"teleportation"}}, &claims)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if f.provider.callCount() != 0 {
		t.Error("provider should not run for an unparseable capability")
	}
}

func TestRouter_ChatStreamEmitsSSE(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()
	rec := f.request(t, http.MethodPost, "/api/v1/chat/stream", chatRequestBody{Message: "stream it"}, &claims)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}
	body := rec.Body.String()
	if !bytes.Contains([]byte(body), []byte("event: chunk")) {
		t.Errorf("missing chunk event:\n%s", body)
	}
	if !bytes.Contains([]byte(body), []byte("event: done")) {
		t.Errorf("missing done event:\n%s", body)
	}
}

func TestRouter_AnalyzeCrossTenantNeedsAdmin(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()
	rec := f.request(t, http.MethodPost, "/api/v1/analyze",
		AnalysisRequest{Query: "q", TargetTenantID: "t9"}, &claims)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	admin := validClaims()
	admin.Role = "admin"
	rec = f.request(t, http.MethodPost, "/api/v1/analyze",
		AnalysisRequest{Query: "q", TargetTenantID: "t9"}, &admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin cross-tenant analyze should succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_PutSystemSettingsNeedsAdmin(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()
	rec := f.request(t, http.MethodPut, "/api/v1/settings",
		settingsBody{Scope: ScopeSystem, Threshold: 0.5, TopK: 5}, &claims)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRouter_PutTenantSettings(t *testing.T) {
	f := newServerFixture(t)
	f.sqlMock.ExpectExec("INSERT INTO tuning_settings").
		WithArgs("TENANT", "t1", 0.5, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claims := validClaims()
	rec := f.request(t, http.MethodPut, "/api/v1/settings",
		settingsBody{Threshold: 0.5, TopK: 7}, &claims)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_ClearConversation(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()

	chat := f.request(t, http.MethodPost, "/api/v1/chat", chatRequestBody{Message: "hi"}, &claims)
	if chat.Code != http.StatusOK {
		t.Fatalf("chat setup failed: %d", chat.Code)
	}

	rec := f.request(t, http.MethodPost, "/api/v1/conversations/clear", clearBody{Mode: ModeDirect}, &claims)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.store.active) != 0 {
		t.Error("active conversation should be closed after clear")
	}
}

func TestRouter_SubmitDocumentQueued(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()
	rec := f.request(t, http.MethodPost, "/api/v1/documents",
		documentBody{File: "faq.md", Content: "exports run nightly"}, &claims)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "queued" || body["document_id"] == "" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRouter_SubmitDocumentRequiresContent(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()
	rec := f.request(t, http.MethodPost, "/api/v1/documents", documentBody{File: "faq.md"}, &claims)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouter_ProviderStatus(t *testing.T) {
	f := newServerFixture(t)
	claims := validClaims()
	rec := f.request(t, http.MethodGet, "/api/v1/providers/status", nil, &claims)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Providers []providerStatus `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Providers) != 1 || body.Providers[0].Name != "scripted" || !body.Providers[0].Available {
		t.Errorf("unexpected providers: %+v", body.Providers)
	}
}

func TestStatusForFault(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeProviderUnreachable, http.StatusBadGateway},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeQuotaExceeded, http.StatusTooManyRequests},
		{CodeContextBuildFailed, http.StatusBadRequest},
		{CodeCapabilityMismatch, http.StatusBadRequest},
		{CodeModelResponseInvalid, http.StatusBadGateway},
		{CodeContentFiltered, http.StatusBadGateway},
		{CodePromptInjection, http.StatusForbidden},
		{CodeCrossTenantAccess, http.StatusForbidden},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForFault(NewFault(tt.code, "x")); got != tt.want {
			t.Errorf("statusForFault(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
