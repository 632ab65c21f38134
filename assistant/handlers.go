// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mira/platform/assistant/llm"
)

// faultPayload is the user-facing error shape. Internal detail (the wrapped
// cause) never leaves the process.
type faultPayload struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func statusForFault(f *Fault) int {
	switch f.Class {
	case ClassConnectivity:
		return http.StatusBadGateway
	case ClassAuth:
		if f.Code == CodeUnauthenticated {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case ClassRateQuota:
		return http.StatusTooManyRequests
	case ClassContextBuild:
		return http.StatusBadRequest
	case ClassModel:
		return http.StatusBadGateway
	case ClassSecurity:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeFault(w http.ResponseWriter, err error) {
	f := AsFault(err)
	var payload faultPayload
	payload.Error.Code = f.Code
	payload.Error.Message = f.Message
	payload.Error.Retryable = f.Retryable

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForFault(f))
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type chatRequestBody struct {
	Message      string   `json:"message"`
	Mode         ChatMode `json:"mode,omitempty"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) turnRequest(r *http.Request, body chatRequestBody) (ChatTurnRequest, error) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		return ChatTurnRequest{}, NewFault(CodeUnauthenticated, "missing identity")
	}
	req := ChatTurnRequest{
		TenantID:       id.TenantID,
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		RequestID:      uuid.New().String(),
		Message:        body.Message,
		Mode:           body.Mode,
		Model:          body.Model,
	}
	for _, c := range body.Capabilities {
		cap, err := s.capabilityParse(c)
		if err != nil {
			return ChatTurnRequest{}, err
		}
		req.Capabilities = append(req.Capabilities, cap)
	}
	return req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, NewFault(CodeContextBuildFailed, "invalid request body"))
		return
	}
	req, err := s.turnRequest(r, body)
	if err != nil {
		writeFault(w, err)
		return
	}
	resp, err := s.orchestrator.Chat(r.Context(), req)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream delivers the turn as server-sent events: one "chunk"
// event per content delta, a final "done" event with the turn envelope, or
// an "error" event. Client disconnect cancels the provider stream through
// the request context.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, NewFault(CodeContextBuildFailed, "invalid request body"))
		return
	}
	req, err := s.turnRequest(r, body)
	if err != nil {
		writeFault(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFault(w, NewFault(CodeInternal, "streaming not supported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent := func(event string, v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
		flusher.Flush()
	}

	handler := func(chunk llm.StreamChunk) error {
		if chunk.Content != "" {
			writeEvent("chunk", map[string]string{"content": chunk.Content})
		}
		return nil
	}

	resp, err := s.orchestrator.ChatStream(r.Context(), req, handler)
	if err != nil {
		f := AsFault(err)
		writeEvent("error", map[string]interface{}{
			"code":      f.Code,
			"message":   f.Message,
			"retryable": f.Retryable,
		})
		return
	}
	writeEvent("done", resp)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, NewFault(CodeContextBuildFailed, "invalid request body"))
		return
	}
	if (req.TargetTenantID != "" && req.TargetTenantID != id.TenantID) && !id.Admin() {
		writeFault(w, NewFault(CodeCrossTenantAccess, "cannot analyze another tenant"))
		return
	}
	result, err := s.analyzer.Analyze(r.Context(), id.TenantID, req)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type settingsBody struct {
	Scope     Scope   `json:"scope"`
	Threshold float64 `json:"threshold"`
	TopK      int     `json:"top_k"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, s.settings.Effective(r.Context(), id.TenantID))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var body settingsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, NewFault(CodeContextBuildFailed, "invalid request body"))
		return
	}
	scope := body.Scope
	if scope == "" {
		scope = ScopeTenant
	}
	if scope == ScopeSystem && !id.Admin() {
		writeFault(w, NewFault(CodePermissionDenied, "system settings require the admin role"))
		return
	}
	scopeID := ""
	if scope == ScopeTenant {
		scopeID = id.TenantID
	}
	tuning := Tuning{Threshold: body.Threshold, TopK: body.TopK}
	if err := s.settings.Save(r.Context(), scope, scopeID, tuning); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tuning)
}

type clearBody struct {
	Mode ChatMode `json:"mode"`
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var body clearBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Mode == "" {
		body.Mode = ModeDirect
	}
	if err := s.sessions.Clear(r.Context(), id.TenantID, id.UserID, body.Mode); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "mode": string(body.Mode)})
}

type documentBody struct {
	DocumentID string `json:"document_id"`
	File       string `json:"file"`
	Category   string `json:"category,omitempty"`
	Content    string `json:"content"`
}

func (s *Server) handleSubmitDocument(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var body documentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeFault(w, NewFault(CodeContextBuildFailed, "document content is required"))
		return
	}
	if body.DocumentID == "" {
		body.DocumentID = uuid.New().String()
	}
	accepted := s.pool.Submit(IndexJob{
		TenantID:   id.TenantID,
		DocumentID: body.DocumentID,
		File:       body.File,
		Category:   body.Category,
		Content:    body.Content,
	})
	if !accepted {
		writeFault(w, NewFault(CodeRateLimited, "index queue is full, retry later"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": body.DocumentID, "status": "queued"})
}

type providerStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]providerStatus, 0, len(s.providers))
	for _, p := range s.providers {
		statuses = append(statuses, providerStatus{Name: p.Name(), Available: p.Available()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": statuses})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "mira-assistant",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
