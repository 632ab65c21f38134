// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation session.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "ACTIVE"
	ConversationClosed ConversationStatus = "CLOSED"
)

// ChatMode selects which orchestration pipeline a conversation runs through.
type ChatMode string

const (
	ModeDirect    ChatMode = "DIRECT"
	ModeRetrieval ChatMode = "RETRIEVAL"
)

// StoredMessage is one exchange turn persisted with its conversation.
type StoredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a session scoped to one tenant, user, and chat mode. At
// most one ACTIVE conversation exists per (tenant, user, mode).
type Conversation struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	UserID         string             `json:"user_id"`
	Mode           ChatMode           `json:"mode"`
	Status         ConversationStatus `json:"status"`
	Messages       []StoredMessage    `json:"messages,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
}

// ConversationStore persists conversation sessions and their messages.
type ConversationStore interface {
	// FindActive returns the ACTIVE conversation for (tenant, user, mode),
	// or nil when none exists.
	FindActive(ctx context.Context, tenantID, userID string, mode ChatMode) (*Conversation, error)
	// Create starts a new ACTIVE conversation.
	Create(ctx context.Context, tenantID, userID string, mode ChatMode) (*Conversation, error)
	// AppendMessage appends one message and bumps last_activity_at.
	AppendMessage(ctx context.Context, conversationID string, msg StoredMessage) error
	// Messages returns the conversation's messages oldest first.
	Messages(ctx context.Context, conversationID string) ([]StoredMessage, error)
	// Close deletes the conversation's messages and marks it CLOSED.
	Close(ctx context.Context, conversationID string) error
}

// SQLConversationStore is the Postgres-backed conversation store.
type SQLConversationStore struct {
	db *sql.DB
}

// NewSQLConversationStore creates a store over db.
func NewSQLConversationStore(db *sql.DB) *SQLConversationStore {
	return &SQLConversationStore{db: db}
}

func (s *SQLConversationStore) FindActive(ctx context.Context, tenantID, userID string, mode ChatMode) (*Conversation, error) {
	conv := &Conversation{TenantID: tenantID, UserID: userID, Mode: mode, Status: ConversationActive}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity_at
		FROM conversations
		WHERE tenant_id = $1 AND user_id = $2 AND mode = $3 AND status = 'ACTIVE'
		ORDER BY last_activity_at DESC
		LIMIT 1
	`, tenantID, userID, string(mode)).Scan(&conv.ID, &conv.CreatedAt, &conv.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLConversationStore) Create(ctx context.Context, tenantID, userID string, mode ChatMode) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		UserID:         userID,
		Mode:           mode,
		Status:         ConversationActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, user_id, mode, status, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, 'ACTIVE', $5, $5)
	`, conv.ID, tenantID, userID, string(mode), now)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLConversationStore) AppendMessage(ctx context.Context, conversationID string, msg StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, conversationID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = $2 WHERE id = $1
	`, conversationID, msg.CreatedAt); err != nil {
		return fmt.Errorf("bumping last activity: %w", err)
	}
	return tx.Commit()
}

func (s *SQLConversationStore) Messages(ctx context.Context, conversationID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var msgs []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Close deletes the conversation's messages and marks it CLOSED.
func (s *SQLConversationStore) Close(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning close tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM conversation_messages WHERE conversation_id = $1
	`, conversationID); err != nil {
		return fmt.Errorf("deleting conversation messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET status = 'CLOSED' WHERE id = $1 AND status = 'ACTIVE'
	`, conversationID)
	if err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewFault(CodeConversationClosed, "conversation is not active")
	}
	return tx.Commit()
}

// SessionManager resolves the conversation a chat turn belongs to. Clearing a
// conversation closes the active session; the next turn starts a fresh one.
type SessionManager struct {
	store ConversationStore
}

// NewSessionManager creates a manager over store.
func NewSessionManager(store ConversationStore) *SessionManager {
	return &SessionManager{store: store}
}

// Resume returns the caller's ACTIVE conversation for mode, creating one
// when none exists.
func (m *SessionManager) Resume(ctx context.Context, tenantID, userID string, mode ChatMode) (*Conversation, error) {
	conv, err := m.store.FindActive(ctx, tenantID, userID, mode)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}
	return m.store.Create(ctx, tenantID, userID, mode)
}

// Clear closes the ACTIVE conversation for (tenant, user, mode). Clearing
// when no session is active is a no-op.
func (m *SessionManager) Clear(ctx context.Context, tenantID, userID string, mode ChatMode) error {
	conv, err := m.store.FindActive(ctx, tenantID, userID, mode)
	if err != nil {
		return err
	}
	if conv == nil {
		return nil
	}
	return m.store.Close(ctx, conv.ID)
}
