// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestSQLConversationStore_FindActiveAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewSQLConversationStore(db)

	mock.ExpectQuery("SELECT id, created_at, last_activity_at").
		WithArgs("t1", "u1", "DIRECT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "last_activity_at"}))

	conv, err := store.FindActive(context.Background(), "t1", "u1", ModeDirect)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv != nil {
		t.Errorf("expected nil for absent conversation, got %+v", conv)
	}
}

func TestSQLConversationStore_FindActivePresent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewSQLConversationStore(db)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, created_at, last_activity_at").
		WithArgs("t1", "u1", "RETRIEVAL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "last_activity_at"}).
			AddRow("c1", now, now))

	conv, err := store.FindActive(context.Background(), "t1", "u1", ModeRetrieval)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.ID != "c1" || conv.Mode != ModeRetrieval || conv.Status != ConversationActive {
		t.Errorf("unexpected conversation: %+v", conv)
	}
}

func TestSQLConversationStore_AppendMessageTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewSQLConversationStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversation_messages").
		WithArgs(sqlmock.AnyArg(), "c1", "user", "hello", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conversations SET last_activity_at").
		WithArgs("c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.AppendMessage(context.Background(), "c1", StoredMessage{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLConversationStore_AppendMessageKeepsCallerID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewSQLConversationStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversation_messages").
		WithArgs("m-42", "c1", "assistant", "stored reply", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conversations SET last_activity_at").
		WithArgs("c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := StoredMessage{ID: "m-42", Role: "assistant", Content: "stored reply"}
	if err := store.AppendMessage(context.Background(), "c1", msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLConversationStore_CloseInactive(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewSQLConversationStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM conversation_messages").
		WithArgs("c-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE conversations SET status = 'CLOSED'").
		WithArgs("c-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = store.Close(context.Background(), "c-gone")
	if AsFault(err).Code != CodeConversationClosed {
		t.Errorf("expected %s, got %v", CodeConversationClosed, err)
	}
}

func TestSQLConversationStore_CloseDeletesMessages(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewSQLConversationStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM conversation_messages").
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("UPDATE conversations SET status = 'CLOSED'").
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Close(context.Background(), "c1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSessionManager_ResumeCreatesWhenAbsent(t *testing.T) {
	store := newMemStore()
	mgr := NewSessionManager(store)

	conv, err := mgr.Resume(context.Background(), "t1", "u1", ModeDirect)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	again, err := mgr.Resume(context.Background(), "t1", "u1", ModeDirect)
	if err != nil {
		t.Fatalf("resume again: %v", err)
	}
	if conv.ID != again.ID {
		t.Errorf("expected same conversation, got %s and %s", conv.ID, again.ID)
	}

	other, err := mgr.Resume(context.Background(), "t1", "u1", ModeRetrieval)
	if err != nil {
		t.Fatalf("resume other mode: %v", err)
	}
	if other.ID == conv.ID {
		t.Error("modes should not share a conversation")
	}
}

func TestSessionManager_ClearWithoutActiveIsNoop(t *testing.T) {
	mgr := NewSessionManager(newMemStore())
	if err := mgr.Clear(context.Background(), "t1", "u1", ModeDirect); err != nil {
		t.Errorf("clear without a session should be a no-op, got %v", err)
	}
}

func TestSessionManager_ClearClosesActive(t *testing.T) {
	store := newMemStore()
	mgr := NewSessionManager(store)

	conv, err := mgr.Resume(context.Background(), "t1", "u1", ModeDirect)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := mgr.Clear(context.Background(), "t1", "u1", ModeDirect); err != nil {
		t.Fatalf("clear: %v", err)
	}
	fresh, err := mgr.Resume(context.Background(), "t1", "u1", ModeDirect)
	if err != nil {
		t.Fatalf("resume after clear: %v", err)
	}
	if fresh.ID == conv.ID {
		t.Error("clear should start a fresh conversation on next resume")
	}
}
