// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"mira/platform/shared/logger"
)

// StoragePolicy controls how much of a chat exchange the audit trail keeps.
// METADATA_ONLY stores hashes and counters; FULL additionally stores the
// prompt and a response sample.
type StoragePolicy string

const (
	StorageMetadataOnly StoragePolicy = "METADATA_ONLY"
	StorageFull         StoragePolicy = "FULL"
)

// AuditEntry is one recorded chat exchange.
type AuditEntry struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Mode           string    `json:"mode"`
	Outcome        string    `json:"outcome"`
	FaultCode      string    `json:"fault_code,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	LatencyMs      int64     `json:"latency_ms"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	PromptHash     string    `json:"prompt_hash"`
	Prompt         string    `json:"prompt,omitempty"`
	ResponseSample string    `json:"response_sample,omitempty"`
}

const (
	auditQueueSize    = 10000
	auditBatchSize    = 100
	auditFlushPeriod  = 5 * time.Second
	responseSampleMax = 200
)

// AuditTrail records chat exchanges asynchronously. Entries are queued and
// written to Postgres in batches; a full queue drops the entry rather than
// blocking the chat path.
type AuditTrail struct {
	db       *sql.DB
	policy   StoragePolicy
	log      *logger.Logger
	queue    chan *AuditEntry
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewAuditTrail starts the background writer. A nil db yields a no-op trail.
func NewAuditTrail(db *sql.DB, policy StoragePolicy, log *logger.Logger) *AuditTrail {
	if policy != StorageFull {
		policy = StorageMetadataOnly
	}
	t := &AuditTrail{
		db:       db,
		policy:   policy,
		log:      log,
		queue:    make(chan *AuditEntry, auditQueueSize),
		shutdown: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Record queues an audit entry. The prompt and response are dropped or kept
// according to the storage policy; the prompt hash is always kept.
func (t *AuditTrail) Record(entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.PromptHash = hashContent(entry.Prompt)
	if t.policy == StorageMetadataOnly {
		entry.Prompt = ""
		entry.ResponseSample = ""
	} else if len(entry.ResponseSample) > responseSampleMax {
		entry.ResponseSample = entry.ResponseSample[:responseSampleMax]
	}

	select {
	case t.queue <- &entry:
	default:
		t.log.Warn(entry.TenantID, entry.RequestID, "audit queue full, dropping entry", nil)
	}
}

// Close flushes pending entries and stops the writer.
func (t *AuditTrail) Close() {
	close(t.shutdown)
	t.wg.Wait()
}

func (t *AuditTrail) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(auditFlushPeriod)
	defer ticker.Stop()

	batch := make([]*AuditEntry, 0, auditBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := t.writeBatch(batch); err != nil {
			t.log.Error("", "", "failed to write audit batch", map[string]interface{}{
				"error":   err.Error(),
				"entries": len(batch),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-t.queue:
			batch = append(batch, entry)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-t.shutdown:
			for {
				select {
				case entry := <-t.queue:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (t *AuditTrail) writeBatch(entries []*AuditEntry) error {
	if t.db == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_entries (
			id, request_id, timestamp, tenant_id, user_id, conversation_id,
			mode, outcome, fault_code, provider, model, latency_ms,
			input_tokens, output_tokens, prompt_hash, prompt, response_sample
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.RequestID, e.Timestamp, e.TenantID, e.UserID, e.ConversationID,
			e.Mode, e.Outcome, e.FaultCode, e.Provider, e.Model, e.LatencyMs,
			e.InputTokens, e.OutputTokens, e.PromptHash, e.Prompt, e.ResponseSample,
		); err != nil {
			t.log.Error(e.TenantID, e.RequestID, "failed to insert audit entry", map[string]interface{}{"error": err.Error()})
		}
	}
	return tx.Commit()
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
