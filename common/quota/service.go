// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

// Package quota tracks per-tenant daily token consumption. The service only
// accounts: enforcement (reject vs. allow) is a policy decision made by the
// caller comparing UsedToday against the tenant's budget before dispatch.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"mira/platform/shared/logger"
)

// counterTTL keeps daily counters around long enough for end-of-day reads in
// every timezone, then lets Redis reclaim them.
const counterTTL = 48 * time.Hour

// UsageRecord is one append-only token consumption row.
type UsageRecord struct {
	TenantID         string
	UserID           string
	ConversationID   string
	Provider         string
	Model            string
	UsageDate        string // yyyy-mm-dd, UTC
	InputTokens      int
	OutputTokens     int
	EstimatedCostCts int
}

// Service records token usage to Postgres and mirrors per-tenant daily
// totals in Redis for cheap budget reads. Both sides are best-effort: an
// unavailable store degrades accounting, never chat traffic.
type Service struct {
	db       *sql.DB
	rdb      *redis.Client
	provider string
	log      *logger.Logger
}

// New creates a quota service. db and rdb may each be nil; the corresponding
// sink is skipped.
func New(db *sql.DB, rdb *redis.Client, providerName string, log *logger.Logger) *Service {
	return &Service{db: db, rdb: rdb, provider: providerName, log: log}
}

func dayKey(tenantID string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s", tenantID, day.UTC().Format("2006-01-02"))
}

// Consume appends a usage row and atomically increments the tenant's daily
// counter. The Redis INCRBY keeps concurrent chats for the same tenant race
// free without read-modify-write. Errors from either sink are returned for
// the caller to log; callers must treat them as non-fatal.
func (s *Service) Consume(ctx context.Context, tenantID, userID, conversationID, model string, inputTokens, outputTokens int) error {
	if tenantID == "" {
		return fmt.Errorf("quota consume requires a tenant id")
	}

	now := time.Now().UTC()
	total := inputTokens + outputTokens

	var firstErr error

	if s.db != nil {
		cost := CalculateCost(s.provider, model, inputTokens, outputTokens)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO token_usage (
				tenant_id, user_id, conversation_id, provider, model,
				usage_date, input_tokens, output_tokens, estimated_cost_cents
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, tenantID, userID, conversationID, s.provider, model,
			now.Format("2006-01-02"), inputTokens, outputTokens, cost)
		if err != nil {
			firstErr = fmt.Errorf("recording token usage: %w", err)
			if s.log != nil {
				s.log.Warn(tenantID, conversationID, "failed to record token usage", map[string]interface{}{
					"model": model,
					"error": err.Error(),
				})
			}
		}
	}

	if s.rdb != nil {
		key := dayKey(tenantID, now)
		pipe := s.rdb.TxPipeline()
		pipe.IncrBy(ctx, key, int64(total))
		pipe.Expire(ctx, key, counterTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("incrementing daily counter: %w", err)
			}
			if s.log != nil {
				s.log.Warn(tenantID, conversationID, "failed to increment daily token counter", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}

	return firstErr
}

// UsedToday returns the tenant's token total for the current UTC day. The
// Redis counter is authoritative on the hot path; when Redis is unavailable
// the SQL ledger is summed instead. With neither store configured the total
// is zero, which fails open.
func (s *Service) UsedToday(ctx context.Context, tenantID string) (int64, error) {
	now := time.Now().UTC()

	if s.rdb != nil {
		val, err := s.rdb.Get(ctx, dayKey(tenantID, now)).Int64()
		if err == nil {
			return val, nil
		}
		if err == redis.Nil {
			return 0, nil
		}
		if s.log != nil {
			s.log.Warn(tenantID, "", "daily counter read failed, falling back to ledger", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if s.db != nil {
		var total sql.NullInt64
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
			FROM token_usage
			WHERE tenant_id = $1 AND usage_date = $2
		`, tenantID, now.Format("2006-01-02")).Scan(&total)
		if err != nil {
			return 0, fmt.Errorf("summing token usage: %w", err)
		}
		return total.Int64, nil
	}

	return 0, nil
}
