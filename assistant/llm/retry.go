// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig configures the bounded exponential backoff applied around
// provider calls. Retries reuse the same logical task: there is at most one
// in-flight provider call per chat turn at any instant.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the initial call.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the exponential multiplier.
	BackoffFactor float64

	// Jitter adds randomness to avoid thundering herd (0.0-1.0).
	Jitter float64

	// RetryIf decides whether an error is worth another attempt.
	// Nil means Retryable.
	RetryIf func(err error) bool
}

// DefaultRetryConfig returns the retry policy used for provider dispatch.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		RetryIf:        Retryable,
	}
}

// Retryable classifies provider errors. Permission-denied, unauthenticated,
// and invalid-argument indicate a request or credential defect that retrying
// cannot fix. Resource-exhausted, unavailable, deadline-exceeded, and any
// unclassified error are presumed transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// Unclassified errors are presumed transient.
	return true
}

// RetryWithBackoff executes fn with exponential backoff retry. Backoff sleeps
// respect context cancellation; a canceled context returns ctx.Err()
// immediately.
func RetryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	retryIf := config.RetryIf
	if retryIf == nil {
		retryIf = Retryable
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !retryIf(err) {
			return zero, err
		}

		if attempt >= config.MaxRetries {
			break
		}

		backoff := config.InitialBackoff
		for i := 0; i < attempt; i++ {
			backoff = time.Duration(float64(backoff) * config.BackoffFactor)
			if backoff >= config.MaxBackoff {
				backoff = config.MaxBackoff
				break
			}
		}
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}

		if config.Jitter > 0 {
			delta := float64(backoff) * config.Jitter
			backoff = time.Duration(float64(backoff) + (rand.Float64()*2*delta - delta))
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return zero, lastErr
}
