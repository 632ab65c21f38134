// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// Provider is the unified interface for all AI providers.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the stable identifier for this provider, used for
	// routing, logging, and metric labels. Example: "anthropic", "openai".
	Name() string

	// Chat sends a normalized request and returns a normalized response.
	// Routine model failures (content filtered, malformed output) come back
	// as error-valued responses; transport and auth failures as
	// *ProviderError. The context governs cancellation and timeout.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Available reports configuration readiness: credentials present and
	// no persistent failure observed. It must not perform network calls.
	Available() bool
}

// StreamingProvider extends Provider with streaming support. The handler is
// called for each chunk in order; the final aggregated response is returned
// once the stream terminates.
type StreamingProvider interface {
	Provider

	ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error)
}
