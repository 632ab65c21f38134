// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Mira assistant service.
//
// Mira is a retrieval-augmented chat orchestrator that:
// - Merges hierarchical context layers (SYSTEM/TENANT/ORGANIZATION/USER)
// - Dispatches to interchangeable AI providers under retry and metrics
// - Reranks retrieved knowledge documents with graceful degradation
// - Enforces per-model capability constraints and per-tenant token budgets
//
// Usage:
//
//	./mira
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8086)
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_ADDR - Redis address for quota counters (optional)
//	JWT_SECRET - HMAC secret for bearer tokens (required)
//	AI_PROVIDER - anthropic | openai | bedrock (default: anthropic)
package main

import (
	"mira/platform/assistant"
)

func main() {
	assistant.Run()
}
