// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging with multi-tenant support
for Mira components.

# Overview

The logger writes one JSON entry per line to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (mira, indexer, etc.)
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("mira")

Log messages with tenant and request context:

	log.Info("tenant-123", "req-456", "processing chat turn", map[string]interface{}{
	    "method": "POST",
	    "path":   "/api/v1/chat",
	})

Log failures with their fault code:

	log.ErrorWithFault("tenant-123", "req-456", "chat turn failed", "MIRA-5001", err, map[string]interface{}{
	    "conversation_id": convID,
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("tenant-123", "req-456", "chat turn completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2026-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"mira","instance_id":"i-abc123","container":"mira-xyz",
	 "tenant_id":"tenant-123","request_id":"req-456",
	 "message":"processing chat turn","fields":{"method":"POST"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
