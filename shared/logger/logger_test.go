// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "assistant",
			instanceID:     "instance-123",
			expectedComp:   "assistant",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "quota",
			instanceID:     "",
			expectedComp:   "quota",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			l := New(tt.component)

			if l.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, l.Component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, l.InstanceID)
			}
			if l.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

func captureEntry(t *testing.T, emit func(l *Logger)) Entry {
	t.Helper()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	emit(New("test-component"))

	output := buf.String()
	jsonStart := strings.Index(output, "{")
	if jsonStart == -1 {
		t.Fatalf("No JSON found in log output: %s", output)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(output[jsonStart:])), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log: %v\nOutput: %s", err, output)
	}
	return entry
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name      string
		logFunc   func(*Logger, string, string, string, map[string]interface{})
		level     Level
		message   string
		tenantID  string
		requestID string
		fields    map[string]interface{}
	}{
		{
			name:      "Info log",
			logFunc:   (*Logger).Info,
			level:     INFO,
			message:   "chat turn completed",
			tenantID:  "tenant-123",
			requestID: "req-456",
			fields:    map[string]interface{}{"model": "gpt-4o-mini"},
		},
		{
			name:      "Error log",
			logFunc:   (*Logger).Error,
			level:     ERROR,
			message:   "provider dispatch failed",
			tenantID:  "tenant-789",
			requestID: "req-012",
			fields:    map[string]interface{}{"provider": "anthropic"},
		},
		{
			name:      "Warn log",
			logFunc:   (*Logger).Warn,
			level:     WARN,
			message:   "reranker fallback applied",
			tenantID:  "tenant-abc",
			requestID: "req-def",
			fields:    nil,
		},
		{
			name:      "Debug log",
			logFunc:   (*Logger).Debug,
			level:     DEBUG,
			message:   "context layers resolved",
			tenantID:  "tenant-xyz",
			requestID: "req-uvw",
			fields:    map[string]interface{}{"layer_count": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := captureEntry(t, func(l *Logger) {
				tt.logFunc(l, tt.tenantID, tt.requestID, tt.message, tt.fields)
			})

			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.Message != tt.message {
				t.Errorf("Expected message %q, got %q", tt.message, entry.Message)
			}
			if entry.TenantID != tt.tenantID {
				t.Errorf("Expected tenant ID %q, got %q", tt.tenantID, entry.TenantID)
			}
			if entry.RequestID != tt.requestID {
				t.Errorf("Expected request ID %q, got %q", tt.requestID, entry.RequestID)
			}
			if entry.Component != "test-component" {
				t.Errorf("Expected component 'test-component', got %q", entry.Component)
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}

			for key, expected := range tt.fields {
				if actual, ok := entry.Fields[key]; !ok {
					t.Errorf("Expected field %q not found", key)
				} else if actual != expected {
					t.Errorf("Field %q: expected %v, got %v", key, expected, actual)
				}
			}
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.InfoWithDuration("tenant-123", "req-456", "chat completed", 123.45, map[string]interface{}{
			"endpoint": "/api/v1/chat",
		})
	})

	if entry.Fields["duration_ms"] != 123.45 {
		t.Errorf("Expected duration_ms 123.45, got %v", entry.Fields["duration_ms"])
	}
	if entry.Fields["endpoint"] != "/api/v1/chat" {
		t.Errorf("Expected endpoint '/api/v1/chat', got %v", entry.Fields["endpoint"])
	}
	if entry.Level != INFO {
		t.Errorf("Expected INFO level, got %s", entry.Level)
	}
}

func TestErrorWithFault(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.ErrorWithFault("tenant-123", "req-456", "quota consume failed", "MIRA-3001",
			errors.New("connection refused"), map[string]interface{}{"db": "postgres"})
	})

	if entry.Fields["fault_code"] != "MIRA-3001" {
		t.Errorf("Expected fault_code MIRA-3001, got %v", entry.Fields["fault_code"])
	}
	if entry.Fields["error"] != "connection refused" {
		t.Errorf("Expected error 'connection refused', got %v", entry.Fields["error"])
	}
	if entry.Fields["db"] != "postgres" {
		t.Errorf("Expected db field preserved, got %v", entry.Fields["db"])
	}
	if entry.Level != ERROR {
		t.Errorf("Expected ERROR level, got %s", entry.Level)
	}
}

func TestJSONMarshalError(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	l := New("test-component")

	// Channels cannot be marshaled to JSON
	l.Info("tenant-123", "req-456", "bad payload", map[string]interface{}{
		"channel": make(chan int),
	})

	if !strings.Contains(buf.String(), "Failed to marshal log entry") {
		t.Error("Expected error message about JSON marshaling failure")
	}
}
