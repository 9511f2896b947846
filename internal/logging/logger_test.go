// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestInit_idempotent verifies Init only applies once.
func TestInit_idempotent(t *testing.T) {
	mu.Lock()
	global = nil
	once = sync.Once{}
	mu.Unlock()

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	Init(&buf2, LevelDebug)
	if Get() != first {
		t.Error("Second Init() should be ignored")
	}
	if first.out != &buf1 {
		t.Error("Init() did not set output writer")
	}
}

// TestLogger_Info verifies JSON structure and field keys.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("message queued", map[string]interface{}{"target_id": "doc123"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["message"] != "message queued" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["target_id"] != "doc123" {
		t.Errorf("target_id = %v", entry["target_id"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

// TestLogger_levelFiltering verifies entries below the minimum level are dropped.
func TestLogger_levelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", errors.New("boom"))

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1]["error"] != "boom" {
		t.Errorf("error = %v, want boom", entries[1]["error"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.ErrorWithCode("delivery failed", "DELIVERY_FAILED", errors.New("timeout"),
		map[string]interface{}{"message_id": "m1"})

	entry := decodeLines(t, &buf)[0]
	if entry["error_code"] != "DELIVERY_FAILED" {
		t.Errorf("error_code = %v", entry["error_code"])
	}
	if entry["message_id"] != "m1" {
		t.Errorf("message_id = %v", entry["message_id"])
	}
}

// TestGetContext verifies context merging.
func TestGetContext(t *testing.T) {
	logger := New(&bytes.Buffer{}, LevelInfo)

	if logger.getContext() != nil {
		t.Error("getContext() with no maps should be nil")
	}
	merged := logger.getContext(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})
	if len(merged) != 2 {
		t.Errorf("merged = %v", merged)
	}
}

// TestParseLevel verifies textual level parsing.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warn":    LevelWarn,
		"error":   LevelError,
		"nonsense": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
