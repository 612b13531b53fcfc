// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Failed to parse JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		instanceID     string
		expectedInstID string
	}{
		{"with instance ID set", "instance-123", "instance-123"},
		{"without instance ID", "", "unknown"},
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

			l := New("gateway")
			if l.Component != "gateway" {
				t.Errorf("Expected component gateway, got %s", l.Component)
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

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, string, string, map[string]interface{})
		level   LogLevel
	}{
		{"info", (*Logger).Info, INFO},
		{"warn", (*Logger).Warn, WARN},
		{"error", (*Logger).Error, ERROR},
		{"debug", (*Logger).Debug, DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter("store", &buf)
			tt.logFunc(l, "org-1", "req-1", "hello", map[string]interface{}{"job_id": "job-1"})

			entries := decodeLines(t, &buf)
			if len(entries) != 1 {
				t.Fatalf("Expected 1 entry, got %d", len(entries))
			}
			entry := entries[0]
			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.OrgID != "org-1" || entry.RequestID != "req-1" {
				t.Errorf("Unexpected correlation ids: %+v", entry)
			}
			if entry.Fields["job_id"] != "job-1" {
				t.Errorf("Expected job_id field, got %v", entry.Fields)
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("worker", &buf)
	l.InfoWithDuration("org-1", "", "job finished", 1500*time.Microsecond, nil)

	entries := decodeLines(t, &buf)
	if got := entries[0].Fields["duration_ms"]; got != 1.5 {
		t.Errorf("Expected duration_ms 1.5, got %v", got)
	}
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)
	l.ErrorWithCode("org-1", "req-9", "storage failure", 500, errors.New("connection reset"), nil)

	entry := decodeLines(t, &buf)[0]
	if entry.Level != ERROR {
		t.Errorf("Expected ERROR level, got %s", entry.Level)
	}
	if entry.Fields["status_code"] != float64(500) {
		t.Errorf("Expected status_code 500, got %v", entry.Fields["status_code"])
	}
	if entry.Fields["error"] != "connection reset" {
		t.Errorf("Expected error field, got %v", entry.Fields["error"])
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("org", "req", "ignored", nil)
}

func TestConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("worker", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Info("org", "", "tick", nil)
		}()
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 50 {
		t.Errorf("Expected 50 entries, got %d", got)
	}
}
