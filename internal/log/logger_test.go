// Copyright 2025 Tom Barlow
//
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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Output: &buf})
	logger.Debug("hidden")
	logger.Info("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the info line, got %d lines: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON by default, got error: %v", err)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Info("job submitted", JobIDKey, int64(7))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if entry["msg"] != "job submitted" {
		t.Errorf("expected msg 'job submitted', got: %v", entry["msg"])
	}
	if entry[JobIDKey] != float64(7) {
		t.Errorf("expected job_id 7, got: %v", entry[JobIDKey])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("registry synced", "jobs", 3)

	if !strings.Contains(buf.String(), "jobs=3") {
		t.Errorf("expected output to contain 'jobs=3', got: %s", buf.String())
	}
}

func TestNew_NilConfigAndOutput(t *testing.T) {
	if New(nil) == nil {
		t.Fatal("expected logger for nil config")
	}
	if New(&Config{Level: "info"}) == nil {
		t.Fatal("expected logger for nil output")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestWithComponentAndJob(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger := WithJob(WithComponent(base, "registry"), 12, 3)
	logger.Info("evicted", Error(errors.New("boom")))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry[ComponentKey] != "registry" {
		t.Errorf("expected component 'registry', got %v", entry[ComponentKey])
	}
	if entry[JobIDKey] != float64(12) || entry[RuleIDKey] != float64(3) {
		t.Errorf("expected job_id=12 rule_id=3, got %v %v", entry[JobIDKey], entry[RuleIDKey])
	}
	if entry["error"] != "boom" {
		t.Errorf("expected error 'boom', got %v", entry["error"])
	}
}

func TestWithJob_OmitsZeroRule(t *testing.T) {
	var buf bytes.Buffer
	WithJob(New(&Config{Output: &buf}), 5, 0).Info("x")

	if strings.Contains(buf.String(), RuleIDKey) {
		t.Errorf("expected no rule_id field, got: %s", buf.String())
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer

	Trace(New(&Config{Level: "debug", Output: &buf}), "hidden")
	if buf.Len() != 0 {
		t.Errorf("trace should be filtered at debug level, got: %s", buf.String())
	}

	Trace(New(&Config{Level: "trace", Output: &buf}), "shown", slog.Int64(ActionIDKey, 9))
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected trace output, got: %s", buf.String())
	}
}
