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
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
		wantMsg   string
	}{
		{"success logged at debug", http.StatusOK, "DEBUG", "http request completed"},
		{"server error logged at error", http.StatusInternalServerError, "ERROR", "http request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

			handler := NewHTTPMiddleware(logger).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rec.Code)
			}

			var entry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("expected level %s, got %v", tt.wantLevel, entry["level"])
			}
			if entry["msg"] != tt.wantMsg {
				t.Errorf("expected msg %q, got %v", tt.wantMsg, entry["msg"])
			}
			if entry["path"] != "/metrics" {
				t.Errorf("expected path /metrics, got %v", entry["path"])
			}
			if entry["status"] != float64(tt.status) {
				t.Errorf("expected status %d, got %v", tt.status, entry["status"])
			}
		})
	}
}
