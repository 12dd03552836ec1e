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

package shared

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	pkgerrors "github.com/tombee/smartjobs/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitExecutionFailed},
		{"exit error", NewJobFailedError("job 3 FAILED"), ExitJobFailed},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewTimeoutError("wait", nil)), ExitTimeout},
		{"validation", &pkgerrors.ValidationError{Field: "cmdlet", Message: "empty"}, ExitInvalidInput},
		{"config", &pkgerrors.ConfigError{Key: "store.type", Reason: "unknown"}, ExitInvalidInput},
		{"not found", fmt.Errorf("get: %w", &pkgerrors.NotFoundError{Resource: "job", ID: "9"}), ExitNotFound},
		{"timeout", &pkgerrors.TimeoutError{Operation: "store connect"}, ExitTimeout},
		{"duplicate", &pkgerrors.DuplicateError{Resource: "job", Key: "echo"}, ExitExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteError_Suggestion(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation suggestion",
			err:  &pkgerrors.ValidationError{Field: "action", Message: "unknown action", Suggestion: "available actions: echo"},
			want: "Suggestion: available actions: echo",
		},
		{
			name: "user visible",
			err:  fmt.Errorf("submit: %w", &pkgerrors.DuplicateError{Resource: "job", Key: "echo"}),
			want: "Suggestion:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writeError(&buf, tt.err)
			if !strings.HasPrefix(buf.String(), "Error: ") {
				t.Errorf("output %q lacks Error prefix", buf.String())
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}

	var buf bytes.Buffer
	writeError(&buf, errors.New("plain"))
	if strings.Contains(buf.String(), "Suggestion") {
		t.Errorf("plain error printed a suggestion: %q", buf.String())
	}
}
