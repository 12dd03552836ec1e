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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/store"
	"github.com/tombee/smartjobs/internal/store/storetest"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := Config{
		Path: dbPath,
		WAL:  true,
	}

	be, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}

	return be, dbPath
}

func TestSQLiteBackend_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		be, _ := createTestBackend(t)
		t.Cleanup(func() { be.Close() })
		return be
	})
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	be, dbPath := createTestBackend(t)

	ctx := context.Background()
	job := storetest.Job(1, 0, "DONE", 0)
	if err := be.UpsertJobs(ctx, []*model.JobRecord{job}); err != nil {
		t.Fatalf("failed to upsert job: %v", err)
	}
	if err := be.Close(); err != nil {
		t.Fatalf("failed to close backend: %v", err)
	}

	// Reopen database
	be2, err := New(ctx, Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to reopen backend: %v", err)
	}
	defer be2.Close()

	got, err := be2.GetJob(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get job after reopen: %v", err)
	}
	if got.Parameters != job.Parameters {
		t.Errorf("expected parameters %q, got %q", job.Parameters, got.Parameters)
	}
	if !got.GenerateTime.Equal(job.GenerateTime) {
		t.Errorf("expected generate time %v, got %v", job.GenerateTime, got.GenerateTime)
	}
}

func TestSQLiteBackend_DeleteReportsFailure(t *testing.T) {
	be, _ := createTestBackend(t)
	ctx := context.Background()
	if err := be.UpsertJobs(ctx, []*model.JobRecord{storetest.Job(1, 0, "DONE", 0)}); err != nil {
		t.Fatalf("failed to upsert job: %v", err)
	}
	if err := be.Close(); err != nil {
		t.Fatalf("failed to close backend: %v", err)
	}

	deleted, err := be.DeleteJobsKeepNewest(ctx, 0)
	if err == nil {
		t.Fatal("expected error from closed backend")
	}
	if deleted != 0 {
		t.Errorf("expected 0 deleted on failure, got %d", deleted)
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "?"},
		{3, "?,?,?"},
	}
	for _, tt := range tests {
		if got := placeholders(tt.n); got != tt.want {
			t.Errorf("placeholders(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
