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

// Package memory provides an in-memory store implementation.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.JobStore       = (*Backend)(nil)
	_ store.ActionStore    = (*Backend)(nil)
	_ store.RetentionStore = (*Backend)(nil)
	_ store.Store          = (*Backend)(nil)
)

// Backend is an in-memory store. Records are cloned on the way in and out.
type Backend struct {
	mu      sync.RWMutex
	jobs    map[int64]*model.JobRecord
	actions map[int64]*model.ActionRecord
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		jobs:    make(map[int64]*model.JobRecord),
		actions: make(map[int64]*model.ActionRecord),
	}
}

// UpsertJobs inserts or replaces jobs.
func (b *Backend) UpsertJobs(ctx context.Context, jobs []*model.JobRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range jobs {
		b.jobs[j.ID] = j.Clone()
	}
	return nil
}

// GetJob retrieves a job by ID.
func (b *Backend) GetJob(ctx context.Context, id int64) (*model.JobRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, store.JobNotFound(id)
	}
	return j.Clone(), nil
}

// ListJobs returns matching jobs ordered by id.
func (b *Backend) ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.JobRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*model.JobRecord
	for _, j := range b.jobs {
		if filter.Matches(j) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(x, y *model.JobRecord) int { return cmp.Compare(x.ID, y.ID) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteJobs removes jobs. Unknown ids are ignored.
func (b *Backend) DeleteJobs(ctx context.Context, ids []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.jobs, id)
	}
	return nil
}

// MaxJobID returns the highest job id.
func (b *Backend) MaxJobID(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var highest int64
	for id := range b.jobs {
		highest = max(highest, id)
	}
	return highest, nil
}

// UpsertActions inserts or replaces actions.
func (b *Backend) UpsertActions(ctx context.Context, actions []*model.ActionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range actions {
		b.actions[a.ID] = a.Clone()
	}
	return nil
}

// GetAction retrieves an action by ID.
func (b *Backend) GetAction(ctx context.Context, id int64) (*model.ActionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	a, ok := b.actions[id]
	if !ok {
		return nil, store.ActionNotFound(id)
	}
	return a.Clone(), nil
}

// ListActions returns the actions of a job ordered by id.
func (b *Backend) ListActions(ctx context.Context, jobID int64) ([]*model.ActionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*model.ActionRecord
	for _, a := range b.actions {
		if a.JobID == jobID {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, func(x, y *model.ActionRecord) int { return cmp.Compare(x.ID, y.ID) })
	return out, nil
}

// DeleteJobsActions removes the actions of the given jobs.
func (b *Backend) DeleteJobsActions(ctx context.Context, jobIDs []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteActionsLocked(jobIDs)
	return nil
}

func (b *Backend) deleteActionsLocked(jobIDs []int64) {
	if len(jobIDs) == 0 {
		return
	}
	for id, a := range b.actions {
		if slices.Contains(jobIDs, a.JobID) {
			delete(b.actions, id)
		}
	}
}

// MaxActionID returns the highest action id.
func (b *Backend) MaxActionID(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var highest int64
	for id := range b.actions {
		highest = max(highest, id)
	}
	return highest, nil
}

// CountTerminalJobs counts jobs in DONE, FAILED or CANCELLED.
func (b *Backend) CountTerminalJobs(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	for _, j := range b.jobs {
		if j.State.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// DeleteFinishedJobsOlderThan removes terminal jobs generated before ts.
func (b *Backend) DeleteFinishedJobsOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []int64
	for id, j := range b.jobs {
		if j.State.IsTerminal() && j.GenerateTime.Before(ts) {
			ids = append(ids, id)
		}
	}
	b.deleteJobsLocked(ids)
	return int64(len(ids)), nil
}

// DeleteJobsKeepNewest removes all but the newest n terminal jobs.
func (b *Backend) DeleteJobsKeepNewest(ctx context.Context, n int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var terminal []*model.JobRecord
	for _, j := range b.jobs {
		if j.State.IsTerminal() {
			terminal = append(terminal, j)
		}
	}
	if int64(len(terminal)) <= n {
		return 0, nil
	}

	// Newest first.
	slices.SortFunc(terminal, func(x, y *model.JobRecord) int {
		if c := y.GenerateTime.Compare(x.GenerateTime); c != 0 {
			return c
		}
		return cmp.Compare(y.ID, x.ID)
	})

	var ids []int64
	for _, j := range terminal[max(n, 0):] {
		ids = append(ids, j.ID)
	}
	b.deleteJobsLocked(ids)
	return int64(len(ids)), nil
}

func (b *Backend) deleteJobsLocked(ids []int64) {
	for _, id := range ids {
		delete(b.jobs, id)
	}
	b.deleteActionsLocked(ids)
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}
