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

// Package store defines the durable job store consumed by the engine.
//
// # Interface Hierarchy
//
// The store package uses interface segregation so components depend only on
// what they call:
//
//   - JobStore: UpsertJobs, GetJob, ListJobs, DeleteJobs, MaxJobID
//   - ActionStore: UpsertActions, GetAction, ListActions, DeleteJobsActions, MaxActionID
//   - RetentionStore: CountTerminalJobs, DeleteFinishedJobsOlderThan, DeleteJobsKeepNewest
//   - io.Closer: Close
//
// Store composes all of these. Backends live in the memory, sqlite and
// postgres subpackages.
package store

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/tombee/smartjobs/internal/engine/model"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

// JobStore persists job records. Upserts are idempotent.
type JobStore interface {
	UpsertJobs(ctx context.Context, jobs []*model.JobRecord) error

	// GetJob returns *errors.NotFoundError for an unknown id.
	GetJob(ctx context.Context, id int64) (*model.JobRecord, error)

	ListJobs(ctx context.Context, filter JobFilter) ([]*model.JobRecord, error)

	DeleteJobs(ctx context.Context, ids []int64) error

	// MaxJobID returns the highest stored job id, or 0 when empty.
	MaxJobID(ctx context.Context) (int64, error)
}

// ActionStore persists action records. Upserts are idempotent.
type ActionStore interface {
	UpsertActions(ctx context.Context, actions []*model.ActionRecord) error

	// GetAction returns *errors.NotFoundError for an unknown id.
	GetAction(ctx context.Context, id int64) (*model.ActionRecord, error)

	// ListActions returns the actions of a job ordered by id.
	ListActions(ctx context.Context, jobID int64) ([]*model.ActionRecord, error)

	// DeleteJobsActions removes every action belonging to the given jobs.
	DeleteJobsActions(ctx context.Context, jobIDs []int64) error

	MaxActionID(ctx context.Context) (int64, error)
}

// RetentionStore supports the history sweep. Both deletes also remove the
// deleted jobs' actions and return the number of jobs deleted.
type RetentionStore interface {
	CountTerminalJobs(ctx context.Context) (int64, error)

	// DeleteFinishedJobsOlderThan removes terminal jobs generated before ts.
	DeleteFinishedJobsOlderThan(ctx context.Context, ts time.Time) (int64, error)

	// DeleteJobsKeepNewest removes all but the newest n terminal jobs.
	DeleteJobsKeepNewest(ctx context.Context, n int64) (int64, error)
}

// Store is the full durable store.
type Store interface {
	JobStore
	ActionStore
	RetentionStore
	io.Closer
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	RuleID int64
	States []model.JobState
	Limit  int
	Offset int
}

// Matches reports whether job satisfies the filter, ignoring paging.
func (f JobFilter) Matches(job *model.JobRecord) bool {
	if f.RuleID != 0 && job.RuleID != f.RuleID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if job.State == s {
			return true
		}
	}
	return false
}

// JobNotFound builds the error returned for a missing job.
func JobNotFound(id int64) error {
	return &joberrors.NotFoundError{Resource: "job", ID: strconv.FormatInt(id, 10)}
}

// ActionNotFound builds the error returned for a missing action.
func ActionNotFound(id int64) error {
	return &joberrors.NotFoundError{Resource: "action", ID: strconv.FormatInt(id, 10)}
}

// TerminalStateNames lists the terminal states as strings for queries.
func TerminalStateNames() []string {
	names := make([]string, len(model.TerminalStates))
	for i, s := range model.TerminalStates {
		names[i] = string(s)
	}
	return names
}
