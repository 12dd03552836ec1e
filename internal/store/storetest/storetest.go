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

// Package storetest holds a conformance suite run against every store
// backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/store"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// base is a fixed reference time with millisecond precision so it survives
// every backend's time encoding.
var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Job builds a job generated ageMinutes before the reference time.
func Job(id, ruleID int64, state model.JobState, ageMinutes int) *model.JobRecord {
	generated := base.Add(-time.Duration(ageMinutes) * time.Minute)
	return &model.JobRecord{
		ID:               id,
		RuleID:           ruleID,
		ActionIDs:        []int64{id * 10, id*10 + 1},
		State:            state,
		Parameters:       "echo -msg hi ; sleep -ms 5",
		GenerateTime:     generated,
		StateChangedTime: generated.Add(time.Second),
	}
}

// Action builds an action of job jobID.
func Action(id, jobID int64) *model.ActionRecord {
	return &model.ActionRecord{
		ID:         id,
		JobID:      jobID,
		Name:       "echo",
		Args:       map[string]string{"-msg": "hi"},
		Result:     "hi\n",
		Successful: true,
		Finished:   true,
		Progress:   1,
		CreateTime: base,
		FinishTime: base.Add(250 * time.Millisecond),
		ExecHost:   "host-a",
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("job round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		job := Job(1, 7, model.StatePending, 0)
		require.NoError(t, s.UpsertJobs(ctx, []*model.JobRecord{job}))

		got, err := s.GetJob(ctx, 1)
		require.NoError(t, err)
		assertJobEqual(t, job, got)

		job.State = model.StateDone
		job.StateChangedTime = base.Add(time.Minute)
		require.NoError(t, s.UpsertJobs(ctx, []*model.JobRecord{job}))
		require.NoError(t, s.UpsertJobs(ctx, []*model.JobRecord{job}), "upserts are idempotent")

		got, err = s.GetJob(ctx, 1)
		require.NoError(t, err)
		assertJobEqual(t, job, got)
	})

	t.Run("missing ids", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetJob(ctx, 42)
		var nf *joberrors.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "job", nf.Resource)

		_, err = s.GetAction(ctx, 42)
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "action", nf.Resource)

		maxJob, err := s.MaxJobID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), maxJob)

		maxAction, err := s.MaxActionID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), maxAction)
	})

	t.Run("action round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a1, a2, other := Action(11, 1), Action(10, 1), Action(20, 2)
		a2.Successful = false
		a2.Finished = false
		a2.Progress = 0.5
		a2.FinishTime = time.Time{}
		require.NoError(t, s.UpsertActions(ctx, []*model.ActionRecord{a1, a2, other}))

		got, err := s.GetAction(ctx, 11)
		require.NoError(t, err)
		assertActionEqual(t, a1, got)

		list, err := s.ListActions(ctx, 1)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, int64(10), list[0].ID)
		assertActionEqual(t, a2, list[0])

		maxID, err := s.MaxActionID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), maxID)

		require.NoError(t, s.DeleteJobsActions(ctx, []int64{1}))
		list, err = s.ListActions(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, list)
		_, err = s.GetAction(ctx, 20)
		assert.NoError(t, err, "other jobs' actions survive")
	})

	t.Run("list jobs filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertJobs(ctx, []*model.JobRecord{
			Job(1, 5, model.StateDone, 0),
			Job(2, 5, model.StatePending, 0),
			Job(3, 6, model.StateDone, 0),
			Job(4, 0, model.StateFailed, 0),
		}))

		tests := []struct {
			name   string
			filter store.JobFilter
			want   []int64
		}{
			{"all", store.JobFilter{}, []int64{1, 2, 3, 4}},
			{"by rule", store.JobFilter{RuleID: 5}, []int64{1, 2}},
			{"by state", store.JobFilter{States: []model.JobState{model.StateDone}}, []int64{1, 3}},
			{"rule and state", store.JobFilter{RuleID: 5, States: []model.JobState{model.StateDone}}, []int64{1}},
			{"several states", store.JobFilter{States: []model.JobState{model.StateDone, model.StateFailed}}, []int64{1, 3, 4}},
			{"paged", store.JobFilter{Limit: 2, Offset: 1}, []int64{2, 3}},
			{"offset only", store.JobFilter{Offset: 3}, []int64{4}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				jobs, err := s.ListJobs(ctx, tt.filter)
				require.NoError(t, err)
				assert.Equal(t, tt.want, ids(jobs))
			})
		}

		maxID, err := s.MaxJobID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), maxID)
	})

	t.Run("delete jobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertJobs(ctx, []*model.JobRecord{Job(1, 0, model.StateDone, 0), Job(2, 0, model.StateDone, 0)}))
		require.NoError(t, s.DeleteJobs(ctx, []int64{1, 99}))
		require.NoError(t, s.DeleteJobs(ctx, nil))

		jobs, err := s.ListJobs(ctx, store.JobFilter{})
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids(jobs))
	})

	t.Run("retention", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// Jobs 1-4 are terminal with decreasing age; 5 is still running.
		jobs := []*model.JobRecord{
			Job(1, 0, model.StateDone, 40),
			Job(2, 0, model.StateFailed, 30),
			Job(3, 0, model.StateCancelled, 20),
			Job(4, 0, model.StateDone, 10),
			Job(5, 0, model.StateExecuting, 50),
		}
		require.NoError(t, s.UpsertJobs(ctx, jobs))
		var actions []*model.ActionRecord
		for _, j := range jobs {
			actions = append(actions, Action(j.ID*10, j.ID))
		}
		require.NoError(t, s.UpsertActions(ctx, actions))

		n, err := s.CountTerminalJobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		deleted, err := s.DeleteFinishedJobsOlderThan(ctx, base.Add(-25*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		remaining, err := s.ListJobs(ctx, store.JobFilter{})
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 4, 5}, ids(remaining))

		list, err := s.ListActions(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, list, "actions of deleted jobs are removed")

		deleted, err = s.DeleteJobsKeepNewest(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		remaining, err = s.ListJobs(ctx, store.JobFilter{})
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 5}, ids(remaining))

		list, err = s.ListActions(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, list)
		list, err = s.ListActions(ctx, 5)
		require.NoError(t, err)
		assert.Len(t, list, 1, "running job's actions are kept")

		deleted, err = s.DeleteJobsKeepNewest(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(0), deleted)
	})
}

func ids(jobs []*model.JobRecord) []int64 {
	out := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func assertJobEqual(t *testing.T, want, got *model.JobRecord) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.RuleID, got.RuleID)
	assert.Equal(t, want.ActionIDs, got.ActionIDs)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.Parameters, got.Parameters)
	assert.True(t, want.GenerateTime.Equal(got.GenerateTime), "generate time %v != %v", want.GenerateTime, got.GenerateTime)
	assert.True(t, want.StateChangedTime.Equal(got.StateChangedTime), "state changed time %v != %v", want.StateChangedTime, got.StateChangedTime)
	assert.Equal(t, want.DeferredToTime.IsZero(), got.DeferredToTime.IsZero())
}

func assertActionEqual(t *testing.T, want, got *model.ActionRecord) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.JobID, got.JobID)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Args, got.Args)
	assert.Equal(t, want.Result, got.Result)
	assert.Equal(t, want.Successful, got.Successful)
	assert.Equal(t, want.Finished, got.Finished)
	assert.InDelta(t, want.Progress, got.Progress, 0.0001)
	assert.True(t, want.CreateTime.Equal(got.CreateTime))
	assert.True(t, want.FinishTime.Equal(got.FinishTime), "finish time %v != %v", want.FinishTime, got.FinishTime)
	assert.Equal(t, want.ExecHost, got.ExecHost)
}
