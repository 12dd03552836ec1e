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

package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/store"
	"github.com/tombee/smartjobs/internal/store/memory"
	"github.com/tombee/smartjobs/internal/store/storetest"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

type flakyStore struct {
	store.Store
	failUpserts atomic.Bool
	failDeletes atomic.Bool
}

var errUnavailable = errors.New("store unavailable")

func (f *flakyStore) UpsertJobs(ctx context.Context, jobs []*model.JobRecord) error {
	if f.failUpserts.Load() {
		return errUnavailable
	}
	return f.Store.UpsertJobs(ctx, jobs)
}

func (f *flakyStore) DeleteJobs(ctx context.Context, ids []int64) error {
	if f.failDeletes.Load() {
		return errUnavailable
	}
	return f.Store.DeleteJobs(ctx, ids)
}

type stoppedTracking struct {
	mu  sync.Mutex
	ids []int64
}

func (s *stoppedTracking) StopTracking(id int64) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

func addJob(r *Registry, id int64, state model.JobState) *model.JobRecord {
	job := storetest.Job(id, 0, state, 0)
	r.AddUnfinishedJob(job)
	for _, aid := range job.ActionIDs {
		r.AddAction(storetest.Action(aid, id))
	}
	r.MarkDirty(id)
	return job
}

func TestRegistry_RoundTripAndEviction(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	tracker := &stoppedTracking{}
	r := New(s, Config{}, WithTracker(tracker))

	addJob(r, 1, model.StatePending)
	r.Sync(ctx)

	stored, err := s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, stored.State)
	actions, err := s.ListActions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, actions, 2)

	updated := r.UpdateJob(1, func(j *model.JobRecord) { j.State = model.StateExecuting })
	require.NotNil(t, updated)
	r.UpdateAction(10, func(a *model.ActionRecord) { a.Result = "changed" })
	assert.True(t, r.MarkDirty(1))
	r.Sync(ctx)

	stored, err = s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuting, stored.State)
	a, err := s.GetAction(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "changed", a.Result)
	assert.NotNil(t, r.UnfinishedJob(1), "running jobs stay cached")

	r.UpdateJob(1, func(j *model.JobRecord) { j.State = model.StateDone })
	r.MarkDirty(1)
	r.Sync(ctx)

	stored, err = s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, stored.State)
	assert.Nil(t, r.UnfinishedJob(1), "finished job is evicted")
	assert.Nil(t, r.UnfinishedAction(10))
	assert.Equal(t, []int64{1}, tracker.ids)
}

func TestRegistry_UnknownIDs(t *testing.T) {
	r := New(memory.New(), Config{})

	called := false
	assert.Nil(t, r.UpdateJob(5, func(*model.JobRecord) { called = true }))
	assert.Nil(t, r.UpdateAction(5, func(*model.ActionRecord) { called = true }))
	assert.False(t, called)
	assert.False(t, r.MarkDirty(5))
	assert.Nil(t, r.JobActions(5))
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := New(memory.New(), Config{})
	addJob(r, 1, model.StatePending)

	job := r.UnfinishedJob(1)
	job.State = model.StateFailed
	assert.Equal(t, model.StatePending, r.UnfinishedJob(1).State)

	actions := r.JobActions(1)
	require.Len(t, actions, 2)
	actions[0].Result = "mutated"
	assert.NotEqual(t, "mutated", r.UnfinishedAction(actions[0].ID).Result)
}

func TestRegistry_DisabledJobsAreNotPersisted(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, Config{})

	addJob(r, 1, model.StatePending)
	r.UpdateJob(1, func(j *model.JobRecord) { j.State = model.StateDisabled })
	r.Sync(ctx)

	_, err := s.GetJob(ctx, 1)
	var nf *joberrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
	assert.Nil(t, r.UnfinishedJob(1))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_BatchSize(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, Config{BatchSize: 2})

	for id := int64(1); id <= 5; id++ {
		addJob(r, id, model.StatePending)
	}

	tests := []struct {
		name   string
		stored int
	}{
		{"first sync", 2},
		{"second sync", 4},
		{"third sync", 5},
		{"nothing left", 5},
	}
	for _, tt := range tests {
		r.Sync(ctx)
		jobs, err := s.ListJobs(ctx, store.JobFilter{})
		require.NoError(t, err)
		assert.Len(t, jobs, tt.stored, tt.name)
	}
}

func TestRegistry_DeleteJobsAsync(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, Config{BatchSize: 2})

	for id := int64(1); id <= 3; id++ {
		addJob(r, id, model.StateDone)
	}
	r.Sync(ctx)
	r.Sync(ctx)
	jobs, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	r.DeleteJobsAsync([]int64{1, 2, 3})
	r.Sync(ctx)
	jobs, err = s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "deletes are batched")

	r.Sync(ctx)
	jobs, err = s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	actions, err := s.ListActions(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestRegistry_QueuedDeleteSkipsWrite(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, Config{})

	addJob(r, 1, model.StatePending)
	r.DeleteJobsAsync([]int64{1})
	r.UpdateJob(1, func(j *model.JobRecord) { j.State = model.StateDisabled })
	r.MarkDirty(1)
	r.Sync(ctx)

	_, err := s.GetJob(ctx, 1)
	assert.Error(t, err)
	assert.Nil(t, r.UnfinishedJob(1), "disabled job queued for delete is evicted")
}

func TestRegistry_RequeuesOnFailure(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{Store: memory.New()}
	r := New(s, Config{})

	addJob(r, 1, model.StateDone)
	s.failUpserts.Store(true)
	r.Sync(ctx)
	assert.NotNil(t, r.UnfinishedJob(1), "failed write keeps the job cached")

	s.failUpserts.Store(false)
	r.Sync(ctx)
	stored, err := s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, stored.State)
	assert.Nil(t, r.UnfinishedJob(1))

	s.failDeletes.Store(true)
	r.DeleteJobsAsync([]int64{1})
	r.Sync(ctx)
	_, err = s.GetJob(ctx, 1)
	assert.NoError(t, err, "delete failed")

	s.failDeletes.Store(false)
	r.Sync(ctx)
	_, err = s.GetJob(ctx, 1)
	assert.Error(t, err, "requeued delete applied")
}

func TestRegistry_StopRunsFinalSync(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, Config{Interval: time.Hour, InitialDelay: time.Hour})
	r.Start()

	addJob(r, 1, model.StatePending)
	r.Stop()
	r.Stop()

	stored, err := s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ID)
}

func TestRegistry_StopFlushesEveryBatch(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, Config{BatchSize: 2, Interval: time.Hour, InitialDelay: time.Hour})
	r.Start()

	for id := int64(1); id <= 5; id++ {
		addJob(r, id, model.StatePending)
	}
	r.Stop()

	for id := int64(1); id <= 5; id++ {
		_, err := s.GetJob(ctx, id)
		assert.NoError(t, err, "job %d not persisted", id)
	}
	assert.Zero(t, r.backlog())
}

func TestRegistry_StopGivesUpWhenStoreFails(t *testing.T) {
	s := &flakyStore{Store: memory.New()}
	s.failUpserts.Store(true)
	r := New(s, Config{BatchSize: 2})

	for id := int64(1); id <= 5; id++ {
		addJob(r, id, model.StatePending)
	}

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while the store was failing")
	}
	assert.Equal(t, 5, r.backlog())
}

func TestRegistry_BackgroundSync(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, Config{Interval: 5 * time.Millisecond, InitialDelay: time.Millisecond})
	r.Start()
	defer r.Stop()

	addJob(r, 1, model.StatePending)
	assert.Eventually(t, func() bool {
		_, err := s.GetJob(ctx, 1)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}
