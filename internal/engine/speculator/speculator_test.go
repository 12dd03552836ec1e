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

package speculator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/engine/scheduler"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

type fakeJobs struct {
	launched []int64
	jobs     map[int64]*model.JobRecord
	actions  map[int64]*model.ActionRecord
}

func (f *fakeJobs) LaunchedJobIDs() []int64 { return f.launched }

func (f *fakeJobs) UnfinishedJob(id int64) *model.JobRecord {
	if j, ok := f.jobs[id]; ok {
		return j.Clone()
	}
	return nil
}

func (f *fakeJobs) UnfinishedAction(id int64) *model.ActionRecord {
	if a, ok := f.actions[id]; ok {
		return a.Clone()
	}
	return nil
}

type collected struct {
	mu       sync.Mutex
	statuses []model.ActionStatus
}

func (c *collected) OnStatusUpdate(st model.ActionStatus) {
	c.mu.Lock()
	c.statuses = append(c.statuses, st)
	c.mu.Unlock()
}

type agreeing struct {
	scheduler.Base
	answer bool
}

func (a agreeing) IsSuccessfulBySpeculation(*model.ActionRecord) bool { return a.answer }

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const timeout = 30 * time.Second

func fixture(state model.JobState, silence time.Duration) *fakeJobs {
	return &fakeJobs{
		launched: []int64{1, 2},
		jobs: map[int64]*model.JobRecord{
			1: {ID: 1, ActionIDs: []int64{10, 11}, State: state},
		},
		actions: map[int64]*model.ActionRecord{
			10: {ID: 10, JobID: 1, Name: "sleep", Finished: true, Successful: true, FinishTime: now.Add(-time.Hour)},
			11: {ID: 11, JobID: 1, Name: "sleep", Progress: 0.5, FinishTime: now.Add(-silence)},
		},
	}
}

func TestTimeout(t *testing.T) {
	tests := []struct {
		period     time.Duration
		multiplier int
		want       time.Duration
	}{
		{10 * time.Millisecond, 50, 50 * time.Second},
		{time.Millisecond, 10, 30 * time.Second},
		{time.Second, 1, 100 * time.Second},
	}
	for _, tt := range tests {
		if got := Timeout(tt.period, tt.multiplier); got != tt.want {
			t.Errorf("Timeout(%v, %d) = %v, want %v", tt.period, tt.multiplier, got, tt.want)
		}
	}
}

func TestSpeculator_Run(t *testing.T) {
	tests := []struct {
		name       string
		state      model.JobState
		silence    time.Duration
		schedulers []scheduler.Scheduler
		wantCount  int
		wantOK     bool
	}{
		{
			name:      "overdue action times out",
			state:     model.StateExecuting,
			silence:   timeout + time.Millisecond,
			wantCount: 1,
			wantOK:    false,
		},
		{
			name:    "any scheduler saying yes wins",
			state:   model.StateDispatched,
			silence: timeout + time.Millisecond,
			schedulers: []scheduler.Scheduler{
				agreeing{Base: scheduler.Base{Names: []string{"sleep"}}, answer: false},
				agreeing{Base: scheduler.Base{Names: []string{"sleep"}}, answer: true},
			},
			wantCount: 1,
			wantOK:    true,
		},
		{
			name:      "exactly at the timeout is not overdue",
			state:     model.StateExecuting,
			silence:   timeout,
			wantCount: 0,
		},
		{
			name:      "pending jobs are ignored",
			state:     model.StatePending,
			silence:   time.Hour,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listener := &collected{}
			s := New(fixture(tt.state, tt.silence), listener, scheduler.NewSet(tt.schedulers...), timeout,
				WithClock(func() time.Time { return now }))

			assert.Equal(t, tt.wantCount, s.Run())
			require.Len(t, listener.statuses, tt.wantCount)
			if tt.wantCount == 0 {
				return
			}

			st := listener.statuses[0]
			assert.Equal(t, int64(11), st.ActionID)
			assert.True(t, st.Finished)
			assert.True(t, st.LastAction)
			assert.Equal(t, tt.wantOK, st.Successful())
		})
	}
}

func TestSpeculator_UnstampedActionIsIgnored(t *testing.T) {
	jobs := fixture(model.StateExecuting, 0)
	jobs.actions[11].FinishTime = time.Time{}
	listener := &collected{}
	s := New(jobs, listener, nil, timeout, WithClock(func() time.Time { return now }))

	assert.Equal(t, 0, s.Run())
}

func TestSpeculator_StartStop(t *testing.T) {
	listener := &collected{}
	s := New(fixture(model.StateExecuting, time.Hour), listener, nil, timeout,
		WithClock(func() time.Time { return now }), WithInterval(5*time.Millisecond))
	s.Start()

	assert.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.statuses) > 0
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestExprScheduler(t *testing.T) {
	s, err := NewExprScheduler(map[string]string{
		"sleep": `progress >= 0.5 && elapsed_ms > 1000`,
		"echo":  `result contains "done" || args["-msg"] == "ok"`,
	}, WithExprClock(func() time.Time { return now }))
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "sleep"}, s.ActionNames())

	tests := []struct {
		name   string
		action *model.ActionRecord
		want   bool
	}{
		{"progress and silence", &model.ActionRecord{Name: "sleep", Progress: 0.6, FinishTime: now.Add(-2 * time.Second)}, true},
		{"too little progress", &model.ActionRecord{Name: "sleep", Progress: 0.1, FinishTime: now.Add(-2 * time.Second)}, false},
		{"result match", &model.ActionRecord{Name: "echo", Result: "all done\n"}, true},
		{"arg match", &model.ActionRecord{Name: "echo", Args: map[string]string{"-msg": "ok"}}, true},
		{"no rule", &model.ActionRecord{Name: "fail", Progress: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.IsSuccessfulBySpeculation(tt.action))
		})
	}
}

func TestExprScheduler_CompileErrors(t *testing.T) {
	tests := map[string]string{
		"syntax":      `progress >=`,
		"not boolean": `progress + 1`,
		"unknown var": `speed > 3`,
	}
	for name, rule := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewExprScheduler(map[string]string{"sleep": rule})
			var ve *joberrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "speculation.rules.sleep", ve.Field)
		})
	}
}
