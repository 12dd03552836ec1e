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

package statusreport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smartjobs/internal/engine/model"
)

type fakeSource struct {
	mu      sync.Mutex
	reports []*model.StatusReport
}

func (f *fakeSource) push(statuses ...model.ActionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, &model.StatusReport{ActionStatuses: statuses})
}

func (f *fakeSource) StatusReport() *model.StatusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return nil
	}
	r := f.reports[0]
	f.reports = f.reports[1:]
	return r
}

type recorder struct {
	mu      sync.Mutex
	reports []*model.StatusReport
}

func (r *recorder) Report(report *model.StatusReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func statuses(n, finished int) []model.ActionStatus {
	out := make([]model.ActionStatus, n)
	for i := range out {
		out[i] = model.ActionStatus{JobID: 1, ActionID: int64(i + 1), Finished: i < finished}
	}
	return out
}

func newTestBatcher(src Source, rec Reporter, clk *clock) *Batcher {
	return New(src, rec, Config{Period: 10 * time.Millisecond, Multiplier: 50, Ratio: 0.2}, WithClock(clk.Now))
}

func TestBatcher_FlushesOnRatio(t *testing.T) {
	tests := []struct {
		name      string
		finished  int
		wantFlush bool
	}{
		{"none finished", 0, false},
		{"one of ten below ratio", 1, false},
		{"two of ten meets ratio", 2, true},
		{"all finished", 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &clock{now: time.Unix(1000, 0)}
			src := &fakeSource{}
			rec := &recorder{}
			b := newTestBatcher(src, rec, clk)

			src.push(statuses(10, tt.finished)...)
			clk.Advance(10 * time.Millisecond)
			b.Tick()

			if tt.wantFlush {
				require.Equal(t, 1, rec.count())
				assert.Len(t, rec.reports[0].ActionStatuses, 10)
			} else {
				assert.Equal(t, 0, rec.count())
			}
		})
	}
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	src := &fakeSource{}
	rec := &recorder{}
	b := newTestBatcher(src, rec, clk)
	assert.Equal(t, 500*time.Millisecond, b.Interval())

	src.push(statuses(10, 0)...)
	clk.Advance(499 * time.Millisecond)
	b.Tick()
	assert.Equal(t, 0, rec.count())

	clk.Advance(time.Millisecond)
	b.Tick()
	require.Equal(t, 1, rec.count())

	clk.Advance(time.Second)
	b.Tick()
	assert.Equal(t, 1, rec.count(), "empty batches are never sent")
}

func TestBatcher_LastWriteWins(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	src := &fakeSource{}
	rec := &recorder{}
	b := newTestBatcher(src, rec, clk)

	src.push(model.ActionStatus{ActionID: 2, Progress: 0.1}, model.ActionStatus{ActionID: 1})
	b.Tick()
	src.push(model.ActionStatus{ActionID: 2, Progress: 0.5})
	clk.Advance(time.Second)
	b.Tick()

	require.Equal(t, 1, rec.count())
	got := rec.reports[0].ActionStatuses
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ActionID)
	assert.Equal(t, float32(0.5), got[1].Progress)
}

func TestBatcher_StopFlushes(t *testing.T) {
	src := &fakeSource{}
	rec := &recorder{}
	b := New(src, rec, Config{Period: time.Hour, Multiplier: 1, Ratio: 1})
	b.Start()

	src.push(statuses(3, 0)...)
	b.Stop()
	b.Stop()

	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.reports[0].ActionStatuses, 3)
}

func TestBatcher_StartTwice(t *testing.T) {
	src := &fakeSource{}
	rec := &recorder{}
	b := New(src, rec, Config{Period: time.Hour, Multiplier: 1, Ratio: 1})
	b.Start()
	b.Start()

	src.push(statuses(2, 0)...)
	b.Stop()

	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.reports[0].ActionStatuses, 2)
}

func TestBatcher_StopWithoutStart(t *testing.T) {
	src := &fakeSource{}
	rec := &recorder{}
	b := New(src, rec, Config{Period: time.Hour, Multiplier: 1, Ratio: 1})

	src.push(statuses(1, 0)...)
	b.Stop()

	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.reports[0].ActionStatuses, 1)
}
