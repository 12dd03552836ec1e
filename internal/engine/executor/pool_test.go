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

package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smartjobs/internal/engine/action"
	"github.com/tombee/smartjobs/internal/engine/cmdlet"
	"github.com/tombee/smartjobs/internal/engine/model"
)

func blockingCmdlet(jobID int64, release <-chan struct{}, running *atomic.Int32, peak *atomic.Int32) *cmdlet.Cmdlet {
	fn := func(ctx context.Context, _ map[string]string, _ *action.Output) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return cmdlet.New(jobID, 0, "local", []*action.Action{action.New(jobID*10, jobID, "block", nil, fn)})
}

func TestExecute_BoundsConcurrency(t *testing.T) {
	p := New(2)
	release := make(chan struct{})
	var running, peak atomic.Int32

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, p.Execute(blockingCmdlet(id, release, &running, &peak)))
	}
	assert.Equal(t, 5, p.InFlight(), "execute registers jobs without blocking")

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return p.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStatusReport_DrainsFinishedCmdlets(t *testing.T) {
	p := New(2)
	assert.Nil(t, p.StatusReport(), "nothing tracked yet")

	c := cmdlet.New(1, 0, "local", []*action.Action{
		action.New(1, 1, "echo", map[string]string{"-msg": "a"}, action.Echo),
		action.New(2, 1, "echo", map[string]string{"-msg": "b"}, action.Echo),
	})
	require.NoError(t, p.Execute(c))
	require.Eventually(t, func() bool { return p.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	report := p.StatusReport()
	require.NotNil(t, report)
	require.Len(t, report.ActionStatuses, 2)
	for _, st := range report.ActionStatuses {
		assert.True(t, st.Successful())
	}
	assert.Equal(t, int64(1), report.ActionStatuses[0].ActionID)
	assert.Equal(t, int64(2), report.ActionStatuses[1].ActionID)

	assert.Nil(t, p.StatusReport(), "drained cmdlets are dropped")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStop_FailsRunningJob(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	defer close(release)
	var running, peak atomic.Int32

	c := blockingCmdlet(7, release, &running, &peak)
	require.NoError(t, p.Execute(c))
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)

	p.Stop(7)
	assert.Equal(t, 0, p.InFlight())
	assert.Equal(t, model.StateFailed, c.State())

	require.Eventually(t, func() bool {
		_ = c.ActionStatuses()
		return c.Drained()
	}, time.Second, 5*time.Millisecond)
	p.Stop(99)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStop_BeforeSlotAvailable(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	var running, peak atomic.Int32

	require.NoError(t, p.Execute(blockingCmdlet(1, release, &running, &peak)))
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)

	var ran atomic.Bool
	queued := cmdlet.New(2, 0, "local", []*action.Action{
		action.New(20, 2, "mark", nil, func(context.Context, map[string]string, *action.Output) error {
			ran.Store(true)
			return nil
		}),
	})
	require.NoError(t, p.Execute(queued))
	p.Stop(2)

	require.Eventually(t, func() bool {
		_ = queued.ActionStatuses()
		return queued.Drained()
	}, time.Second, 5*time.Millisecond)
	assert.False(t, ran.Load(), "cancelled job must not run its actions")

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdown(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	var running, peak atomic.Int32
	require.NoError(t, p.Execute(blockingCmdlet(1, release, &running, &peak)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, p.Execute(blockingCmdlet(2, release, &running, &peak)), ErrShuttingDown)
	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
	close(release)
}

func TestShutdown_ConcurrentExecute(t *testing.T) {
	p := New(4)
	var accepted, ran atomic.Int32
	start := make(chan struct{})
	done := make(chan struct{})

	for g := int64(0); g < 8; g++ {
		go func(g int64) {
			<-start
			for i := int64(1); i <= 50; i++ {
				id := g*1000 + i
				c := cmdlet.New(id, 0, "local", []*action.Action{
					action.New(id*10, id, "count", nil, func(context.Context, map[string]string, *action.Output) error {
						ran.Add(1)
						return nil
					}),
				})
				if p.Execute(c) != nil {
					break
				}
				accepted.Add(1)
			}
			done <- struct{}{}
		}(g)
	}

	close(start)
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
	finished := ran.Load()

	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, accepted.Load(), finished, "every accepted cmdlet ran before shutdown returned")
	assert.ErrorIs(t, p.Execute(cmdlet.New(1, 0, "local", nil)), ErrShuttingDown)
}
