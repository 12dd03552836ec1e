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

package manager

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tombee/smartjobs/internal/engine/action"
	"github.com/tombee/smartjobs/internal/engine/cmdlet"
	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/engine/scheduler"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/metrics"
)

// Start runs the schedule loop in the background.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Stop ends the schedule loop. It is safe to call without Start and more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.doneCh
		}
	})
}

func (m *Manager) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Schedule()
		}
	}
}

// Schedule makes one pass over the pending queue and returns the number of
// jobs handed to the executor.
func (m *Manager) Schedule() int {
	m.scheduleMu.Lock()
	defer m.scheduleMu.Unlock()

	m.mu.Lock()
	queue := m.pending
	m.pending = nil
	m.mu.Unlock()

	dispatched := 0
	var retry []int64
	for _, id := range queue {
		job := m.registry.UnfinishedJob(id)
		if job == nil || job.State != model.StatePending {
			continue
		}
		switch m.scheduleJob(job) {
		case scheduler.ResultSuccess:
			if m.dispatch(job) {
				dispatched++
			}
		case scheduler.ResultRetry:
			retry = append(retry, id)
		case scheduler.ResultFail:
			m.failUnscheduled(job, "rejected by scheduler")
		}
	}

	m.mu.Lock()
	// Jobs submitted during the pass stay behind the retried ones.
	m.pending = append(retry, m.pending...)
	n := len(m.pending)
	m.mu.Unlock()
	metrics.SetPendingJobs(n)
	return dispatched
}

// scheduleJob consults the schedulers of every action in order and stops at
// the first one that does not succeed. PostSchedule then runs over every
// consulted scheduler in reverse order.
func (m *Manager) scheduleJob(job *model.JobRecord) scheduler.Result {
	type consulted struct {
		sch    scheduler.Scheduler
		action *model.ActionRecord
	}
	var seen []consulted
	result := scheduler.ResultSuccess

outer:
	for _, aid := range job.ActionIDs {
		a := m.registry.UnfinishedAction(aid)
		if a == nil {
			result = scheduler.ResultFail
			break
		}
		for _, sch := range m.schedulers.For(a.Name) {
			seen = append(seen, consulted{sch, a})
			result = m.onSchedule(sch, job, a)
			if result != scheduler.ResultSuccess {
				break outer
			}
		}
	}

	for _, c := range slices.Backward(seen) {
		c.sch.PostSchedule(job, c.action, result)
	}
	return result
}

func (m *Manager) onSchedule(sch scheduler.Scheduler, job *model.JobRecord, a *model.ActionRecord) (result scheduler.Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("scheduler panicked",
				slog.Int64(log.JobIDKey, job.ID),
				slog.String("action", a.Name),
				slog.Any("panic", r))
			result = scheduler.ResultFail
		}
	}()
	return sch.OnSchedule(job, a)
}

// failUnscheduled fails a job that never reached the executor.
func (m *Manager) failUnscheduled(job *model.JobRecord, reason string) {
	now := m.now()
	settled := job.Clone()
	settled.StateChangedTime = now
	m.OnJobFinished(settled, false, m.cfg.HostID)
	for _, aid := range job.ActionIDs {
		m.registry.UpdateAction(aid, func(a *model.ActionRecord) { a.Log = appendLine(a.Log, reason) })
	}
	m.logger.Info("job failed before dispatch", slog.Int64(log.JobIDKey, job.ID), slog.String("reason", reason))
	m.OnJobStatusUpdate(model.JobStatus{JobID: job.ID, State: model.StateFailed, StateUpdateTime: now})
}

// dispatch hands a scheduled job to the executor.
func (m *Manager) dispatch(job *model.JobRecord) bool {
	if m.executor == nil {
		m.failUnscheduled(job, "no executor configured")
		return false
	}

	now := m.now()
	m.OnJobStatusUpdate(model.JobStatus{JobID: job.ID, State: model.StateDispatched, StateUpdateTime: now})

	actions := make([]*action.Action, 0, len(job.ActionIDs))
	for i, aid := range job.ActionIDs {
		rec := m.registry.UpdateAction(aid, func(a *model.ActionRecord) {
			a.FinishTime = now
			a.ExecHost = m.cfg.HostID
		})
		if rec == nil {
			m.failUnscheduled(job, fmt.Sprintf("action %d is missing", aid))
			return false
		}
		a, err := m.actions.New(rec, i == len(job.ActionIDs)-1)
		if err != nil {
			m.failUnscheduled(job, err.Error())
			return false
		}
		actions = append(actions, a)
	}

	m.mu.Lock()
	m.running[job.ID] = struct{}{}
	m.launched[job.ID] = struct{}{}
	m.mu.Unlock()

	if err := m.executor.Execute(cmdlet.New(job.ID, job.RuleID, m.cfg.HostID, actions)); err != nil {
		m.mu.Lock()
		delete(m.running, job.ID)
		delete(m.launched, job.ID)
		m.mu.Unlock()
		m.logger.Warn("executor refused job", slog.Int64(log.JobIDKey, job.ID), log.Error(err))
		m.failUnscheduled(job, err.Error())
		return false
	}

	log.WithJob(m.logger, job.ID, job.RuleID).Debug("job dispatched", slog.Int("actions", len(actions)))
	return true
}
