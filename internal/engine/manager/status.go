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
	"context"
	"log/slog"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/metrics"
)

// Report applies a batch of action statuses. It satisfies
// statusreport.Reporter.
func (m *Manager) Report(report *model.StatusReport) {
	if report == nil {
		return
	}
	for _, s := range report.ActionStatuses {
		m.OnStatusUpdate(s)
	}
}

// UpdateStatus applies statuses one by one.
func (m *Manager) UpdateStatus(statuses ...model.ActionStatus) {
	for _, s := range statuses {
		m.OnStatusUpdate(s)
	}
}

// OnStatusUpdate applies one action status and derives the job state from
// it. Statuses for unknown jobs or already finished actions are ignored.
func (m *Manager) OnStatusUpdate(s model.ActionStatus) {
	log.Trace(m.logger, "action status",
		slog.Int64(log.JobIDKey, s.JobID),
		slog.Int64(log.ActionIDKey, s.ActionID),
		slog.Bool("finished", s.Finished),
		slog.Float64("progress", float64(s.Progress)))

	job := m.registry.UnfinishedJob(s.JobID)
	if job == nil {
		m.logger.Debug("status for unknown job",
			slog.Int64(log.JobIDKey, s.JobID),
			slog.Int64(log.ActionIDKey, s.ActionID))
		return
	}
	if job.State == model.StateDispatched {
		m.OnJobStatusUpdate(model.JobStatus{JobID: job.ID, State: model.StateExecuting, StateUpdateTime: m.now()})
		job.State = model.StateExecuting
	}

	a := m.updateActionStatus(s)
	if a == nil {
		return
	}
	for _, sch := range m.schedulers.For(a.Name) {
		sch.OnActionFinished(job, a)
	}
	m.inferJobState(job, a, s)
}

// updateActionStatus copies s onto the cached action. It returns the updated
// copy, or nil when the action is unknown or was already finished.
func (m *Manager) updateActionStatus(s model.ActionStatus) *model.ActionRecord {
	changed := false
	a := m.registry.UpdateAction(s.ActionID, func(a *model.ActionRecord) {
		if a.Finished {
			return
		}
		changed = true
		a.Result = s.Result
		a.Log = s.Log
		if !s.Finished {
			a.Progress = s.Progress
			a.FinishTime = m.now()
			return
		}
		a.Progress = 1
		if !s.StartTime.IsZero() {
			a.CreateTime = s.StartTime
		}
		a.FinishTime = s.FinishTime
		a.Finished = true
		a.Successful = s.Error == ""
	})
	if !changed {
		return nil
	}
	return a
}

// inferJobState fails the job and skips its remaining actions when an action
// failed, and finishes it when the last action succeeded.
func (m *Manager) inferJobState(job *model.JobRecord, a *model.ActionRecord, s model.ActionStatus) {
	if !a.Finished {
		return
	}

	if !a.Successful {
		idx := job.ActionIndex(a.ID)
		last := len(job.ActionIDs) - 1
		for i := idx + 1; idx >= 0 && i <= last; i++ {
			m.updateActionStatus(model.SkipStatus(job.ID, job.ActionIDs[i], i == last, a.FinishTime))
		}
		m.logger.Info("job failed",
			slog.Int64(log.JobIDKey, job.ID),
			slog.Int64(log.ActionIDKey, a.ID),
			slog.String("action", a.Name))
		m.OnJobStatusUpdate(model.JobStatus{JobID: job.ID, State: model.StateFailed, StateUpdateTime: a.FinishTime})
		return
	}

	if s.LastAction || job.ActionIndex(a.ID) == len(job.ActionIDs)-1 {
		m.OnJobStatusUpdate(model.JobStatus{JobID: job.ID, State: model.StateDone, StateUpdateTime: a.FinishTime})
	}
}

// OnJobStatusUpdate moves a job to a new state. Terminal and disabled jobs do
// not change state again.
func (m *Manager) OnJobStatusUpdate(s model.JobStatus) {
	changed := false
	job := m.registry.UpdateJob(s.JobID, func(j *model.JobRecord) {
		if j.State.IsTerminal() || j.State == model.StateDisabled || j.State == s.State {
			return
		}
		changed = true
		j.State = s.State
		j.StateChangedTime = s.StateUpdateTime
	})
	if !changed {
		return
	}

	switch {
	case s.State.IsTerminal():
		m.mu.Lock()
		delete(m.running, job.ID)
		delete(m.launched, job.ID)
		m.mu.Unlock()
		if m.finished != nil {
			m.finished.OnJobFinished()
		}
		m.registry.MarkDirty(job.ID)
		metrics.RecordJobFinished(string(s.State))
		if m.observer != nil {
			m.observer.RecordJob(context.Background(), string(s.State),
				job.StateChangedTime.Sub(job.GenerateTime), len(job.ActionIDs))
		}
		m.logger.Debug("job finished",
			slog.Int64(log.JobIDKey, job.ID),
			slog.String(log.StateKey, string(s.State)))
	case s.State.IsRunning(), s.State == model.StateDisabled:
		m.registry.MarkDirty(job.ID)
	}
}
