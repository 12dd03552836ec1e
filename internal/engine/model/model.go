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

// Package model defines the job and action records shared by the engine,
// the durable store and the CLI.
package model

import (
	"maps"
	"slices"
	"time"
)

// JobRecord is the tracked state of one cmdlet.
type JobRecord struct {
	ID               int64     `json:"id"`
	RuleID           int64     `json:"rule_id,omitempty"`
	ActionIDs        []int64   `json:"action_ids"`
	State            JobState  `json:"state"`
	Parameters       string    `json:"parameters"`
	GenerateTime     time.Time `json:"generate_time"`
	StateChangedTime time.Time `json:"state_changed_time"`
	DeferredToTime   time.Time `json:"deferred_to_time,omitempty"`
}

// Clone returns a deep copy of the record.
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	c := *j
	c.ActionIDs = slices.Clone(j.ActionIDs)
	return &c
}

// ActionIndex returns the position of actionID within the job, or -1.
func (j *JobRecord) ActionIndex(actionID int64) int {
	return slices.Index(j.ActionIDs, actionID)
}

// ActionRecord is the tracked state of one action within a job.
type ActionRecord struct {
	ID         int64             `json:"id"`
	JobID      int64             `json:"job_id"`
	Name       string            `json:"name"`
	Args       map[string]string `json:"args"`
	Result     string            `json:"result"`
	Log        string            `json:"log"`
	Successful bool              `json:"successful"`
	Finished   bool              `json:"finished"`
	Progress   float32           `json:"progress"`
	CreateTime time.Time         `json:"create_time"`
	FinishTime time.Time         `json:"finish_time"`
	ExecHost   string            `json:"exec_host,omitempty"`
}

// Clone returns a deep copy of the record.
func (a *ActionRecord) Clone() *ActionRecord {
	if a == nil {
		return nil
	}
	c := *a
	c.Args = maps.Clone(a.Args)
	return &c
}

// ActionStatus is a point-in-time report of one action from the executing side.
// An empty Error on a finished status means the action succeeded.
type ActionStatus struct {
	JobID      int64     `json:"job_id"`
	ActionID   int64     `json:"action_id"`
	LastAction bool      `json:"last_action"`
	Progress   float32   `json:"progress"`
	Result     string    `json:"result"`
	Log        string    `json:"log"`
	StartTime  time.Time `json:"start_time"`
	FinishTime time.Time `json:"finish_time"`
	Error      string    `json:"error,omitempty"`
	Finished   bool      `json:"finished"`
}

// Successful reports whether a finished status carries no error.
func (s ActionStatus) Successful() bool {
	return s.Finished && s.Error == ""
}

// JobStatus is a state change for a whole job.
type JobStatus struct {
	JobID           int64
	State           JobState
	StateUpdateTime time.Time
}

// StatusReport is a batch of action statuses sent upstream by the executing side.
type StatusReport struct {
	ActionStatuses []ActionStatus `json:"action_statuses"`
}

// Status messages synthesized by the engine rather than by an action.
const (
	SkippedMessage = "skipped: a previous action in the job failed"
	TimeoutMessage = "timeout: no status report received for the action"
)

// SkipStatus builds the status for an action that will not run because an
// earlier action of the same job failed.
func SkipStatus(jobID, actionID int64, last bool, at time.Time) ActionStatus {
	return ActionStatus{
		JobID:      jobID,
		ActionID:   actionID,
		LastAction: last,
		Log:        SkippedMessage,
		StartTime:  at,
		FinishTime: at,
		Error:      SkippedMessage,
		Finished:   true,
	}
}

// TimeoutStatus builds a failed status for an action that stopped reporting.
func TimeoutStatus(job *JobRecord, action *ActionRecord, at time.Time) ActionStatus {
	return ActionStatus{
		JobID:      job.ID,
		ActionID:   action.ID,
		LastAction: isLast(job, action.ID),
		Progress:   action.Progress,
		Result:     action.Result,
		Log:        appendLine(action.Log, TimeoutMessage),
		StartTime:  action.CreateTime,
		FinishTime: at,
		Error:      TimeoutMessage,
		Finished:   true,
	}
}

// SpeculatedSuccessStatus builds a successful status for an action whose
// outcome was inferred rather than reported.
func SpeculatedSuccessStatus(job *JobRecord, action *ActionRecord, at time.Time) ActionStatus {
	return ActionStatus{
		JobID:      job.ID,
		ActionID:   action.ID,
		LastAction: isLast(job, action.ID),
		Progress:   1,
		Result:     action.Result,
		Log:        appendLine(action.Log, "speculated successful after status timeout"),
		StartTime:  action.CreateTime,
		FinishTime: at,
		Finished:   true,
	}
}

func isLast(job *JobRecord, actionID int64) bool {
	n := len(job.ActionIDs)
	return n > 0 && job.ActionIDs[n-1] == actionID
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	return text + "\n" + line
}
