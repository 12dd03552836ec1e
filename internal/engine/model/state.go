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

package model

import (
	"fmt"
	"strings"
)

// JobState is the lifecycle state of a job.
//
// Jobs move PENDING -> SCHEDULED -> DISPATCHED -> EXECUTING and end in one of
// DONE, FAILED or CANCELLED. DISABLED marks a job withdrawn before execution;
// it is never written to the durable store.
type JobState string

const (
	StatePending    JobState = "PENDING"
	StateScheduled  JobState = "SCHEDULED"
	StateDispatched JobState = "DISPATCHED"
	StateExecuting  JobState = "EXECUTING"
	StateDone       JobState = "DONE"
	StateFailed     JobState = "FAILED"
	StateCancelled  JobState = "CANCELLED"
	StateDisabled   JobState = "DISABLED"
)

// TerminalStates lists the states from which no further transition occurs.
var TerminalStates = []JobState{StateDone, StateFailed, StateCancelled}

// IsTerminal reports whether s is DONE, FAILED or CANCELLED.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsRunning reports whether the job has been handed to an executor.
func (s JobState) IsRunning() bool {
	return s == StateDispatched || s == StateExecuting
}

func (s JobState) String() string {
	return string(s)
}

// ParseJobState parses a state name case-insensitively.
func ParseJobState(name string) (JobState, error) {
	s := JobState(strings.ToUpper(strings.TrimSpace(name)))
	switch s {
	case StatePending, StateScheduled, StateDispatched, StateExecuting,
		StateDone, StateFailed, StateCancelled, StateDisabled:
		return s, nil
	}
	return "", fmt.Errorf("unknown job state %q", name)
}
