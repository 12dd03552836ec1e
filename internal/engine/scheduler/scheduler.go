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

// Package scheduler defines per-action hooks consulted while a job is
// submitted, scheduled, finished or speculated on.
package scheduler

import (
	"sync"

	"github.com/tombee/smartjobs/internal/engine/model"
)

// Result is the outcome of OnSchedule.
type Result int

const (
	// ResultSuccess lets the action proceed.
	ResultSuccess Result = iota
	// ResultRetry keeps the job pending for a later attempt.
	ResultRetry
	// ResultFail fails the whole job.
	ResultFail
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Scheduler hooks into the lifecycle of the actions it handles.
type Scheduler interface {
	// ActionNames lists the action names this scheduler applies to.
	ActionNames() []string

	// OnSubmit may reject a job before it is accepted. index is the
	// position of action within the job.
	OnSubmit(job *model.JobRecord, action *model.ActionRecord, index int) error

	OnSchedule(job *model.JobRecord, action *model.ActionRecord) Result

	// PostSchedule runs after OnSchedule for every scheduler consulted, in
	// reverse order, with the overall result of the job.
	PostSchedule(job *model.JobRecord, action *model.ActionRecord, result Result)

	OnActionFinished(job *model.JobRecord, action *model.ActionRecord)

	// IsSuccessfulBySpeculation decides the fate of an action that stopped
	// reporting status.
	IsSuccessfulBySpeculation(action *model.ActionRecord) bool
}

// Base implements every hook as a no-op. Embed it and override what you need.
type Base struct {
	Names []string
}

func (b Base) ActionNames() []string { return b.Names }

func (Base) OnSubmit(*model.JobRecord, *model.ActionRecord, int) error { return nil }

func (Base) OnSchedule(*model.JobRecord, *model.ActionRecord) Result { return ResultSuccess }

func (Base) PostSchedule(*model.JobRecord, *model.ActionRecord, Result) {}

func (Base) OnActionFinished(*model.JobRecord, *model.ActionRecord) {}

func (Base) IsSuccessfulBySpeculation(*model.ActionRecord) bool { return false }

// Set indexes schedulers by action name. It is safe for concurrent use.
type Set struct {
	mu     sync.RWMutex
	byName map[string][]Scheduler
}

// NewSet creates a set holding schedulers.
func NewSet(schedulers ...Scheduler) *Set {
	s := &Set{byName: make(map[string][]Scheduler)}
	for _, sch := range schedulers {
		s.Add(sch)
	}
	return s
}

// Add registers sch under each of its action names.
func (s *Set) Add(sch Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range sch.ActionNames() {
		s.byName[name] = append(s.byName[name], sch)
	}
}

// For returns the schedulers registered for an action name.
func (s *Set) For(name string) []Scheduler {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Scheduler(nil), s.byName[name]...)
}

// Speculate reports whether any scheduler for the action considers it
// successful.
func (s *Set) Speculate(action *model.ActionRecord) bool {
	for _, sch := range s.For(action.Name) {
		if sch.IsSuccessfulBySpeculation(action) {
			return true
		}
	}
	return false
}
