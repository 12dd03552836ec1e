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

// Package cmdlet runs the actions of one job in order.
package cmdlet

import (
	"context"
	"slices"
	"sync"

	"github.com/tombee/smartjobs/internal/engine/action"
	"github.com/tombee/smartjobs/internal/engine/model"
)

// Cmdlet is an ordered sequence of actions belonging to one job.
type Cmdlet struct {
	JobID  int64
	RuleID int64
	Owner  string

	actions []*action.Action

	mu        sync.Mutex
	state     model.JobState
	reporting []int64
}

// New creates a cmdlet. Nil entries in actions are skipped when running.
func New(jobID, ruleID int64, owner string, actions []*action.Action) *Cmdlet {
	c := &Cmdlet{
		JobID:   jobID,
		RuleID:  ruleID,
		Owner:   owner,
		actions: actions,
		state:   model.StatePending,
	}
	for _, a := range actions {
		if a != nil {
			c.reporting = append(c.reporting, a.ID)
		}
	}
	return c
}

// Run executes the actions in order and stops at the first failure. Actions
// after the failed one are removed from reporting.
func (c *Cmdlet) Run(ctx context.Context) {
	c.mu.Lock()
	if c.state == model.StatePending {
		c.state = model.StateExecuting
	}
	c.mu.Unlock()

	for i, a := range c.actions {
		if a == nil {
			continue
		}
		a.Run(ctx)
		if a.Successful() {
			continue
		}

		c.mu.Lock()
		for _, rest := range c.actions[i+1:] {
			if rest == nil {
				continue
			}
			c.reporting = slices.DeleteFunc(c.reporting, func(id int64) bool { return id == rest.ID })
		}
		if c.state == model.StateExecuting {
			c.state = model.StateFailed
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.state == model.StateExecuting {
		c.state = model.StateDone
	}
	c.mu.Unlock()
}

// ActionStatuses returns the status of every action still reported and
// stops reporting those that have finished.
func (c *Cmdlet) ActionStatuses() []model.ActionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.reporting) == 0 {
		return nil
	}

	statuses := make([]model.ActionStatus, 0, len(c.reporting))
	var keep []int64
	for _, a := range c.actions {
		if a == nil || !slices.Contains(c.reporting, a.ID) {
			continue
		}
		st := a.Status()
		statuses = append(statuses, st)
		if !st.Finished {
			keep = append(keep, a.ID)
		}
	}
	c.reporting = keep
	return statuses
}

// Drained reports whether every action status has been handed out.
func (c *Cmdlet) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reporting) == 0
}

// SetState overrides the cmdlet state.
func (c *Cmdlet) SetState(s model.JobState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the cmdlet state.
func (c *Cmdlet) State() model.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Actions returns the actions of the cmdlet.
func (c *Cmdlet) Actions() []*action.Action {
	return c.actions
}
