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

// Package action wraps units of work so the engine can run them and observe
// their status.
package action

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tombee/smartjobs/internal/engine/model"
)

// Func performs the work of one action. Implementations should return
// promptly once ctx is cancelled.
type Func func(ctx context.Context, args map[string]string, out *Output) error

// Output collects the result and log text produced by a Func.
type Output struct {
	mu     sync.Mutex
	result strings.Builder
	log    strings.Builder
}

// AppendResult adds a line to the result text.
func (o *Output) AppendResult(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.result.WriteString(line)
	o.result.WriteByte('\n')
}

// AppendLog adds a line to the log text.
func (o *Output) AppendLog(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log.WriteString(line)
	o.log.WriteByte('\n')
}

func (o *Output) snapshot() (string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result.String(), o.log.String()
}

// Action is one runnable unit within a cmdlet.
type Action struct {
	ID         int64
	JobID      int64
	Name       string
	Args       map[string]string
	LastAction bool

	fn  Func
	out Output

	mu         sync.RWMutex
	startTime  time.Time
	finishTime time.Time
	err        error
	finished   bool
}

// New creates an action around fn.
func New(id, jobID int64, name string, args map[string]string, fn Func) *Action {
	return &Action{
		ID:    id,
		JobID: jobID,
		Name:  name,
		Args:  args,
		fn:    fn,
	}
}

// Run executes the action once. A cancelled context fails the action
// without invoking its Func. Panics are recorded as failures.
func (a *Action) Run(ctx context.Context) {
	a.mu.Lock()
	a.startTime = time.Now()
	a.mu.Unlock()

	err := ctx.Err()
	if err == nil {
		err = a.invoke(ctx)
	}
	if err != nil {
		a.out.AppendLog(err.Error())
	}

	a.mu.Lock()
	a.err = err
	a.finishTime = time.Now()
	a.finished = true
	a.mu.Unlock()
}

func (a *Action) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", a.Name, r)
		}
	}()
	if a.fn == nil {
		return fmt.Errorf("action %s has no implementation", a.Name)
	}
	return a.fn(ctx, a.Args, &a.out)
}

// Finished reports whether Run has completed.
func (a *Action) Finished() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.finished
}

// Successful reports whether Run completed without error.
func (a *Action) Successful() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.finished && a.err == nil
}

// Status snapshots the action for reporting.
func (a *Action) Status() model.ActionStatus {
	result, log := a.out.snapshot()

	a.mu.RLock()
	defer a.mu.RUnlock()

	status := model.ActionStatus{
		JobID:      a.JobID,
		ActionID:   a.ID,
		LastAction: a.LastAction,
		Result:     result,
		Log:        log,
		StartTime:  a.startTime,
		FinishTime: a.finishTime,
		Finished:   a.finished,
	}
	if a.err != nil {
		status.Error = a.err.Error()
	}
	if a.finished && a.err == nil {
		status.Progress = 1
	}
	return status
}
