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

package action

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/smartjobs/internal/engine/model"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

// Registry maps action names to their implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces the implementation for name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the implementation for name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

// New materializes a runnable action from its record.
func (r *Registry) New(rec *model.ActionRecord, last bool) (*Action, error) {
	fn, ok := r.Lookup(rec.Name)
	if !ok {
		return nil, &joberrors.ValidationError{
			Field:      "action",
			Message:    fmt.Sprintf("unknown action %q", rec.Name),
			Suggestion: "Register the action before submitting jobs that use it",
		}
	}
	a := New(rec.ID, rec.JobID, rec.Name, maps.Clone(rec.Args), fn)
	a.LastAction = last
	return a, nil
}

// Builtins returns a registry holding the echo, sleep and fail actions.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("echo", Echo)
	r.Register("sleep", Sleep)
	r.Register("fail", Fail)
	return r
}

// Echo writes the -msg argument to the result.
func Echo(_ context.Context, args map[string]string, out *Output) error {
	out.AppendResult(args["-msg"])
	return nil
}

// Sleep waits for -ms milliseconds or until cancelled.
func Sleep(ctx context.Context, args map[string]string, out *Output) error {
	ms, err := strconv.ParseInt(args["-ms"], 10, 64)
	if err != nil || ms < 0 {
		return fmt.Errorf("sleep: invalid -ms value %q", args["-ms"])
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		out.AppendLog(fmt.Sprintf("slept %dms", ms))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail always fails, with -msg as the error text when given.
func Fail(_ context.Context, args map[string]string, _ *Output) error {
	if msg := args["-msg"]; msg != "" {
		return errors.New(msg)
	}
	return errors.New("fail action invoked")
}
