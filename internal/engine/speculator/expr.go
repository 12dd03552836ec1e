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

package speculator

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/engine/scheduler"
	"github.com/tombee/smartjobs/internal/log"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

// Env is the data a speculation rule is evaluated against.
//
// Example rules:
//
//	progress >= 0.9
//	name == "sleep" && int(args["-ms"]) < 1000
//	result contains "uploaded"
type Env struct {
	Progress float64           `expr:"progress"`
	Name     string            `expr:"name"`
	Args     map[string]string `expr:"args"`
	Result   string            `expr:"result"`
	Log      string            `expr:"log"`

	// ElapsedMs is the time since the action last reported status.
	ElapsedMs int64 `expr:"elapsed_ms"`
}

// ExprScheduler answers IsSuccessfulBySpeculation with a boolean expression
// per action name. Its other hooks are no-ops.
type ExprScheduler struct {
	scheduler.Base

	programs map[string]*vm.Program
	logger   *slog.Logger
	now      func() time.Time
}

var _ scheduler.Scheduler = (*ExprScheduler)(nil)

// ExprOption configures an ExprScheduler.
type ExprOption func(*ExprScheduler)

// WithExprLogger sets the logger.
func WithExprLogger(logger *slog.Logger) ExprOption {
	return func(s *ExprScheduler) { s.logger = logger }
}

// WithExprClock overrides time.Now.
func WithExprClock(now func() time.Time) ExprOption {
	return func(s *ExprScheduler) { s.now = now }
}

// NewExprScheduler compiles rules, keyed by action name.
func NewExprScheduler(rules map[string]string, opts ...ExprOption) (*ExprScheduler, error) {
	s := &ExprScheduler{
		programs: make(map[string]*vm.Program, len(rules)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(log.OrDefault(s.logger), "speculator")

	for name, rule := range rules {
		program, err := expr.Compile(rule, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, &joberrors.ValidationError{
				Field:      "speculation.rules." + name,
				Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
				Suggestion: "use progress, name, args, result, log or elapsed_ms in a boolean expression",
			}
		}
		s.programs[name] = program
		s.Names = append(s.Names, name)
	}
	slices.Sort(s.Names)

	return s, nil
}

// IsSuccessfulBySpeculation evaluates the rule for the action's name.
// Evaluation errors count as false.
func (s *ExprScheduler) IsSuccessfulBySpeculation(action *model.ActionRecord) bool {
	program, ok := s.programs[action.Name]
	if !ok {
		return false
	}

	env := Env{
		Progress: float64(action.Progress),
		Name:     action.Name,
		Args:     action.Args,
		Result:   action.Result,
		Log:      action.Log,
	}
	if !action.FinishTime.IsZero() {
		env.ElapsedMs = s.now().Sub(action.FinishTime).Milliseconds()
	}

	out, err := expr.Run(program, env)
	if err != nil {
		s.logger.Warn("speculation rule failed",
			slog.Int64(log.ActionIDKey, action.ID),
			slog.String("action", action.Name),
			log.Error(err))
		return false
	}
	ok, _ = out.(bool)
	return ok
}
