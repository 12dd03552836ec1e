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

// Package speculator settles actions whose executor stopped reporting.
package speculator

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/engine/scheduler"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/metrics"
)

const (
	// TimeoutMultiplier is the number of silent report intervals after which
	// an action is considered stalled.
	TimeoutMultiplier = 100

	// MinTimeout floors the stall timeout.
	MinTimeout = 30 * time.Second

	// DefaultInterval is how often Run is scheduled.
	DefaultInterval = 5 * time.Second

	initialDelay = time.Second
)

// Timeout returns the stall timeout for a status report period and
// multiplier.
func Timeout(period time.Duration, multiplier int) time.Duration {
	return max(TimeoutMultiplier*period*time.Duration(multiplier), MinTimeout)
}

// Jobs exposes the launched jobs and their cached records.
type Jobs interface {
	LaunchedJobIDs() []int64
	UnfinishedJob(id int64) *model.JobRecord
	UnfinishedAction(id int64) *model.ActionRecord
}

// StatusUpdateListener receives synthesized statuses.
type StatusUpdateListener interface {
	OnStatusUpdate(status model.ActionStatus)
}

// Speculator emits a success or timeout status for every launched action
// that has been silent for longer than the timeout.
type Speculator struct {
	jobs       Jobs
	listener   StatusUpdateListener
	schedulers *scheduler.Set
	timeout    time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// Option configures a Speculator.
type Option func(*Speculator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Speculator) { s.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Speculator) { s.now = now }
}

// WithInterval sets how often the background loop runs.
func WithInterval(d time.Duration) Option {
	return func(s *Speculator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a speculator.
func New(jobs Jobs, listener StatusUpdateListener, schedulers *scheduler.Set, timeout time.Duration, opts ...Option) *Speculator {
	s := &Speculator{
		jobs:       jobs,
		listener:   listener,
		schedulers: schedulers,
		timeout:    timeout,
		interval:   DefaultInterval,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(log.OrDefault(s.logger), "speculator")
	return s
}

// Timeout returns the configured stall timeout.
func (s *Speculator) Timeout() time.Duration {
	return s.timeout
}

// Run checks every launched job once and returns how many statuses it
// emitted.
func (s *Speculator) Run() int {
	emitted := 0
	for _, jobID := range s.jobs.LaunchedJobIDs() {
		job := s.jobs.UnfinishedJob(jobID)
		if job == nil {
			continue
		}
		if job.State != model.StateDispatched && job.State != model.StateExecuting {
			continue
		}

		for _, actionID := range job.ActionIDs {
			action := s.jobs.UnfinishedAction(actionID)
			if !s.timedOut(action) {
				continue
			}

			var status model.ActionStatus
			outcome := "timeout"
			if s.schedulers.Speculate(action) {
				status = model.SpeculatedSuccessStatus(job, action, s.now())
				outcome = "success"
			} else {
				status = model.TimeoutStatus(job, action, s.now())
			}

			s.logger.Warn("action stopped reporting",
				slog.Int64(log.JobIDKey, job.ID),
				slog.Int64(log.ActionIDKey, action.ID),
				slog.String("action", action.Name),
				slog.String("outcome", outcome))
			metrics.RecordSpeculation(outcome)

			s.listener.OnStatusUpdate(status)
			emitted++
		}
	}
	return emitted
}

func (s *Speculator) timedOut(action *model.ActionRecord) bool {
	if action == nil || action.Finished || action.FinishTime.IsZero() {
		return false
	}
	return s.now().Sub(action.FinishTime) > s.timeout
}

// Start runs the check every interval, the first after one second.
func (s *Speculator) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop ends the loop.
func (s *Speculator) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.Load() {
			<-s.doneCh
		}
	})
}

func (s *Speculator) run() {
	defer close(s.doneCh)

	timer := time.NewTimer(min(initialDelay, s.interval))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.safeRun()
			timer.Reset(s.interval)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Speculator) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("speculation run panicked", slog.Any("panic", r))
		}
	}()
	s.Run()
}
