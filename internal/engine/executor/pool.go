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

// Package executor runs cmdlets on a bounded set of workers.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/smartjobs/internal/engine/cmdlet"
	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/metrics"
)

// DefaultSize is the number of cmdlets run concurrently when no size is given.
const DefaultSize = 10

// TracerName is the instrumentation scope of cmdlet spans.
const TracerName = "github.com/tombee/smartjobs/internal/engine/executor"

// ErrShuttingDown is returned by Execute once Shutdown has begun.
var ErrShuttingDown = fmt.Errorf("executor pool is shutting down")

type result struct {
	jobID int64
	state model.JobState
	err   error
}

type entry struct {
	cmdlet *cmdlet.Cmdlet
	cancel context.CancelFunc
}

// Pool runs cmdlets with at most size running at once.
type Pool struct {
	logger *slog.Logger
	tracer trace.Tracer

	sem     chan struct{}
	results chan result
	wg      sync.WaitGroup

	mu        sync.Mutex
	inflight  map[int64]*entry
	reporting map[int64]*cmdlet.Cmdlet

	draining atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithTracer sets the tracer used for cmdlet.run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pool) {
		p.tracer = tracer
	}
}

// New creates a pool and starts its completion loop.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		sem:       make(chan struct{}, size),
		results:   make(chan result, size),
		inflight:  make(map[int64]*entry),
		reporting: make(map[int64]*cmdlet.Cmdlet),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = log.WithComponent(log.OrDefault(p.logger), "executor")
	if p.tracer == nil {
		p.tracer = otel.Tracer(TracerName)
	}

	go p.completions()
	return p
}

// Execute schedules c and returns immediately.
func (p *Pool) Execute(c *cmdlet.Cmdlet) error {
	// draining and wg.Add share p.mu so Shutdown never waits on a
	// WaitGroup that is still growing.
	p.mu.Lock()
	if p.draining.Load() {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.inflight[c.JobID] = &entry{cmdlet: c, cancel: cancel}
	p.reporting[c.JobID] = c
	metrics.SetInflightJobs(len(p.inflight))
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(ctx, cancel, c)
	return nil
}

func (p *Pool) run(ctx context.Context, cancel context.CancelFunc, c *cmdlet.Cmdlet) {
	defer p.wg.Done()
	defer cancel()

	// A cancelled job still runs so its actions report failure.
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
	}

	res := result{jobID: c.JobID}
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("cmdlet panicked: %v", r)
			}
		}()

		spanCtx, span := p.tracer.Start(ctx, "cmdlet.run",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int64("job.id", c.JobID),
				attribute.Int64("job.rule_id", c.RuleID),
				attribute.Int("job.actions", len(c.Actions())),
			),
		)
		defer span.End()

		c.Run(spanCtx)

		state := c.State()
		span.SetAttributes(attribute.String("job.state", state.String()))
		if state == model.StateFailed {
			span.SetStatus(codes.Error, "cmdlet failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()
	res.state = c.State()

	select {
	case p.results <- res:
	case <-p.stopCh:
		p.deregister(res.jobID)
	}
}

func (p *Pool) completions() {
	defer close(p.doneCh)
	for {
		select {
		case res := <-p.results:
			p.finish(res)
		case <-p.stopCh:
			for {
				select {
				case res := <-p.results:
					p.finish(res)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) finish(res result) {
	p.deregister(res.jobID)
	logger := p.logger.With(log.JobIDKey, res.jobID, log.StateKey, res.state.String())
	if res.err != nil {
		logger.Error("cmdlet run aborted", log.Error(res.err))
		return
	}
	logger.Debug("cmdlet run finished")
}

func (p *Pool) deregister(jobID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, jobID)
	metrics.SetInflightJobs(len(p.inflight))
}

// Stop marks a running job FAILED and cancels it. Unknown ids are ignored.
func (p *Pool) Stop(jobID int64) {
	p.mu.Lock()
	e, ok := p.inflight[jobID]
	p.mu.Unlock()
	if !ok {
		return
	}

	e.cmdlet.SetState(model.StateFailed)
	e.cancel()
	p.deregister(jobID)
	p.logger.Debug("cmdlet stopped", log.JobIDKey, jobID)
}

// StatusReport collects pending action statuses from every reportable
// cmdlet. It returns nil when nothing is tracked.
func (p *Pool) StatusReport() *model.StatusReport {
	p.mu.Lock()
	if len(p.reporting) == 0 {
		p.mu.Unlock()
		return nil
	}
	cmdlets := make([]*cmdlet.Cmdlet, 0, len(p.reporting))
	for _, c := range p.reporting {
		cmdlets = append(cmdlets, c)
	}
	p.mu.Unlock()

	report := &model.StatusReport{}
	var drained []int64
	for _, c := range cmdlets {
		report.ActionStatuses = append(report.ActionStatuses, c.ActionStatuses()...)
		if c.Drained() {
			drained = append(drained, c.JobID)
		}
	}

	if len(drained) > 0 {
		p.mu.Lock()
		for _, id := range drained {
			delete(p.reporting, id)
		}
		p.mu.Unlock()
	}
	return report
}

// InFlight returns the number of cmdlets registered and not yet finished.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Shutdown stops accepting work and waits for running cmdlets to finish or
// for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	first := p.draining.CompareAndSwap(false, true)
	p.mu.Unlock()
	if !first {
		return nil
	}

	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()

	var err error
	select {
	case <-waitDone:
	case <-ctx.Done():
		err = fmt.Errorf("executor shutdown: %w", ctx.Err())
	}

	close(p.stopCh)
	<-p.doneCh
	return err
}
