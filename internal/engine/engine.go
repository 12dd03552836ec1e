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

// Package engine wires the job manager, executor, write-back cache and
// background loops into one service.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/smartjobs/internal/config"
	"github.com/tombee/smartjobs/internal/engine/action"
	"github.com/tombee/smartjobs/internal/engine/descriptor"
	"github.com/tombee/smartjobs/internal/engine/executor"
	"github.com/tombee/smartjobs/internal/engine/manager"
	"github.com/tombee/smartjobs/internal/engine/registry"
	"github.com/tombee/smartjobs/internal/engine/retention"
	"github.com/tombee/smartjobs/internal/engine/scheduler"
	"github.com/tombee/smartjobs/internal/engine/speculator"
	"github.com/tombee/smartjobs/internal/engine/statusreport"
	"github.com/tombee/smartjobs/internal/engine/tracker"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/store"
)

// Engine is a running job service.
type Engine struct {
	hostID string
	logger *slog.Logger

	store      store.Store
	tracker    *tracker.Tracker
	registry   *registry.Registry
	pool       *executor.Pool
	batcher    *statusreport.Batcher
	manager    *manager.Manager
	speculator *speculator.Speculator
	retention  *retention.Sweeper

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

type options struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	actions    *action.Registry
	schedulers []scheduler.Scheduler
	observer   manager.JobObserver
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the tracer used for cmdlet spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithJobObserver reports every finished job to obs.
func WithJobObserver(obs manager.JobObserver) Option {
	return func(o *options) { o.observer = obs }
}

// WithActions replaces the built-in action registry.
func WithActions(r *action.Registry) Option {
	return func(o *options) { o.actions = r }
}

// WithSchedulers adds schedulers ahead of the configured speculation rules.
func WithSchedulers(s ...scheduler.Scheduler) Option {
	return func(o *options) { o.schedulers = append(o.schedulers, s...) }
}

// New builds an engine over st. The caller keeps ownership of st.
func New(cfg *config.Config, st store.Store, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.actions == nil {
		o.actions = action.Builtins()
	}
	logger := log.OrDefault(o.logger)

	hostID := cfg.Engine.HostID
	if hostID == "" {
		hostID = uuid.NewString()
	}
	logger = logger.With(slog.String(log.HostKey, hostID))

	lifetime, err := cfg.History.Lifetime()
	if err != nil {
		return nil, fmt.Errorf("history.max_record_lifetime: %w", err)
	}

	rules, err := speculator.NewExprScheduler(cfg.Speculation.Rules, speculator.WithExprLogger(logger))
	if err != nil {
		return nil, err
	}
	schedulers := scheduler.NewSet(o.schedulers...)
	schedulers.Add(rules)

	parser, err := descriptor.NewCache(descriptor.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		hostID:  hostID,
		logger:  log.WithComponent(logger, "engine"),
		store:   st,
		tracker: tracker.New(),
	}

	e.registry = registry.New(st, registry.Config{
		BatchSize:    cfg.Engine.CacheSyncBatchSize,
		Interval:     cfg.Engine.CacheSyncInterval,
		InitialDelay: cfg.Engine.CacheSyncInitialDelay,
	}, registry.WithLogger(logger), registry.WithTracker(e.tracker))

	poolOpts := []executor.Option{executor.WithLogger(logger)}
	if o.tracer != nil {
		poolOpts = append(poolOpts, executor.WithTracer(o.tracer))
	}
	e.pool = executor.New(cfg.Engine.Executors, poolOpts...)

	e.retention, err = retention.New(st, retention.Config{
		MaxRecords: cfg.History.MaxRecords,
		Lifetime:   lifetime,
		Period:     cfg.History.CheckPeriod,
	}, retention.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	mgrOpts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithExecutor(e.pool),
		manager.WithFinishCounter(e.retention),
		manager.WithSchedulers(schedulers),
		manager.WithParserCache(parser),
	}
	if o.observer != nil {
		mgrOpts = append(mgrOpts, manager.WithJobObserver(o.observer))
	}
	e.manager = manager.New(st, e.registry, e.tracker, o.actions, manager.Config{
		MaxPendingJobs:   cfg.Engine.MaxPendingJobs,
		ScheduleInterval: cfg.Engine.ScheduleInterval,
		SubmitRate:       cfg.Engine.SubmitRate,
		SubmitBurst:      cfg.Engine.SubmitBurst,
		HostID:           hostID,
	}, mgrOpts...)

	e.batcher = statusreport.New(e.pool, e.manager, statusreport.Config{
		Period:     cfg.StatusReport.Period,
		Multiplier: cfg.StatusReport.PeriodMultiplier,
		Ratio:      cfg.StatusReport.Ratio,
	}, statusreport.WithLogger(logger))

	timeout := speculator.Timeout(cfg.StatusReport.Period, cfg.StatusReport.PeriodMultiplier)
	e.speculator = speculator.New(e.manager, e.manager, schedulers, timeout,
		speculator.WithLogger(logger),
		speculator.WithInterval(cfg.Speculation.Interval))

	return e, nil
}

// Start recovers state from the store and starts the background loops.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Load() {
		return nil
	}
	if err := e.retention.Init(ctx); err != nil {
		return err
	}
	if err := e.manager.Init(ctx); err != nil {
		return err
	}

	e.registry.Start()
	e.batcher.Start()
	e.manager.Start()
	e.speculator.Start()
	e.retention.Start()
	e.started.Store(true)

	e.logger.Info("engine started",
		slog.Int("pending_jobs", e.manager.PendingCount()),
		slog.Duration("status_timeout", e.speculator.Timeout()))
	return nil
}

// Stop stops scheduling, waits for running cmdlets until ctx ends, applies
// their last statuses and flushes the cache to the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.manager.Stop()
		e.speculator.Stop()
		e.retention.Stop()

		if err := e.pool.Shutdown(ctx); err != nil {
			e.logger.Warn("executor did not drain", slog.Int("in_flight", e.pool.InFlight()), log.Error(err))
			e.stopErr = err
		}
		if e.started.Load() {
			e.batcher.Stop()
		} else {
			e.manager.Report(e.pool.StatusReport())
		}
		e.registry.Stop()
		e.logger.Info("engine stopped")
	})
	return e.stopErr
}

// Manager returns the job manager.
func (e *Engine) Manager() *manager.Manager {
	return e.manager
}

// HostID returns the id recorded on actions run by this engine.
func (e *Engine) HostID() string {
	return e.hostID
}
