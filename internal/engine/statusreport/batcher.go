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

// Package statusreport batches action statuses from the execution pool and
// forwards them upstream.
package statusreport

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/metrics"
)

// Defaults used when the corresponding setting is zero.
const (
	DefaultPeriod     = 10 * time.Millisecond
	DefaultMultiplier = 50
	DefaultRatio      = 0.2
)

// Source yields the statuses gathered since the previous call, or nil.
type Source interface {
	StatusReport() *model.StatusReport
}

// Reporter receives flushed batches.
type Reporter interface {
	Report(report *model.StatusReport)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(report *model.StatusReport)

func (f ReporterFunc) Report(report *model.StatusReport) { f(report) }

// Config controls batching.
type Config struct {
	// Period is the tick interval.
	Period time.Duration
	// Multiplier times Period is the longest a status waits before flushing.
	Multiplier int
	// Ratio of finished statuses in the batch that forces an early flush.
	Ratio float64
}

// Batcher accumulates action statuses and flushes them by time or by the
// share of finished actions.
type Batcher struct {
	source   Source
	reporter Reporter
	period   time.Duration
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	pending    map[int64]model.ActionStatus
	lastReport time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	started atomic.Bool
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) { b.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// New creates a batcher reading from source and flushing to reporter.
func New(source Source, reporter Reporter, cfg Config, opts ...Option) *Batcher {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Ratio <= 0 {
		cfg.Ratio = DefaultRatio
	}

	b := &Batcher{
		source:   source,
		reporter: reporter,
		period:   cfg.Period,
		interval: cfg.Period * time.Duration(cfg.Multiplier),
		ratio:    cfg.Ratio,
		now:      time.Now,
		pending:  make(map[int64]model.ActionStatus),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = log.WithComponent(log.OrDefault(b.logger), "statusreport")
	b.lastReport = b.now()
	return b
}

// Interval returns the longest time a status is held before flushing.
func (b *Batcher) Interval() time.Duration {
	return b.interval
}

// Start begins ticking every period. Later calls are no-ops.
func (b *Batcher) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.run()
}

// Stop ends the loop and flushes anything still held.
func (b *Batcher) Stop() {
	b.once.Do(func() {
		close(b.stopCh)
		if b.started.Load() {
			<-b.doneCh
			return
		}
		b.merge(b.source.StatusReport())
		b.flush("stop")
	})
}

func (b *Batcher) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Tick()
		case <-b.stopCh:
			b.merge(b.source.StatusReport())
			b.flush("stop")
			return
		}
	}
}

// Tick pulls new statuses and flushes if the batch is due.
func (b *Batcher) Tick() {
	b.merge(b.source.StatusReport())

	b.mu.Lock()
	trigger := b.dueLocked()
	b.mu.Unlock()

	if trigger != "" {
		b.flush(trigger)
	}
}

func (b *Batcher) merge(report *model.StatusReport) {
	if report == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range report.ActionStatuses {
		b.pending[st.ActionID] = st
	}
}

func (b *Batcher) dueLocked() string {
	if len(b.pending) == 0 {
		return ""
	}
	if b.now().Sub(b.lastReport) >= b.interval {
		return "interval"
	}
	finished := 0
	for _, st := range b.pending {
		if st.Finished {
			finished++
		}
	}
	if float64(finished)/float64(len(b.pending)) >= b.ratio {
		return "ratio"
	}
	return ""
}

func (b *Batcher) flush(trigger string) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]model.ActionStatus, 0, len(b.pending))
	for _, st := range b.pending {
		batch = append(batch, st)
	}
	clear(b.pending)
	b.lastReport = b.now()
	b.mu.Unlock()

	slices.SortFunc(batch, func(x, y model.ActionStatus) int {
		return cmp.Compare(x.ActionID, y.ActionID)
	})

	b.reporter.Report(&model.StatusReport{ActionStatuses: batch})
	metrics.RecordStatusReport(trigger)
	b.logger.Debug("status report sent", "statuses", len(batch), "trigger", trigger)
}
