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

// Package retention purges finished jobs from the store by age and count.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/metrics"
	"github.com/tombee/smartjobs/internal/store"
)

const (
	// MinCheckInterval floors the age-check interval.
	MinCheckInterval = 5 * time.Second

	// checksPerLifetime is how many age checks fit in one record lifetime.
	checksPerLifetime = 20

	// DefaultPeriod is how often Run is scheduled.
	DefaultPeriod = 5 * time.Second

	initialDelay = 10 * time.Millisecond
	runTimeout   = 5 * time.Minute
)

// Config controls retention.
type Config struct {
	MaxRecords int64
	Lifetime   time.Duration
	Period     time.Duration
}

// Sweeper deletes terminal jobs older than the lifetime and trims the rest
// down to MaxRecords. It keeps its own count of finished jobs so that the
// count check does not query the store.
type Sweeper struct {
	store         store.RetentionStore
	maxRecords    int64
	lifetime      time.Duration
	checkInterval time.Duration
	period        time.Duration
	logger        *slog.Logger
	now           func() time.Time

	finished atomic.Int64

	// mu serializes Run.
	mu        sync.Mutex
	lastPurge time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper. The age check runs at most every
// max(lifetime/20, 5s).
func New(st store.RetentionStore, cfg Config, opts ...Option) (*Sweeper, error) {
	if cfg.MaxRecords <= 0 {
		return nil, fmt.Errorf("retention: max records must be positive, got %d", cfg.MaxRecords)
	}
	if cfg.Lifetime <= 0 {
		return nil, fmt.Errorf("retention: lifetime must be positive, got %v", cfg.Lifetime)
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}

	s := &Sweeper{
		store:         st,
		maxRecords:    cfg.MaxRecords,
		lifetime:      cfg.Lifetime,
		checkInterval: CheckInterval(cfg.Lifetime),
		period:        cfg.Period,
		now:           time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(log.OrDefault(s.logger), "retention")
	s.lastPurge = s.now()
	return s, nil
}

// CheckInterval returns the age-check interval for a record lifetime.
func CheckInterval(lifetime time.Duration) time.Duration {
	return max(lifetime/checksPerLifetime, MinCheckInterval)
}

// CheckInterval returns the sweeper's age-check interval.
func (s *Sweeper) CheckInterval() time.Duration {
	return s.checkInterval
}

// Init seeds the finished counter from the store.
func (s *Sweeper) Init(ctx context.Context) error {
	n, err := s.store.CountTerminalJobs(ctx)
	if err != nil {
		metrics.RecordPersistenceError("count_terminal_jobs", err)
		return fmt.Errorf("failed to count finished jobs: %w", err)
	}
	s.finished.Add(n)
	return nil
}

// OnJobFinished counts one more finished job.
func (s *Sweeper) OnJobFinished() {
	s.finished.Add(1)
}

// Finished returns the current finished-job count.
func (s *Sweeper) Finished() int64 {
	return s.finished.Load()
}

// Run performs one sweep. Errors are logged and the sweep is retried on
// the next run.
func (s *Sweeper) Run(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPurge) >= s.checkInterval {
		before := now.Add(-s.lifetime)
		deleted, err := s.store.DeleteFinishedJobsOlderThan(ctx, before)
		if err != nil {
			metrics.RecordPersistenceError("delete_expired_jobs", err)
			s.logger.Error("failed to purge expired jobs", log.Error(err))
			return
		}
		s.finished.Add(-deleted)
		s.lastPurge = now
		metrics.RecordRetentionDeleted("lifetime", int(deleted))
		if deleted > 0 {
			s.logger.Info("purged expired jobs",
				slog.Int64("count", deleted),
				slog.String("before", before.Format(time.RFC3339)))
		}
	}

	if s.finished.Load() > s.maxRecords {
		deleted, err := s.store.DeleteJobsKeepNewest(ctx, s.maxRecords)
		if err != nil {
			metrics.RecordPersistenceError("delete_excess_jobs", err)
			s.logger.Error("failed to trim finished jobs", log.Error(err))
			return
		}
		metrics.RecordRetentionDeleted("count", int(deleted))
		if deleted == 0 {
			// Jobs deleted outside the sweeper leave the counter high.
			s.recount(ctx)
			return
		}
		s.finished.Add(-deleted)
		s.logger.Info("trimmed finished jobs",
			slog.Int64("count", deleted),
			slog.Int64("max_records", s.maxRecords))
	}
}

func (s *Sweeper) recount(ctx context.Context) {
	n, err := s.store.CountTerminalJobs(ctx)
	if err != nil {
		metrics.RecordPersistenceError("count_terminal_jobs", err)
		s.logger.Error("failed to recount finished jobs", log.Error(err))
		return
	}
	s.logger.Debug("finished counter resynced", slog.Int64("was", s.finished.Load()), slog.Int64("now", n))
	s.finished.Store(n)
}

// Start runs the sweep every period after a short initial delay.
func (s *Sweeper) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop ends the loop, waiting for an in-progress sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.Load() {
			<-s.doneCh
		}
	})
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	select {
	case <-time.After(initialDelay):
	case <-s.stopCh:
		return
	}
	s.sweep()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			s.logger.Debug("retention sweeper stopping")
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	s.Run(ctx)
}
