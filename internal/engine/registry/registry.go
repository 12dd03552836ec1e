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

// Package registry is the write-back cache of unfinished jobs and their
// actions. Mutations touch memory only; a background sync copies dirty
// jobs to the store and evicts those that have finished.
package registry

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/metrics"
	"github.com/tombee/smartjobs/internal/store"
)

// Defaults used when the corresponding setting is zero.
const (
	DefaultBatchSize    = 600
	DefaultInterval     = 50 * time.Millisecond
	DefaultInitialDelay = 200 * time.Millisecond
)

// Tracker is told when a finished job leaves the cache.
type Tracker interface {
	StopTracking(jobID int64)
}

// Config controls the sync loop.
type Config struct {
	BatchSize    int
	Interval     time.Duration
	InitialDelay time.Duration
}

// Registry caches unfinished jobs and actions.
type Registry struct {
	store   store.Store
	tracker Tracker
	logger  *slog.Logger
	cfg     Config

	mu         sync.RWMutex
	unfinished map[int64]*model.JobRecord
	actions    map[int64]*model.ActionRecord
	dirty      map[int64]*model.JobRecord

	deleteMu sync.Mutex
	toDelete []int64

	// syncMu serializes Sync between the loop and Stop.
	syncMu sync.Mutex

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithTracker sets the tracker notified on eviction.
func WithTracker(t Tracker) Option {
	return func(r *Registry) { r.tracker = t }
}

// New creates a registry backed by s.
func New(s store.Store, cfg Config, opts ...Option) *Registry {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}

	r := &Registry{
		store:      s,
		cfg:        cfg,
		unfinished: make(map[int64]*model.JobRecord),
		actions:    make(map[int64]*model.ActionRecord),
		dirty:      make(map[int64]*model.JobRecord),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(log.OrDefault(r.logger), "registry")
	return r
}

// AddUnfinishedJob caches job. The registry owns the pointer afterwards.
func (r *Registry) AddUnfinishedJob(job *model.JobRecord) {
	r.mu.Lock()
	r.unfinished[job.ID] = job
	r.mu.Unlock()
}

// AddJob marks job for the next sync, replacing any cached copy.
func (r *Registry) AddJob(job *model.JobRecord) {
	r.mu.Lock()
	if _, ok := r.unfinished[job.ID]; ok {
		r.unfinished[job.ID] = job
	}
	r.dirty[job.ID] = job
	r.mu.Unlock()
}

// MarkDirty schedules the cached job for the next sync. It reports whether
// the job was cached.
func (r *Registry) MarkDirty(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.unfinished[id]
	if ok {
		r.dirty[id] = job
	}
	return ok
}

// AddAction caches action.
func (r *Registry) AddAction(action *model.ActionRecord) {
	r.mu.Lock()
	r.actions[action.ID] = action
	r.mu.Unlock()
}

// UpdateJob applies fn to the cached job and returns a copy of the result.
// Unknown ids return nil without calling fn.
func (r *Registry) UpdateJob(id int64, fn func(*model.JobRecord)) *model.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.unfinished[id]
	if !ok {
		return nil
	}
	fn(job)
	return job.Clone()
}

// UpdateAction applies fn to the cached action and returns a copy of the
// result. Unknown ids return nil without calling fn.
func (r *Registry) UpdateAction(id int64, fn func(*model.ActionRecord)) *model.ActionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	action, ok := r.actions[id]
	if !ok {
		return nil
	}
	fn(action)
	return action.Clone()
}

// DeleteJobsAsync queues store deletion of the given jobs and their actions.
func (r *Registry) DeleteJobsAsync(ids []int64) {
	if len(ids) == 0 {
		return
	}
	r.deleteMu.Lock()
	r.toDelete = append(r.toDelete, ids...)
	r.deleteMu.Unlock()
}

// UnfinishedJob returns a copy of the cached job, or nil.
func (r *Registry) UnfinishedJob(id int64) *model.JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if job, ok := r.unfinished[id]; ok {
		return job.Clone()
	}
	return nil
}

// UnfinishedAction returns a copy of the cached action, or nil.
func (r *Registry) UnfinishedAction(id int64) *model.ActionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if action, ok := r.actions[id]; ok {
		return action.Clone()
	}
	return nil
}

// UnfinishedJobs returns copies of every cached job ordered by id.
func (r *Registry) UnfinishedJobs() []*model.JobRecord {
	r.mu.RLock()
	jobs := make([]*model.JobRecord, 0, len(r.unfinished))
	for _, job := range r.unfinished {
		jobs = append(jobs, job.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b *model.JobRecord) int { return cmp.Compare(a.ID, b.ID) })
	return jobs
}

// JobActions returns copies of the cached actions of the cached job id,
// in job order. Missing actions are skipped.
func (r *Registry) JobActions(id int64) []*model.ActionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.unfinished[id]
	if !ok {
		return nil
	}
	out := make([]*model.ActionRecord, 0, len(job.ActionIDs))
	for _, aid := range job.ActionIDs {
		if a, ok := r.actions[aid]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Len returns the number of cached jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.unfinished)
}

// Start begins the sync loop.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

// Stop ends the sync loop and flushes pending writes in batches until
// nothing is left or a pass fails to shrink the backlog.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.started.Load() {
			<-r.doneCh
		}
		r.flush(context.Background())
	})
}

func (r *Registry) flush(ctx context.Context) {
	for n := r.backlog(); n > 0; {
		r.Sync(ctx)
		next := r.backlog()
		if next >= n {
			r.logger.Warn("final sync incomplete", slog.Int("pending", next))
			return
		}
		n = next
	}
}

// backlog counts dirty jobs plus queued deletes.
func (r *Registry) backlog() int {
	r.mu.RLock()
	n := len(r.dirty)
	r.mu.RUnlock()
	r.deleteMu.Lock()
	n += len(r.toDelete)
	r.deleteMu.Unlock()
	return n
}

func (r *Registry) run() {
	defer close(r.doneCh)

	delay := time.NewTimer(r.cfg.InitialDelay)
	select {
	case <-delay.C:
	case <-r.stopCh:
		delay.Stop()
		return
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.Sync(ctx)
	for {
		select {
		case <-ticker.C:
			r.Sync(ctx)
		case <-r.stopCh:
			return
		}
	}
}

// Sync copies up to BatchSize dirty jobs with their actions to the store,
// evicts the finished ones and applies up to BatchSize queued deletions.
// Store errors are logged and the work is retried on the next sync.
func (r *Registry) Sync(ctx context.Context) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	start := time.Now()
	deleteIDs, queued := r.takeDeletes()
	jobs, actions, evict := r.collect(queued)

	if len(jobs) > 0 {
		r.logger.Debug("syncing jobs", slog.Int("jobs", len(jobs)), slog.Int("actions", len(actions)))
		if err := r.upsert(ctx, jobs, actions); err != nil {
			r.requeue(jobs)
			evict = slices.DeleteFunc(evict, func(id int64) bool {
				return slices.ContainsFunc(jobs, func(j *model.JobRecord) bool { return j.ID == id })
			})
		}
	}
	r.evict(evict)

	if len(deleteIDs) > 0 {
		r.delete(ctx, deleteIDs)
	}

	if len(jobs) > 0 || len(deleteIDs) > 0 {
		metrics.ObserveRegistrySync(time.Since(start).Seconds())
	}
}

// takeDeletes returns the first BatchSize queued ids and the set of every
// queued id. The rest stay queued.
func (r *Registry) takeDeletes() ([]int64, map[int64]struct{}) {
	r.deleteMu.Lock()
	defer r.deleteMu.Unlock()
	if len(r.toDelete) == 0 {
		return nil, nil
	}

	queued := make(map[int64]struct{}, len(r.toDelete))
	for _, id := range r.toDelete {
		queued[id] = struct{}{}
	}

	n := min(len(r.toDelete), r.cfg.BatchSize)
	batch := slices.Clone(r.toDelete[:n])
	r.toDelete = slices.Delete(r.toDelete, 0, n)
	return batch, queued
}

// collect copies a batch of dirty jobs and their cached actions out of the
// cache. Jobs queued for deletion are dropped from the dirty set without
// being written. It returns the ids to evict once the batch is stored.
func (r *Registry) collect(queued map[int64]struct{}) (jobs []*model.JobRecord, actions []*model.ActionRecord, evict []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.dirty) == 0 {
		return nil, nil, nil
	}

	ids := make([]int64, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		job := r.dirty[id]
		done := job.State == model.StateDisabled || job.State.IsTerminal()

		if _, ok := queued[id]; ok {
			delete(r.dirty, id)
			if done {
				evict = append(evict, id)
			}
			continue
		}
		if len(jobs) >= r.cfg.BatchSize {
			continue
		}
		delete(r.dirty, id)

		if job.State == model.StateDisabled {
			evict = append(evict, id)
			continue
		}
		jobs = append(jobs, job.Clone())
		for _, aid := range job.ActionIDs {
			if a, ok := r.actions[aid]; ok {
				actions = append(actions, a.Clone())
			}
		}
		if done {
			evict = append(evict, id)
		}
	}
	return jobs, actions, evict
}

func (r *Registry) upsert(ctx context.Context, jobs []*model.JobRecord, actions []*model.ActionRecord) error {
	if len(actions) > 0 {
		if err := r.store.UpsertActions(ctx, actions); err != nil {
			metrics.RecordPersistenceError("upsert_actions", err)
			r.logger.Error("failed to store actions", slog.Int("jobs", len(jobs)), log.Error(err))
			return err
		}
	}
	if err := r.store.UpsertJobs(ctx, jobs); err != nil {
		metrics.RecordPersistenceError("upsert_jobs", err)
		r.logger.Error("failed to store jobs", slog.Int("jobs", len(jobs)), log.Error(err))
		return err
	}
	return nil
}

// requeue marks jobs dirty again after a failed write, unless a newer
// version is already waiting.
func (r *Registry) requeue(jobs []*model.JobRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range jobs {
		if _, ok := r.dirty[job.ID]; ok {
			continue
		}
		if cached, ok := r.unfinished[job.ID]; ok {
			r.dirty[job.ID] = cached
		} else {
			r.dirty[job.ID] = job
		}
	}
}

func (r *Registry) evict(ids []int64) {
	if len(ids) == 0 {
		return
	}

	r.mu.Lock()
	var evicted []int64
	for _, id := range ids {
		// Changed again since it was collected; the next sync evicts it.
		if _, ok := r.dirty[id]; ok {
			continue
		}
		job, ok := r.unfinished[id]
		if ok {
			for _, aid := range job.ActionIDs {
				delete(r.actions, aid)
			}
			delete(r.unfinished, id)
		}
		evicted = append(evicted, id)
	}
	r.mu.Unlock()

	if r.tracker != nil {
		for _, id := range evicted {
			r.tracker.StopTracking(id)
		}
	}
}

func (r *Registry) delete(ctx context.Context, ids []int64) {
	r.logger.Debug("deleting jobs", slog.Int("jobs", len(ids)))

	err := r.store.DeleteJobs(ctx, ids)
	if err == nil {
		err = r.store.DeleteJobsActions(ctx, ids)
		if err != nil {
			metrics.RecordPersistenceError("delete_actions", err)
		}
	} else {
		metrics.RecordPersistenceError("delete_jobs", err)
	}
	if err != nil {
		r.logger.Error("failed to delete jobs, requeueing", slog.Any("job_ids", ids), log.Error(err))
		r.deleteMu.Lock()
		r.toDelete = append(ids, r.toDelete...)
		r.deleteMu.Unlock()
	}
}

