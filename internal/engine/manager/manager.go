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

// Package manager accepts jobs, schedules them onto the executor and turns
// action statuses into job state.
package manager

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/smartjobs/internal/engine/action"
	"github.com/tombee/smartjobs/internal/engine/cmdlet"
	"github.com/tombee/smartjobs/internal/engine/descriptor"
	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/engine/registry"
	"github.com/tombee/smartjobs/internal/engine/scheduler"
	"github.com/tombee/smartjobs/internal/engine/tracker"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/metrics"
	"github.com/tombee/smartjobs/internal/store"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

// Defaults used when the corresponding setting is zero.
const (
	DefaultMaxPendingJobs   = 20000
	DefaultScheduleInterval = 50 * time.Millisecond
)

// Executor runs cmdlets.
type Executor interface {
	Execute(c *cmdlet.Cmdlet) error
	Stop(jobID int64)
}

// FinishCounter is told about every job that reaches a terminal state.
type FinishCounter interface {
	OnJobFinished()
}

// JobObserver is told how long every finished job took.
type JobObserver interface {
	RecordJob(ctx context.Context, state string, d time.Duration, actions int)
}

// Config controls submission and scheduling.
type Config struct {
	MaxPendingJobs   int
	ScheduleInterval time.Duration

	// SubmitRate limits submissions per second. Zero disables limiting.
	SubmitRate  float64
	SubmitBurst int

	// HostID is recorded as the executing host of every action.
	HostID string
}

// Manager owns the job lifecycle.
type Manager struct {
	store      store.Store
	registry   *registry.Registry
	tracker    *tracker.Tracker
	actions    *action.Registry
	schedulers *scheduler.Set
	executor   Executor
	finished   FinishCounter
	observer   JobObserver
	parser     *descriptor.Cache
	limiter    *rate.Limiter
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	lastJobID    atomic.Int64
	lastActionID atomic.Int64

	// submitMu makes the duplicate and queue checks atomic with enqueueing.
	submitMu sync.Mutex

	mu       sync.Mutex
	pending  []int64
	running  map[int64]struct{}
	launched map[int64]struct{}

	// scheduleMu serializes schedule passes.
	scheduleMu sync.Mutex

	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSchedulers sets the schedulers consulted for each action.
func WithSchedulers(s *scheduler.Set) Option {
	return func(m *Manager) { m.schedulers = s }
}

// WithExecutor sets where scheduled jobs run.
func WithExecutor(e Executor) Option {
	return func(m *Manager) { m.executor = e }
}

// WithFinishCounter sets the listener for finished jobs.
func WithFinishCounter(f FinishCounter) Option {
	return func(m *Manager) { m.finished = f }
}

// WithJobObserver reports finished jobs to o.
func WithJobObserver(o JobObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// WithParserCache parses submissions through c.
func WithParserCache(c *descriptor.Cache) Option {
	return func(m *Manager) { m.parser = c }
}

// New creates a manager. Call Init before submitting jobs.
func New(st store.Store, reg *registry.Registry, trk *tracker.Tracker, actions *action.Registry, cfg Config, opts ...Option) *Manager {
	if cfg.MaxPendingJobs <= 0 {
		cfg.MaxPendingJobs = DefaultMaxPendingJobs
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = DefaultScheduleInterval
	}

	m := &Manager{
		store:    st,
		registry: reg,
		tracker:  trk,
		actions:  actions,
		cfg:      cfg,
		now:      time.Now,
		running:  make(map[int64]struct{}),
		launched: make(map[int64]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.schedulers == nil {
		m.schedulers = scheduler.NewSet()
	}
	if cfg.SubmitRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), max(cfg.SubmitBurst, 1))
	}
	m.logger = log.WithComponent(log.OrDefault(m.logger), "manager")
	return m
}

// Init seeds id counters from the store and recovers unfinished jobs.
func (m *Manager) Init(ctx context.Context) error {
	maxJob, err := m.store.MaxJobID(ctx)
	if err != nil {
		metrics.RecordPersistenceError("max_job_id", err)
		return fmt.Errorf("failed to read max job id: %w", err)
	}
	maxAction, err := m.store.MaxActionID(ctx)
	if err != nil {
		metrics.RecordPersistenceError("max_action_id", err)
		return fmt.Errorf("failed to read max action id: %w", err)
	}
	m.lastJobID.Store(maxJob)
	m.lastActionID.Store(maxAction)

	return m.recoverJobs(ctx)
}

// recoverJobs reloads jobs left unfinished by a previous process. Waiting jobs
// are queued again; jobs that were running are failed.
func (m *Manager) recoverJobs(ctx context.Context) error {
	jobs, err := m.store.ListJobs(ctx, store.JobFilter{States: []model.JobState{
		model.StatePending, model.StateScheduled, model.StateDispatched, model.StateExecuting,
	}})
	if err != nil {
		metrics.RecordPersistenceError("list_jobs", err)
		return fmt.Errorf("failed to load unfinished jobs: %w", err)
	}

	var requeued, failed int
	for _, job := range jobs {
		actions, err := m.store.ListActions(ctx, job.ID)
		if err != nil {
			metrics.RecordPersistenceError("list_actions", err)
			return fmt.Errorf("failed to load actions of job %d: %w", job.ID, err)
		}

		// Stored parameters carry the rule id inline; restore it as a common
		// argument so the duplicate key matches a fresh submission.
		if job.RuleID != 0 {
			if d, err := m.parse(job.Parameters); err != nil {
				m.logger.Warn("cannot parse recovered job", slog.Int64(log.JobIDKey, job.ID), log.Error(err))
			} else {
				d.SetRuleID(job.RuleID)
				m.tracker.Track(job.ID, d)
			}
		}

		for _, a := range actions {
			m.registry.AddAction(a)
		}

		switch job.State {
		case model.StatePending, model.StateScheduled:
			job.State = model.StatePending
			m.storeUnfinished(job)
			m.enqueue(job.ID)
			requeued++
		default:
			m.registry.AddUnfinishedJob(job)
			m.failInterrupted(job)
			failed++
		}
	}

	if len(jobs) > 0 {
		m.logger.Info("recovered unfinished jobs",
			slog.Int("requeued", requeued),
			slog.Int("failed", failed))
	}
	return nil
}

// failInterrupted fails every unfinished action of a job whose executor
// went away, then fails the job.
func (m *Manager) failInterrupted(job *model.JobRecord) {
	at := m.now()
	for _, id := range job.ActionIDs {
		m.registry.UpdateAction(id, func(a *model.ActionRecord) {
			if a.Finished {
				return
			}
			a.Finished = true
			a.Successful = false
			a.FinishTime = at
			a.Log = appendLine(a.Log, "interrupted: the engine restarted while the action was running")
		})
	}
	m.OnJobStatusUpdate(model.JobStatus{JobID: job.ID, State: model.StateFailed, StateUpdateTime: at})
}

func (m *Manager) parse(text string) (*descriptor.JobDescriptor, error) {
	if m.parser != nil {
		return m.parser.Parse(text)
	}
	return descriptor.Parse(text)
}

// CreateJob parses text and submits it.
func (m *Manager) CreateJob(ctx context.Context, text string) (*model.JobRecord, error) {
	if strings.TrimSpace(text) == "" {
		metrics.RecordJobRejected("invalid")
		return nil, &joberrors.ValidationError{
			Field:      "cmdlet",
			Message:    "cannot submit an empty job",
			Suggestion: "provide at least one action, e.g. \"echo -msg hello\"",
		}
	}

	d, err := m.parse(text)
	if err != nil {
		metrics.RecordJobRejected("invalid")
		return nil, err
	}
	return m.CreateJobFromDescriptor(ctx, d)
}

// CreateJobFromDescriptor submits an already parsed job.
func (m *Manager) CreateJobFromDescriptor(ctx context.Context, d *descriptor.JobDescriptor) (*model.JobRecord, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	if m.tracker.Contains(d) {
		metrics.RecordJobRejected("duplicate")
		m.logger.Warn("refusing duplicate job", slog.String("cmdlet", d.String()))
		return nil, &joberrors.DuplicateError{Resource: "job", Key: d.String()}
	}
	if n := m.PendingCount(); n >= m.cfg.MaxPendingJobs {
		metrics.RecordJobRejected("queue_full")
		return nil, &joberrors.QueueFullError{Limit: m.cfg.MaxPendingJobs}
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			metrics.RecordJobRejected("rate_limited")
			return nil, fmt.Errorf("submission rate limit: %w", err)
		}
	}

	if err := m.validateActions(d); err != nil {
		metrics.RecordJobRejected("invalid")
		return nil, err
	}
	job := m.createJobRecord(d)
	actions := m.createActionRecords(job, d)

	for i, a := range actions {
		for _, sch := range m.schedulers.For(a.Name) {
			if err := sch.OnSubmit(job, a, i); err != nil {
				metrics.RecordJobRejected("scheduler")
				return nil, fmt.Errorf("action %q rejected by scheduler: %w", a.Name, err)
			}
		}
	}

	out := job.Clone()
	for _, a := range actions {
		m.registry.AddAction(a)
	}
	m.storeUnfinished(job)
	m.enqueue(job.ID)
	if d.IsRuleJob() {
		m.tracker.Track(job.ID, d)
	}
	metrics.RecordJobSubmitted()

	m.logger.Debug("job submitted",
		slog.Int64(log.JobIDKey, out.ID),
		slog.Int64(log.RuleIDKey, out.RuleID),
		slog.Int("actions", len(out.ActionIDs)))
	return out, nil
}

func (m *Manager) createJobRecord(d *descriptor.JobDescriptor) *model.JobRecord {
	now := m.now()
	return &model.JobRecord{
		ID:               m.lastJobID.Add(1),
		RuleID:           d.RuleID(),
		State:            model.StatePending,
		Parameters:       d.String(),
		GenerateTime:     now,
		StateChangedTime: now,
	}
}

func (m *Manager) validateActions(d *descriptor.JobDescriptor) error {
	for _, name := range d.ActionNames() {
		if !m.actions.Has(name) {
			return &joberrors.ValidationError{
				Field:      "action",
				Message:    fmt.Sprintf("unknown action %q", name),
				Suggestion: "available actions: " + strings.Join(m.actions.Names(), ", "),
			}
		}
	}
	return nil
}

// createActionRecords assigns action ids and appends them to job.
func (m *Manager) createActionRecords(job *model.JobRecord, d *descriptor.JobDescriptor) []*model.ActionRecord {
	out := make([]*model.ActionRecord, 0, d.ActionCount())
	for i := range d.ActionCount() {
		a := &model.ActionRecord{
			ID:    m.lastActionID.Add(1),
			JobID: job.ID,
			Name:  d.ActionName(i),
			Args:  d.ActionArgs(i),
		}
		job.ActionIDs = append(job.ActionIDs, a.ID)
		out = append(out, a)
	}
	return out
}

// storeUnfinished caches job and marks it for persistence while pending.
func (m *Manager) storeUnfinished(job *model.JobRecord) {
	m.registry.AddUnfinishedJob(job)
	if job.State == model.StatePending {
		m.registry.MarkDirty(job.ID)
	}
}

// GetJob returns a job from the cache or the store.
func (m *Manager) GetJob(ctx context.Context, id int64) (*model.JobRecord, error) {
	if job := m.registry.UnfinishedJob(id); job != nil {
		return job, nil
	}
	return m.store.GetJob(ctx, id)
}

// GetAction returns an action from the cache or the store.
func (m *Manager) GetAction(ctx context.Context, id int64) (*model.ActionRecord, error) {
	if a := m.registry.UnfinishedAction(id); a != nil {
		return a, nil
	}
	return m.store.GetAction(ctx, id)
}

// ListActions returns the actions of a job in job order.
func (m *Manager) ListActions(ctx context.Context, jobID int64) ([]*model.ActionRecord, error) {
	if actions := m.registry.JobActions(jobID); actions != nil {
		return actions, nil
	}
	if _, err := m.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return m.store.ListActions(ctx, jobID)
}

// ListJobs returns stored jobs merged with cached ones, the cache winning.
// A zero ruleID or nil state matches every job.
func (m *Manager) ListJobs(ctx context.Context, ruleID int64, state *model.JobState) ([]*model.JobRecord, error) {
	filter := store.JobFilter{RuleID: ruleID}
	if state != nil {
		filter.States = []model.JobState{*state}
	}

	stored, err := m.store.ListJobs(ctx, filter)
	if err != nil {
		metrics.RecordPersistenceError("list_jobs", err)
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	byID := make(map[int64]*model.JobRecord, len(stored))
	for _, job := range stored {
		byID[job.ID] = job
	}
	for _, job := range m.registry.UnfinishedJobs() {
		if filter.Matches(job) {
			byID[job.ID] = job
		} else if _, ok := byID[job.ID]; ok {
			// The cached state no longer matches.
			delete(byID, job.ID)
		}
	}

	jobs := slices.Collect(maps.Values(byID))
	slices.SortFunc(jobs, func(a, b *model.JobRecord) int { return cmp.Compare(a.ID, b.ID) })
	return jobs, nil
}

// DeleteJob disables the job if it is still cached, then deletes it and its
// actions from the store.
func (m *Manager) DeleteJob(ctx context.Context, id int64) error {
	found := m.disable(id)
	if found {
		m.registry.DeleteJobsAsync([]int64{id})
	}

	_, err := m.store.GetJob(ctx, id)
	switch {
	case err == nil:
		found = true
	case joberrors.IsNotFound(err):
	default:
		metrics.RecordPersistenceError("get_job", err)
		return fmt.Errorf("failed to look up job %d: %w", id, err)
	}
	if !found {
		return store.JobNotFound(id)
	}

	if err := m.store.DeleteJobs(ctx, []int64{id}); err != nil {
		metrics.RecordPersistenceError("delete_jobs", err)
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	if err := m.store.DeleteJobsActions(ctx, []int64{id}); err != nil {
		metrics.RecordPersistenceError("delete_actions", err)
		return fmt.Errorf("failed to delete actions of job %d: %w", id, err)
	}
	return nil
}

// DeleteJobsByRule queues deletion of every job of a rule and disables the
// cached ones. It returns the affected ids.
func (m *Manager) DeleteJobsByRule(ctx context.Context, ruleID int64) ([]int64, error) {
	if ruleID <= 0 {
		return nil, &joberrors.ValidationError{Field: "rule_id", Message: "rule id must be positive"}
	}
	jobs, err := m.ListJobs(ctx, ruleID, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	m.registry.DeleteJobsAsync(ids)
	for _, id := range ids {
		m.disable(id)
	}
	return ids, nil
}

// DeletePendingRuleJobs drops the unfinished jobs of a rule.
func (m *Manager) DeletePendingRuleJobs(_ context.Context, ruleID int64) []int64 {
	var ids []int64
	for _, job := range m.registry.UnfinishedJobs() {
		if job.RuleID == ruleID && !job.State.IsTerminal() {
			ids = append(ids, job.ID)
		}
	}
	m.registry.DeleteJobsAsync(ids)
	for _, id := range ids {
		m.disable(id)
	}
	return ids
}

// DisableJob withdraws a cached job, stopping it if it is running.
func (m *Manager) DisableJob(_ context.Context, id int64) error {
	if !m.disable(id) {
		return store.JobNotFound(id)
	}
	return nil
}

func (m *Manager) disable(id int64) bool {
	if m.registry.UnfinishedJob(id) == nil {
		return false
	}
	m.OnJobStatusUpdate(model.JobStatus{JobID: id, State: model.StateDisabled, StateUpdateTime: m.now()})

	m.mu.Lock()
	m.pending = slices.DeleteFunc(m.pending, func(p int64) bool { return p == id })
	_, running := m.running[id]
	delete(m.running, id)
	delete(m.launched, id)
	pending := len(m.pending)
	m.mu.Unlock()
	metrics.SetPendingJobs(pending)

	if running && m.executor != nil {
		m.executor.Stop(id)
	}
	m.logger.Info("job disabled", slog.Int64(log.JobIDKey, id), slog.Bool("was_running", running))
	return true
}

// UpdateJobExecHost records host on every cached action of the job.
func (m *Manager) UpdateJobExecHost(ctx context.Context, id int64, host string) error {
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return err
	}
	for _, aid := range job.ActionIDs {
		m.registry.UpdateAction(aid, func(a *model.ActionRecord) { a.ExecHost = host })
	}
	return nil
}

// OnJobFinished settles every action of a job that finished without
// running them.
func (m *Manager) OnJobFinished(job *model.JobRecord, success bool, host string) {
	for _, aid := range job.ActionIDs {
		m.registry.UpdateAction(aid, func(a *model.ActionRecord) {
			a.Progress = 1
			a.Finished = true
			a.Successful = success
			a.CreateTime = job.StateChangedTime
			a.FinishTime = job.StateChangedTime
			a.ExecHost = host
		})
	}
}

// WaitJob polls until the job reaches a terminal state or ctx ends.
func (m *Manager) WaitJob(ctx context.Context, id int64, poll time.Duration) (*model.JobRecord, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		job, err := m.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PendingCount returns the number of jobs waiting to be scheduled.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// LaunchedJobIDs returns the ids of jobs handed to the executor that have
// not finished.
func (m *Manager) LaunchedJobIDs() []int64 {
	m.mu.Lock()
	ids := slices.Collect(maps.Keys(m.launched))
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// UnfinishedJob returns a copy of a cached job, or nil.
func (m *Manager) UnfinishedJob(id int64) *model.JobRecord {
	return m.registry.UnfinishedJob(id)
}

// UnfinishedAction returns a copy of a cached action, or nil.
func (m *Manager) UnfinishedAction(id int64) *model.ActionRecord {
	return m.registry.UnfinishedAction(id)
}

// HostID returns the host recorded on executed actions.
func (m *Manager) HostID() string {
	return m.cfg.HostID
}

func (m *Manager) enqueue(id int64) {
	m.mu.Lock()
	m.pending = append(m.pending, id)
	n := len(m.pending)
	m.mu.Unlock()
	metrics.SetPendingJobs(n)
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	return text + "\n" + line
}
