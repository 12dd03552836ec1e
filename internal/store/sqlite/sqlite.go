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

// Package sqlite provides a SQLite store for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/store"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.JobStore       = (*Backend)(nil)
	_ store.ActionStore    = (*Backend)(nil)
	_ store.RetentionStore = (*Backend)(nil)
	_ store.Store          = (*Backend)(nil)
)

// maxParams bounds the number of ids bound into one IN clause.
const maxParams = 500

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database at cfg.Path and applies migrations.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(pingCtx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Times are stored as unix milliseconds, 0 meaning unset.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY,
			rule_id INTEGER NOT NULL DEFAULT 0,
			action_ids TEXT NOT NULL,
			state TEXT NOT NULL,
			parameters TEXT NOT NULL,
			generate_time INTEGER NOT NULL,
			state_changed_time INTEGER NOT NULL,
			deferred_to_time INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_rule_id ON jobs(rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_generate_time ON jobs(generate_time)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY,
			job_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			args TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			log TEXT NOT NULL DEFAULT '',
			successful INTEGER NOT NULL DEFAULT 0,
			finished INTEGER NOT NULL DEFAULT 0,
			progress REAL NOT NULL DEFAULT 0,
			create_time INTEGER NOT NULL DEFAULT 0,
			finish_time INTEGER NOT NULL DEFAULT 0,
			exec_host TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_job_id ON actions(job_id)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// UpsertJobs inserts or replaces jobs in one transaction.
func (b *Backend) UpsertJobs(ctx context.Context, jobs []*model.JobRecord) error {
	if len(jobs) == 0 {
		return nil
	}

	query := `
		INSERT INTO jobs (id, rule_id, action_ids, state, parameters, generate_time, state_changed_time, deferred_to_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_id = excluded.rule_id,
			action_ids = excluded.action_ids,
			state = excluded.state,
			parameters = excluded.parameters,
			generate_time = excluded.generate_time,
			state_changed_time = excluded.state_changed_time,
			deferred_to_time = excluded.deferred_to_time
	`

	return b.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare job upsert: %w", err)
		}
		defer stmt.Close()

		for _, j := range jobs {
			actionIDs, err := json.Marshal(j.ActionIDs)
			if err != nil {
				return fmt.Errorf("failed to marshal action ids: %w", err)
			}
			_, err = stmt.ExecContext(ctx,
				j.ID, j.RuleID, string(actionIDs), string(j.State), j.Parameters,
				toMillis(j.GenerateTime), toMillis(j.StateChangedTime), toMillis(j.DeferredToTime),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert job %d: %w", j.ID, err)
			}
		}
		return nil
	})
}

const jobColumns = `id, rule_id, action_ids, state, parameters, generate_time, state_changed_time, deferred_to_time`

// GetJob retrieves a job by ID.
func (b *Backend) GetJob(ctx context.Context, id int64) (*model.JobRecord, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.JobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs lists jobs ordered by id.
func (b *Backend) ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.RuleID != 0 {
		query += " AND rule_id = ?"
		args = append(args, filter.RuleID)
	}
	if len(filter.States) > 0 {
		query += " AND state IN (" + placeholders(len(filter.States)) + ")"
		for _, s := range filter.States {
			args = append(args, string(s))
		}
	}

	query += " ORDER BY id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteJobs removes jobs by id.
func (b *Backend) DeleteJobs(ctx context.Context, ids []int64) error {
	return b.deleteByIDs(ctx, "DELETE FROM jobs WHERE id IN ", ids)
}

// MaxJobID returns the highest job id.
func (b *Backend) MaxJobID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT MAX(id) FROM jobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get max job id: %w", err)
	}
	return id.Int64, nil
}

// UpsertActions inserts or replaces actions in one transaction.
func (b *Backend) UpsertActions(ctx context.Context, actions []*model.ActionRecord) error {
	if len(actions) == 0 {
		return nil
	}

	query := `
		INSERT INTO actions (id, job_id, name, args, result, log, successful, finished, progress, create_time, finish_time, exec_host)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			job_id = excluded.job_id,
			name = excluded.name,
			args = excluded.args,
			result = excluded.result,
			log = excluded.log,
			successful = excluded.successful,
			finished = excluded.finished,
			progress = excluded.progress,
			create_time = excluded.create_time,
			finish_time = excluded.finish_time,
			exec_host = excluded.exec_host
	`

	return b.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare action upsert: %w", err)
		}
		defer stmt.Close()

		for _, a := range actions {
			args, err := json.Marshal(a.Args)
			if err != nil {
				return fmt.Errorf("failed to marshal args: %w", err)
			}
			_, err = stmt.ExecContext(ctx,
				a.ID, a.JobID, a.Name, string(args), a.Result, a.Log,
				a.Successful, a.Finished, a.Progress,
				toMillis(a.CreateTime), toMillis(a.FinishTime), a.ExecHost,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert action %d: %w", a.ID, err)
			}
		}
		return nil
	})
}

const actionColumns = `id, job_id, name, args, result, log, successful, finished, progress, create_time, finish_time, exec_host`

// GetAction retrieves an action by ID.
func (b *Backend) GetAction(ctx context.Context, id int64) (*model.ActionRecord, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ActionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

// ListActions returns the actions of a job ordered by id.
func (b *Backend) ListActions(ctx context.Context, jobID int64) ([]*model.ActionRecord, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*model.ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// DeleteJobsActions removes the actions of the given jobs.
func (b *Backend) DeleteJobsActions(ctx context.Context, jobIDs []int64) error {
	return b.deleteByIDs(ctx, "DELETE FROM actions WHERE job_id IN ", jobIDs)
}

// MaxActionID returns the highest action id.
func (b *Backend) MaxActionID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT MAX(id) FROM actions`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get max action id: %w", err)
	}
	return id.Int64, nil
}

// CountTerminalJobs counts jobs in a terminal state.
func (b *Backend) CountTerminalJobs(ctx context.Context) (int64, error) {
	states := terminalArgs()
	var n int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state IN (`+placeholders(len(states))+`)`, states...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count terminal jobs: %w", err)
	}
	return n, nil
}

// DeleteFinishedJobsOlderThan removes terminal jobs generated before ts.
func (b *Backend) DeleteFinishedJobsOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	states := terminalArgs()
	where := `state IN (` + placeholders(len(states)) + `) AND generate_time < ?`
	args := append(states, toMillis(ts))

	return b.deleteJobsWhere(ctx, `SELECT id FROM jobs WHERE `+where, `DELETE FROM jobs WHERE `+where, args)
}

// DeleteJobsKeepNewest removes all but the newest n terminal jobs.
func (b *Backend) DeleteJobsKeepNewest(ctx context.Context, n int64) (int64, error) {
	states := terminalArgs()
	selectIDs := `SELECT id FROM jobs WHERE state IN (` + placeholders(len(states)) + `)
		ORDER BY generate_time DESC, id DESC LIMIT -1 OFFSET ?`
	args := append(states, max(n, 0))

	return b.deleteJobsWhere(ctx, selectIDs, `DELETE FROM jobs WHERE id IN (`+selectIDs+`)`, args)
}

// deleteJobsWhere deletes the actions of the jobs selected by selectIDs, then
// the jobs themselves, in one transaction.
func (b *Backend) deleteJobsWhere(ctx context.Context, selectIDs, deleteJobs string, args []any) (int64, error) {
	var deleted int64
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE job_id IN (`+selectIDs+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete actions: %w", err)
		}
		res, err := tx.ExecContext(ctx, deleteJobs, args...)
		if err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to count deleted jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (b *Backend) deleteByIDs(ctx context.Context, prefix string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return b.inTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += maxParams {
			chunk := ids[start:min(start+maxParams, len(ids))]
			args := make([]any, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}
			if _, err := tx.ExecContext(ctx, prefix+"("+placeholders(len(chunk))+")", args...); err != nil {
				return fmt.Errorf("failed to delete: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*model.JobRecord, error) {
	var j model.JobRecord
	var actionIDs, state string
	var generated, changed, deferred int64

	if err := s.Scan(&j.ID, &j.RuleID, &actionIDs, &state, &j.Parameters, &generated, &changed, &deferred); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actionIDs), &j.ActionIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action ids: %w", err)
	}
	j.State = model.JobState(state)
	j.GenerateTime = fromMillis(generated)
	j.StateChangedTime = fromMillis(changed)
	j.DeferredToTime = fromMillis(deferred)
	return &j, nil
}

func scanAction(s scanner) (*model.ActionRecord, error) {
	var a model.ActionRecord
	var args string
	var created, finished int64

	err := s.Scan(&a.ID, &a.JobID, &a.Name, &args, &a.Result, &a.Log,
		&a.Successful, &a.Finished, &a.Progress, &created, &finished, &a.ExecHost)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &a.Args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", err)
	}
	a.CreateTime = fromMillis(created)
	a.FinishTime = fromMillis(finished)
	return &a, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func terminalArgs() []any {
	names := store.TerminalStateNames()
	args := make([]any, len(names))
	for i, s := range names {
		args[i] = s
	}
	return args
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
