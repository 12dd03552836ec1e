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

// Package config loads smartjobs configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Store backend types.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config represents the complete smartjobs configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Store        StoreConfig        `yaml:"store"`
	Engine       EngineConfig       `yaml:"engine"`
	StatusReport StatusReportConfig `yaml:"status_report"`
	History      HistoryConfig      `yaml:"history"`
	Speculation  SpeculationConfig  `yaml:"speculation"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// StoreConfig selects and configures the durable store.
type StoreConfig struct {
	// Type is one of memory, sqlite or postgres.
	// Environment: SMARTJOBS_STORE_TYPE
	Type string `yaml:"type"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`

	// ConnectTimeout bounds the retries made while opening the store.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Environment: SMARTJOBS_SQLITE_PATH
	Path string `yaml:"path"`
	WAL  bool   `yaml:"wal"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	// ConnectionString is a postgres:// URL.
	// Environment: SMARTJOBS_POSTGRES_URL
	ConnectionString string `yaml:"connection_string"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// EngineConfig configures job execution and the write-back cache.
type EngineConfig struct {
	// Executors is the number of cmdlets run concurrently.
	// Environment: SMARTJOBS_EXECUTORS
	Executors int `yaml:"executors"`

	// CacheSyncBatchSize bounds the jobs written, and ids deleted, per sync.
	// Environment: SMARTJOBS_CACHE_SYNC_BATCH_SIZE
	CacheSyncBatchSize int `yaml:"cache_sync_batch_size"`

	CacheSyncInterval     time.Duration `yaml:"cache_sync_interval"`
	CacheSyncInitialDelay time.Duration `yaml:"cache_sync_initial_delay"`

	// MaxPendingJobs rejects submissions once this many jobs wait to run.
	// Environment: SMARTJOBS_MAX_PENDING_JOBS
	MaxPendingJobs int `yaml:"max_pending_jobs"`

	ScheduleInterval time.Duration `yaml:"schedule_interval"`

	// SubmitRate limits submissions per second. Zero disables limiting.
	SubmitRate  float64 `yaml:"submit_rate,omitempty"`
	SubmitBurst int     `yaml:"submit_burst,omitempty"`

	// HostID identifies this process in action records. Empty generates one.
	// Environment: SMARTJOBS_HOST_ID
	HostID string `yaml:"host_id,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StatusReportConfig configures status batching.
type StatusReportConfig struct {
	// Period is how often executor statuses are collected.
	// Environment: SMARTJOBS_STATUS_REPORT_PERIOD
	Period time.Duration `yaml:"period"`

	// PeriodMultiplier times Period is the longest a status is held.
	PeriodMultiplier int `yaml:"period_multiplier"`

	// Ratio of finished actions in a batch that forces an early flush.
	Ratio float64 `yaml:"ratio"`
}

// HistoryConfig configures retention of finished jobs.
type HistoryConfig struct {
	// MaxRecords caps the number of finished jobs kept.
	// Environment: SMARTJOBS_HISTORY_MAX_RECORDS
	MaxRecords int64 `yaml:"max_records"`

	// MaxRecordLifetime uses the time-string syntax, e.g. "30day" or "1d12h".
	// Environment: SMARTJOBS_HISTORY_MAX_RECORD_LIFETIME
	MaxRecordLifetime string `yaml:"max_record_lifetime"`

	CheckPeriod time.Duration `yaml:"check_period"`
}

// Lifetime parses MaxRecordLifetime.
func (h HistoryConfig) Lifetime() (time.Duration, error) {
	return ParseTimeString(h.MaxRecordLifetime)
}

// SpeculationConfig configures the timeout speculator.
type SpeculationConfig struct {
	Interval time.Duration `yaml:"interval"`

	// Rules maps action names to boolean expressions deciding whether a
	// timed out action is treated as successful.
	Rules map[string]string `yaml:"rules,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Environment: SMARTJOBS_METRICS_ADDR
	Addr string `yaml:"addr"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Type: StoreSQLite,
			SQLite: SQLiteConfig{
				Path: "smartjobs.db",
				WAL:  true,
			},
			Postgres: PostgresConfig{
				MaxOpenConns: 10,
			},
			ConnectTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			Executors:             10,
			CacheSyncBatchSize:    600,
			CacheSyncInterval:     50 * time.Millisecond,
			CacheSyncInitialDelay: 200 * time.Millisecond,
			MaxPendingJobs:        20000,
			ScheduleInterval:      50 * time.Millisecond,
			SubmitBurst:           100,
			ShutdownTimeout:       30 * time.Second,
		},
		StatusReport: StatusReportConfig{
			Period:           10 * time.Millisecond,
			PeriodMultiplier: 50,
			Ratio:            0.2,
		},
		History: HistoryConfig{
			MaxRecords:        100000,
			MaxRecordLifetime: "30day",
			CheckPeriod:       5 * time.Second,
		},
		Speculation: SpeculationConfig{
			Interval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
	}
}

// Load loads configuration from configPath, when given, then applies
// defaults and environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &joberrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &joberrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Store.Type == "" {
		c.Store.Type = d.Store.Type
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = d.Store.SQLite.Path
	}
	if c.Store.Postgres.MaxOpenConns == 0 {
		c.Store.Postgres.MaxOpenConns = d.Store.Postgres.MaxOpenConns
	}
	if c.Store.ConnectTimeout == 0 {
		c.Store.ConnectTimeout = d.Store.ConnectTimeout
	}

	e := &c.Engine
	if e.Executors == 0 {
		e.Executors = d.Engine.Executors
	}
	if e.CacheSyncBatchSize == 0 {
		e.CacheSyncBatchSize = d.Engine.CacheSyncBatchSize
	}
	if e.CacheSyncInterval == 0 {
		e.CacheSyncInterval = d.Engine.CacheSyncInterval
	}
	if e.CacheSyncInitialDelay == 0 {
		e.CacheSyncInitialDelay = d.Engine.CacheSyncInitialDelay
	}
	if e.MaxPendingJobs == 0 {
		e.MaxPendingJobs = d.Engine.MaxPendingJobs
	}
	if e.ScheduleInterval == 0 {
		e.ScheduleInterval = d.Engine.ScheduleInterval
	}
	if e.SubmitBurst == 0 {
		e.SubmitBurst = d.Engine.SubmitBurst
	}
	if e.ShutdownTimeout == 0 {
		e.ShutdownTimeout = d.Engine.ShutdownTimeout
	}

	if c.StatusReport.Period == 0 {
		c.StatusReport.Period = d.StatusReport.Period
	}
	if c.StatusReport.PeriodMultiplier == 0 {
		c.StatusReport.PeriodMultiplier = d.StatusReport.PeriodMultiplier
	}
	if c.StatusReport.Ratio == 0 {
		c.StatusReport.Ratio = d.StatusReport.Ratio
	}

	if c.History.MaxRecords == 0 {
		c.History.MaxRecords = d.History.MaxRecords
	}
	if c.History.MaxRecordLifetime == "" {
		c.History.MaxRecordLifetime = d.History.MaxRecordLifetime
	}
	if c.History.CheckPeriod == 0 {
		c.History.CheckPeriod = d.History.CheckPeriod
	}

	if c.Speculation.Interval == 0 {
		c.Speculation.Interval = d.Speculation.Interval
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
}

func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
// Malformed numeric values are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val := os.Getenv("SMARTJOBS_STORE_TYPE"); val != "" {
		c.Store.Type = strings.ToLower(val)
	}
	if val := os.Getenv("SMARTJOBS_SQLITE_PATH"); val != "" {
		c.Store.SQLite.Path = val
	}
	if val := os.Getenv("SMARTJOBS_POSTGRES_URL"); val != "" {
		c.Store.Postgres.ConnectionString = val
	}

	if val := os.Getenv("SMARTJOBS_EXECUTORS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.Executors = n
		}
	}
	if val := os.Getenv("SMARTJOBS_MAX_PENDING_JOBS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.MaxPendingJobs = n
		}
	}
	if val := os.Getenv("SMARTJOBS_CACHE_SYNC_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.CacheSyncBatchSize = n
		}
	}
	if val := os.Getenv("SMARTJOBS_HOST_ID"); val != "" {
		c.Engine.HostID = val
	}

	if val := os.Getenv("SMARTJOBS_STATUS_REPORT_PERIOD"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.StatusReport.Period = duration
		}
	}

	if val := os.Getenv("SMARTJOBS_HISTORY_MAX_RECORDS"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.History.MaxRecords = n
		}
	}
	if val := os.Getenv("SMARTJOBS_HISTORY_MAX_RECORD_LIFETIME"); val != "" {
		c.History.MaxRecordLifetime = val
	}

	if val := os.Getenv("SMARTJOBS_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, "store.sqlite.path is required when store.type is sqlite")
		}
	case StorePostgres:
		if c.Store.Postgres.ConnectionString == "" {
			errs = append(errs, "store.postgres.connection_string is required when store.type is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.type must be one of [memory, sqlite, postgres], got %q", c.Store.Type))
	}
	if c.Store.ConnectTimeout < 0 {
		errs = append(errs, fmt.Sprintf("store.connect_timeout must not be negative, got %v", c.Store.ConnectTimeout))
	}

	e := c.Engine
	if e.Executors <= 0 {
		errs = append(errs, fmt.Sprintf("engine.executors must be positive, got %d", e.Executors))
	}
	if e.CacheSyncBatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("engine.cache_sync_batch_size must be positive, got %d", e.CacheSyncBatchSize))
	}
	if e.CacheSyncInterval <= 0 {
		errs = append(errs, fmt.Sprintf("engine.cache_sync_interval must be positive, got %v", e.CacheSyncInterval))
	}
	if e.CacheSyncInitialDelay < 0 {
		errs = append(errs, fmt.Sprintf("engine.cache_sync_initial_delay must not be negative, got %v", e.CacheSyncInitialDelay))
	}
	if e.MaxPendingJobs <= 0 {
		errs = append(errs, fmt.Sprintf("engine.max_pending_jobs must be positive, got %d", e.MaxPendingJobs))
	}
	if e.ScheduleInterval <= 0 {
		errs = append(errs, fmt.Sprintf("engine.schedule_interval must be positive, got %v", e.ScheduleInterval))
	}
	if e.SubmitRate < 0 {
		errs = append(errs, fmt.Sprintf("engine.submit_rate must not be negative, got %v", e.SubmitRate))
	}
	if e.SubmitRate > 0 && e.SubmitBurst <= 0 {
		errs = append(errs, fmt.Sprintf("engine.submit_burst must be positive when submit_rate is set, got %d", e.SubmitBurst))
	}
	if e.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("engine.shutdown_timeout must be positive, got %v", e.ShutdownTimeout))
	}

	sr := c.StatusReport
	if sr.Period <= 0 {
		errs = append(errs, fmt.Sprintf("status_report.period must be positive, got %v", sr.Period))
	}
	if sr.PeriodMultiplier <= 0 {
		errs = append(errs, fmt.Sprintf("status_report.period_multiplier must be positive, got %d", sr.PeriodMultiplier))
	}
	if sr.Ratio <= 0 || sr.Ratio > 1 {
		errs = append(errs, fmt.Sprintf("status_report.ratio must be in (0, 1], got %v", sr.Ratio))
	}

	if c.History.MaxRecords <= 0 {
		errs = append(errs, fmt.Sprintf("history.max_records must be positive, got %d", c.History.MaxRecords))
	}
	if _, err := c.History.Lifetime(); err != nil {
		errs = append(errs, fmt.Sprintf("history.max_record_lifetime: %v", err))
	}
	if c.History.CheckPeriod <= 0 {
		errs = append(errs, fmt.Sprintf("history.check_period must be positive, got %v", c.History.CheckPeriod))
	}

	if c.Speculation.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("speculation.interval must be positive, got %v", c.Speculation.Interval))
	}
	for name, rule := range c.Speculation.Rules {
		if strings.TrimSpace(rule) == "" {
			errs = append(errs, fmt.Sprintf("speculation.rules.%s must not be empty", name))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
