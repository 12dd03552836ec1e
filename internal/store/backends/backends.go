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

// Package backends opens the store selected by configuration.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tombee/smartjobs/internal/config"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/store"
	"github.com/tombee/smartjobs/internal/store/memory"
	"github.com/tombee/smartjobs/internal/store/postgres"
	"github.com/tombee/smartjobs/internal/store/sqlite"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

// Open creates the configured store. Retryable failures are retried with
// exponential backoff until cfg.ConnectTimeout elapses.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	logger = log.WithComponent(log.OrDefault(logger), "store")

	open, err := opener(cfg)
	if err != nil {
		return nil, err
	}

	attempt := 0
	s, err := backoff.Retry(ctx, func() (store.Store, error) {
		attempt++
		s, err := open(ctx)
		if err != nil && !joberrors.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return s, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("store open failed, retrying",
				slog.String("type", cfg.Type),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", next),
				log.Error(err))
		}),
	)
	if err != nil && !joberrors.IsRetryable(err) {
		return nil, err
	}
	if err != nil {
		return nil, &joberrors.TimeoutError{
			Operation: "store connect",
			Duration:  cfg.ConnectTimeout,
			Cause:     err,
		}
	}

	logger.Info("store opened", slog.String("type", cfg.Type), slog.Int("attempts", attempt))
	return s, nil
}

func opener(cfg config.StoreConfig) (func(context.Context) (store.Store, error), error) {
	switch cfg.Type {
	case config.StoreMemory:
		return func(context.Context) (store.Store, error) {
			return memory.New(), nil
		}, nil
	case config.StoreSQLite, "":
		return func(ctx context.Context) (store.Store, error) {
			be, err := sqlite.New(ctx, sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
			if err != nil {
				return nil, joberrors.Wrapf(err, "failed to open sqlite store %s", cfg.SQLite.Path)
			}
			return be, nil
		}, nil
	case config.StorePostgres:
		return func(ctx context.Context) (store.Store, error) {
			be, err := postgres.New(ctx, postgres.Config{
				ConnectionString: cfg.Postgres.ConnectionString,
				MaxOpenConns:     cfg.Postgres.MaxOpenConns,
				MaxIdleConns:     cfg.Postgres.MaxIdleConns,
				ConnMaxLifetime:  cfg.Postgres.ConnMaxLifetime,
			})
			if err != nil {
				return nil, joberrors.Wrapf(err, "failed to open postgres store")
			}
			return be, nil
		}, nil
	default:
		return nil, &joberrors.ConfigError{
			Key:    "store.type",
			Reason: fmt.Sprintf("unknown store type %q", cfg.Type),
		}
	}
}
