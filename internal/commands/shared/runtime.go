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

package shared

import (
	"context"
	"log/slog"
	"os"

	"github.com/tombee/smartjobs/internal/config"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/store"
	"github.com/tombee/smartjobs/internal/store/backends"
)

// LoadConfig loads the file named by --config, or the default config file
// when it exists.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(ConfigPath()))
	if err != nil {
		return nil, NewInvalidInputError("invalid configuration", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger. --verbose forces debug level.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Log.Level
	if Verbose() {
		level = "debug"
	}
	return log.New(&log.Config{
		Level:     level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
}

// OpenStore opens the configured store, retrying until the connect timeout.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	return backends.Open(ctx, cfg.Store, logger)
}
