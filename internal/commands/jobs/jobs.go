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

// Package jobs implements the jobs command group, which reads and deletes
// job records in the configured store.
package jobs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tombee/smartjobs/internal/commands/shared"
	"github.com/tombee/smartjobs/internal/store"
)

// NewCommand creates the jobs command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect stored jobs",
		Long: `Inspect and delete job records in the configured store.

These commands read the store directly. Jobs still held in memory by a
running engine show the state last written back.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newDeleteCommand())
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(store.Store) error) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	st, err := shared.OpenStore(ctx, cfg, shared.NewLogger(cfg))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.NewInvalidInputError(fmt.Sprintf("invalid job id %q", arg), nil)
	}
	return id, nil
}
