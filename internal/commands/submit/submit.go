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

// Package submit implements the submit command.
package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/smartjobs/internal/commands/shared"
	"github.com/tombee/smartjobs/internal/engine"
	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/log"
)

type options struct {
	wait    bool
	timeout time.Duration
}

type response struct {
	shared.JSONResponse
	Job shared.JobView `json:"job"`
}

// NewCommand creates the submit command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "submit <cmdlet>",
		Short: "Submit a job",
		Long: `Submit one job described by a cmdlet and print its record.

The cmdlet is a list of actions separated by ';', each written as the action
name followed by '-key value' arguments:

  smartjobs submit 'echo -msg hello ; sleep -ms 500'

With --wait the command runs the job and exits non-zero if it fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "Wait for the job to finish")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

func run(cmd *cobra.Command, text string, opts *options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	logger := shared.NewLogger(cfg)
	ctx := cmd.Context()

	st, err := shared.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := engine.New(cfg, st, engine.WithLogger(logger))
	if err != nil {
		return shared.NewInvalidInputError("invalid configuration", err)
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	view, runErr := submit(ctx, eng, text, opts)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		logger.Warn("engine did not stop cleanly", log.Error(err))
	}

	if view.JobRecord == nil {
		return runErr
	}
	if !view.State.IsTerminal() {
		// Stop flushed the cache, so the store holds the latest record.
		if job, err := st.GetJob(context.Background(), view.ID); err == nil {
			view.JobRecord = job
		}
		if actions, err := st.ListActions(context.Background(), view.ID); err == nil {
			view.Actions = actions
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := response{
			JSONResponse: shared.NewJSONResponse("submit", runErr == nil && view.State != model.StateFailed),
			Job:          view,
		}
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else {
		shared.PrintJob(out, view)
	}

	if runErr != nil {
		return runErr
	}
	if view.State == model.StateFailed {
		return shared.NewJobFailedError(fmt.Sprintf("job %d failed", view.ID))
	}
	return nil
}

func submit(ctx context.Context, eng *engine.Engine, text string, opts *options) (shared.JobView, error) {
	m := eng.Manager()

	job, err := m.CreateJob(ctx, text)
	if err != nil {
		return shared.JobView{}, err
	}

	var waitErr error
	if opts.wait {
		waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()

		var latest *model.JobRecord
		latest, waitErr = m.WaitJob(waitCtx, job.ID, 0)
		if latest != nil {
			job = latest
		}
		if errors.Is(waitErr, context.DeadlineExceeded) {
			waitErr = shared.NewTimeoutError(fmt.Sprintf("job %d did not finish within %s", job.ID, opts.timeout), waitErr)
		}
	}

	actions, err := m.ListActions(ctx, job.ID)
	if err != nil {
		return shared.JobView{JobRecord: job}, errors.Join(waitErr, err)
	}
	return shared.JobView{JobRecord: job, Actions: actions}, waitErr
}
