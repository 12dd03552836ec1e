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

package jobs

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/smartjobs/internal/commands/shared"
	"github.com/tombee/smartjobs/internal/store"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

type getResponse struct {
	shared.JSONResponse
	Job shared.JobView `json:"job"`
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job and its actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var view shared.JobView
			err = withStore(ctx, func(st store.Store) error {
				job, err := st.GetJob(ctx, id)
				if err != nil {
					return err
				}
				actions, err := st.ListActions(ctx, id)
				if err != nil {
					return err
				}
				view = shared.JobView{JobRecord: job, Actions: actions}
				return nil
			})
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), getResponse{
					JSONResponse: shared.NewJSONResponse("jobs get", true),
					Job:          view,
				})
			}
			shared.PrintJob(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job and its actions",
		Long: `Delete a job and its actions from the store.

Unfinished jobs are refused unless --force is given, since an engine may
still be running them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			err = withStore(ctx, func(st store.Store) error {
				job, err := st.GetJob(ctx, id)
				if err != nil {
					return err
				}
				if !job.State.IsTerminal() && !force {
					return &joberrors.ValidationError{
						Field:      "id",
						Message:    fmt.Sprintf("job %d is %s", id, job.State),
						Suggestion: "wait for the job to finish or pass --force",
					}
				}
				if err := st.DeleteJobsActions(ctx, []int64{id}); err != nil {
					return err
				}
				return st.DeleteJobs(ctx, []int64{id})
			})
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), struct {
					shared.JSONResponse
					ID int64 `json:"id"`
				}{shared.NewJSONResponse("jobs delete", true), id})
			}
			cmd.Printf("Deleted job %d\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Delete even if the job has not finished")
	return cmd
}
