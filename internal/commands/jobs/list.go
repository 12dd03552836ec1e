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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/smartjobs/internal/commands/shared"
	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/jq"
	"github.com/tombee/smartjobs/internal/store"
)

type listOptions struct {
	ruleID int64
	states []string
	limit  int
	jq     string
}

type listResponse struct {
	shared.JSONResponse
	Jobs []*model.JobRecord `json:"jobs"`
}

func newListCommand() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long: `List stored jobs ordered by id.

--jq applies a jq expression to the JSON array of jobs and prints each
result, for example:

  smartjobs jobs list --jq '.[] | select(.state == "FAILED") | .id'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().Int64Var(&opts.ruleID, "rule", 0, "Only jobs generated by this rule")
	cmd.Flags().StringSliceVar(&opts.states, "state", nil, "Only jobs in these states (repeatable)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum number of jobs (0 for all)")
	cmd.Flags().StringVar(&opts.jq, "jq", "", "Filter the output with a jq expression")
	return cmd
}

func runList(cmd *cobra.Command, opts *listOptions) error {
	filter := store.JobFilter{RuleID: opts.ruleID, Limit: opts.limit}
	for _, name := range opts.states {
		s, err := model.ParseJobState(name)
		if err != nil {
			return shared.NewInvalidInputError("invalid --state", err)
		}
		filter.States = append(filter.States, s)
	}

	var query *jq.Filter
	if opts.jq != "" {
		var err error
		if query, err = jq.Compile(opts.jq); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	var jobs []*model.JobRecord
	err := withStore(ctx, func(st store.Store) error {
		var err error
		jobs, err = st.ListJobs(ctx, filter)
		return err
	})
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*model.JobRecord{}
	}

	out := cmd.OutOrStdout()
	switch {
	case query != nil:
		results, err := query.Run(ctx, jobs)
		if err != nil {
			return err
		}
		for _, r := range results {
			if err := shared.EmitJSON(out, r); err != nil {
				return err
			}
		}
		return nil
	case shared.GetJSON():
		return shared.EmitJSON(out, listResponse{
			JSONResponse: shared.NewJSONResponse("jobs list", true),
			Jobs:         jobs,
		})
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tRULE\tCREATED\tCMDLET")
	for _, j := range jobs {
		rule := "-"
		if j.RuleID != 0 {
			rule = fmt.Sprint(j.RuleID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", j.ID, j.State, rule,
			j.GenerateTime.Local().Format(time.DateTime), j.Parameters)
	}
	return tw.Flush()
}
