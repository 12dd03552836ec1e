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
	"fmt"
	"io"
	"strings"

	"github.com/tombee/smartjobs/internal/engine/model"
)

// JobView is a job with its actions, as printed by the CLI.
type JobView struct {
	*model.JobRecord
	Actions []*model.ActionRecord `json:"actions,omitempty"`
}

// PrintJob writes a human readable summary of job and its actions.
func PrintJob(w io.Writer, v JobView) {
	fmt.Fprintf(w, "Job %d: %s\n", v.ID, v.State)
	if v.RuleID != 0 {
		fmt.Fprintf(w, "  rule:     %d\n", v.RuleID)
	}
	fmt.Fprintf(w, "  created:  %s\n", v.GenerateTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  cmdlet:   %s\n", v.Parameters)

	for _, a := range v.Actions {
		fmt.Fprintf(w, "  [%d] %-10s %s\n", a.ID, a.Name, actionStatus(a))
		if a.Result != "" {
			fmt.Fprintf(w, "      result: %s\n", a.Result)
		}
		if a.Finished && !a.Successful && a.Log != "" {
			for _, line := range strings.Split(strings.TrimRight(a.Log, "\n"), "\n") {
				fmt.Fprintf(w, "      %s\n", line)
			}
		}
	}
}

func actionStatus(a *model.ActionRecord) string {
	switch {
	case a.Finished && a.Successful:
		return "ok"
	case a.Finished:
		return "failed"
	case a.Progress > 0:
		return fmt.Sprintf("running %.0f%%", a.Progress*100)
	default:
		return "waiting"
	}
}
