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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smartjobs/internal/commands/shared"
	"github.com/tombee/smartjobs/internal/engine/model"
	"github.com/tombee/smartjobs/internal/store/sqlite"
)

// seed writes three jobs to a fresh sqlite database and points --config at
// it.
func seed(t *testing.T) *sqlite.Backend {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "jobs.db")

	st, err := sqlite.New(ctx, sqlite.Config{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	jobs := []*model.JobRecord{
		{ID: 1, ActionIDs: []int64{1}, State: model.StateDone, Parameters: "echo -msg a", GenerateTime: now, StateChangedTime: now},
		{ID: 2, RuleID: 7, ActionIDs: []int64{2}, State: model.StateFailed, Parameters: "fail -ruleId 7", GenerateTime: now, StateChangedTime: now},
		{ID: 3, ActionIDs: []int64{3}, State: model.StatePending, Parameters: "sleep -ms 10", GenerateTime: now, StateChangedTime: now},
	}
	actions := []*model.ActionRecord{
		{ID: 1, JobID: 1, Name: "echo", Args: map[string]string{"-msg": "a"}, Result: "a", Finished: true, Successful: true, Progress: 1},
		{ID: 2, JobID: 2, Name: "fail", Args: map[string]string{"-ruleId": "7"}, Log: "fail action invoked", Finished: true, Progress: 1},
		{ID: 3, JobID: 3, Name: "sleep", Args: map[string]string{"-ms": "10"}},
	}
	require.NoError(t, st.UpsertJobs(ctx, jobs))
	require.NoError(t, st.UpsertActions(ctx, actions))

	cfg := "log:\n  level: error\nstore:\n  type: sqlite\n  sqlite:\n    path: " + dbPath + "\n"
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	shared.SetConfigPathForTest(cfgPath)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })
	return st
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestList_Text(t *testing.T) {
	seed(t)

	out, err := execute(t, "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[2], "FAILED")
	assert.Contains(t, lines[2], "7")
}

func TestList_Filters(t *testing.T) {
	seed(t)

	tests := []struct {
		name string
		args []string
		want []float64
	}{
		{"all", nil, []float64{1, 2, 3}},
		{"by rule", []string{"--rule", "7"}, []float64{2}},
		{"by state", []string{"--state", "done", "--state", "pending"}, []float64{1, 3}},
		{"limit", []string{"--limit", "2"}, []float64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"list", "--jq", "[.[].id]"}, tt.args...)
			out, err := execute(t, args...)
			require.NoError(t, err)

			var ids []float64
			require.NoError(t, json.Unmarshal([]byte(out), &ids))
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestList_JQStreamsResults(t *testing.T) {
	seed(t)

	out, err := execute(t, "list", "--jq", `.[] | select(.state == "FAILED") | .parameters`)
	require.NoError(t, err)
	assert.Equal(t, "\"fail -ruleId 7\"\n", out)
}

func TestList_InvalidInput(t *testing.T) {
	seed(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bad state", []string{"list", "--state", "sleeping"}},
		{"bad jq", []string{"list", "--jq", ".[ | "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))
		})
	}
}

func TestGet(t *testing.T) {
	seed(t)

	out, err := execute(t, "get", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Job 2: FAILED")
	assert.Contains(t, out, "fail action invoked")

	_, err = execute(t, "get", "99")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))

	_, err = execute(t, "get", "abc")
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))
}

func TestGet_JSON(t *testing.T) {
	seed(t)
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	out, err := execute(t, "get", "1")
	require.NoError(t, err)

	var resp getResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Job.ID)
	require.Len(t, resp.Job.Actions, 1)
	assert.Equal(t, "a", resp.Job.Actions[0].Result)
}

func TestDelete(t *testing.T) {
	st := seed(t)
	ctx := context.Background()

	out, err := execute(t, "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted job 1")

	_, err = st.GetJob(ctx, 1)
	assert.Error(t, err)
	actions, err := st.ListActions(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, actions)

	_, err = execute(t, "delete", "3")
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))

	_, err = execute(t, "delete", "3", "--force")
	require.NoError(t, err)
	_, err = st.GetJob(ctx, 3)
	assert.Error(t, err)
}
