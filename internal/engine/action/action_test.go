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

package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smartjobs/internal/engine/model"
	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

func TestAction_Run(t *testing.T) {
	tests := []struct {
		name        string
		fn          Func
		cancelled   bool
		wantSuccess bool
		wantErr     string
		wantResult  string
	}{
		{
			name:        "success",
			fn:          Echo,
			wantSuccess: true,
			wantResult:  "hello\n",
		},
		{
			name:    "error",
			fn:      func(context.Context, map[string]string, *Output) error { return errors.New("boom") },
			wantErr: "boom",
		},
		{
			name:    "panic is recovered",
			fn:      func(context.Context, map[string]string, *Output) error { panic("bad") },
			wantErr: "action test panicked: bad",
		},
		{
			name:    "nil func",
			wantErr: "action test has no implementation",
		},
		{
			name: "cancelled context skips func",
			fn: func(context.Context, map[string]string, *Output) error {
				t.Fatal("func must not run")
				return nil
			},
			cancelled: true,
			wantErr:   context.Canceled.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(2, 1, "test", map[string]string{"-msg": "hello"}, tt.fn)
			a.LastAction = true

			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancelled {
				cancel()
			} else {
				defer cancel()
			}

			assert.False(t, a.Finished())
			a.Run(ctx)

			st := a.Status()
			assert.True(t, a.Finished())
			assert.Equal(t, tt.wantSuccess, a.Successful())
			assert.Equal(t, tt.wantSuccess, st.Successful())
			assert.Equal(t, tt.wantErr, st.Error)
			assert.Equal(t, int64(1), st.JobID)
			assert.Equal(t, int64(2), st.ActionID)
			assert.True(t, st.LastAction)
			assert.False(t, st.StartTime.IsZero())
			assert.False(t, st.FinishTime.Before(st.StartTime))
			if tt.wantSuccess {
				assert.Equal(t, float32(1), st.Progress)
				assert.Equal(t, tt.wantResult, st.Result)
			} else {
				assert.Equal(t, float32(0), st.Progress)
				assert.Contains(t, st.Log, tt.wantErr)
			}
		})
	}
}

func TestSleep_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := New(1, 1, "sleep", map[string]string{"-ms": "60000"}, Sleep)

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.False(t, a.Successful())
	assert.Equal(t, context.Canceled.Error(), a.Status().Error)
}

func TestSleep_InvalidArgument(t *testing.T) {
	err := Sleep(context.Background(), map[string]string{"-ms": "soon"}, &Output{})
	assert.EqualError(t, err, `sleep: invalid -ms value "soon"`)
}

func TestFail(t *testing.T) {
	assert.EqualError(t, Fail(context.Background(), nil, nil), "fail action invoked")
	assert.EqualError(t, Fail(context.Background(), map[string]string{"-msg": "disk full"}, nil), "disk full")
}

func TestRegistry(t *testing.T) {
	r := Builtins()
	assert.Equal(t, []string{"echo", "fail", "sleep"}, r.Names())
	assert.True(t, r.Has("echo"))
	assert.False(t, r.Has("copy"))

	rec := &model.ActionRecord{ID: 7, JobID: 3, Name: "echo", Args: map[string]string{"-msg": "x"}}
	a, err := r.New(rec, true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.ID)
	assert.Equal(t, int64(3), a.JobID)
	assert.True(t, a.LastAction)

	rec.Args["-msg"] = "changed"
	assert.Equal(t, "x", a.Args["-msg"], "args are copied from the record")

	_, err = r.New(&model.ActionRecord{Name: "copy"}, false)
	var vErr *joberrors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "action", vErr.Field)
}
