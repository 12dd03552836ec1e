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

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/smartjobs/internal/engine/model"
)

type speculating struct {
	Base
	answer bool
}

func (s speculating) IsSuccessfulBySpeculation(*model.ActionRecord) bool { return s.answer }

func TestSet_Speculate(t *testing.T) {
	tests := []struct {
		name    string
		answers []bool
		want    bool
	}{
		{"no schedulers", nil, false},
		{"single false", []bool{false}, false},
		{"single true", []bool{true}, true},
		{"any true wins", []bool{false, true, false}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewSet()
			for _, a := range tt.answers {
				set.Add(speculating{Base: Base{Names: []string{"copy"}}, answer: a})
			}
			set.Add(speculating{Base: Base{Names: []string{"other"}}, answer: true})

			assert.Equal(t, tt.want, set.Speculate(&model.ActionRecord{Name: "copy"}))
		})
	}
}

func TestSet_For(t *testing.T) {
	a := Base{Names: []string{"copy", "sync"}}
	b := Base{Names: []string{"sync"}}
	set := NewSet(a, b)

	assert.Len(t, set.For("copy"), 1)
	assert.Len(t, set.For("sync"), 2)
	assert.Empty(t, set.For("echo"))

	var nilSet *Set
	assert.Empty(t, nilSet.For("copy"))
}

func TestBase_Defaults(t *testing.T) {
	var b Base
	assert.NoError(t, b.OnSubmit(nil, nil, 0))
	assert.Equal(t, ResultSuccess, b.OnSchedule(nil, nil))
	assert.False(t, b.IsSuccessfulBySpeculation(nil))
	assert.Equal(t, "retry", ResultRetry.String())
}
