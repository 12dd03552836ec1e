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

package tracker

import (
	"testing"

	"github.com/tombee/smartjobs/internal/engine/descriptor"
)

func mustParse(t *testing.T, text string, ruleID int64) *descriptor.JobDescriptor {
	t.Helper()
	d, err := descriptor.Parse(text)
	if err != nil {
		t.Fatalf("parse %q: %v", text, err)
	}
	d.SetRuleID(ruleID)
	return d
}

func TestTracker(t *testing.T) {
	tr := New()
	d := mustParse(t, "echo -msg a", 1)

	if tr.Contains(d) {
		t.Fatal("empty tracker should not contain descriptor")
	}

	tr.Track(10, d)
	if !tr.Contains(mustParse(t, "echo -msg a", 1)) {
		t.Error("equal descriptor should be tracked")
	}
	if tr.Contains(mustParse(t, "echo -msg a", 2)) {
		t.Error("descriptor of another rule should not match")
	}
	if tr.Contains(mustParse(t, "echo -msg b", 1)) {
		t.Error("descriptor with other text should not match")
	}

	tr.StopTracking(10)
	if tr.Contains(d) {
		t.Error("descriptor should be forgotten after StopTracking")
	}
	if tr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tr.Len())
	}

	tr.StopTracking(999)
}

func TestTracker_RetrackReplacesKey(t *testing.T) {
	tr := New()
	a := mustParse(t, "echo -msg a", 1)
	b := mustParse(t, "echo -msg b", 1)

	tr.Track(1, a)
	tr.Track(1, b)

	if tr.Contains(a) {
		t.Error("old key should be replaced")
	}
	if !tr.Contains(b) {
		t.Error("new key should be tracked")
	}
}

func TestTracker_StopOlderIDKeepsNewer(t *testing.T) {
	tr := New()
	d := mustParse(t, "echo -msg a", 1)

	tr.Track(1, d)
	tr.Track(2, d)
	tr.StopTracking(1)

	if !tr.Contains(d) {
		t.Error("job 2 still tracks the descriptor")
	}
}
