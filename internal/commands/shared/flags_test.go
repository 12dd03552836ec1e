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
	"testing"

	"github.com/spf13/pflag"
)

func TestBindGlobalFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindGlobalFlags(fs)
	t.Cleanup(func() {
		globals.verbose = false
		globals.json = false
		globals.config = ""
	})

	if err := fs.Parse([]string{"-v", "--json", "--config", "/tmp/sj.yaml"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !Verbose() {
		t.Error("expected verbose")
	}
	if !GetJSON() {
		t.Error("expected json output")
	}
	if got := ConfigPath(); got != "/tmp/sj.yaml" {
		t.Errorf("ConfigPath() = %q, want /tmp/sj.yaml", got)
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("2.0.0", "deadbeef", "2025-06-01")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, d := GetVersion()
	if v != "2.0.0" || c != "deadbeef" || d != "2025-06-01" {
		t.Errorf("GetVersion() = %q, %q, %q", v, c, d)
	}
}
