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

import "github.com/spf13/pflag"

// globals holds the persistent flags every subcommand sees.
var globals struct {
	verbose bool
	json    bool
	config  string
}

// buildInfo identifies the running binary.
type buildInfo struct {
	Version string
	Commit  string
	Date    string
}

var build = buildInfo{Version: "dev", Commit: "unknown", Date: "unknown"}

// BindGlobalFlags adds --verbose, --json and --config to fs.
func BindGlobalFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&globals.verbose, "verbose", "v", false, "Log at debug level")
	fs.BoolVar(&globals.json, "json", false, "Output in JSON format")
	fs.StringVar(&globals.config, "config", "", "Path to config file (default: ~/.config/smartjobs/config.yaml)")
}

// SetVersion records the values stamped into main at link time.
func SetVersion(v, c, b string) {
	build = buildInfo{Version: v, Commit: c, Date: b}
}

// GetVersion reports version, commit and build date.
func GetVersion() (string, string, string) {
	return build.Version, build.Commit, build.Date
}

// Verbose reports whether --verbose was passed.
func Verbose() bool {
	return globals.verbose
}

// GetJSON reports whether command output should be JSON.
func GetJSON() bool {
	return globals.json
}

// ConfigPath is the --config value, empty when unset.
func ConfigPath() string {
	return globals.config
}

// SetConfigPathForTest overrides --config.
func SetConfigPathForTest(path string) {
	globals.config = path
}

// SetJSONForTest overrides --json.
func SetJSONForTest(v bool) {
	globals.json = v
}
