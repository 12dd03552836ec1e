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

/*
Package cli provides the root command for the smartjobs CLI.

The root command owns the global flags and version information. Individual
commands are implemented in the internal/commands subpackages:

	smartjobs
	├── serve         Run the job engine
	├── submit        Submit a job
	├── jobs          Inspect stored jobs (list, get, delete)
	├── version       Show version
	└── help          Show help

From main.go:

	cli.SetVersion(version, commit, date)
	if err := cli.NewRootCommand().Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

	--verbose, -v    Log at debug level
	--json           Output in JSON format
	--config         Path to config file

# Exit Codes

	0  success
	1  execution failed
	2  invalid input or configuration
	3  the job failed
	4  job not found
	5  timed out waiting for a job
*/
package cli
