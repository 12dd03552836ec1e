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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/smartjobs/internal/commands/shared"
)

// SetVersion records build info for the version command.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command and its global flags.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smartjobs",
		Short: "smartjobs - a persistent job engine",
		Long: `smartjobs runs jobs made of sequential actions, tracks their state in
memory and writes it back to a durable store.

Run 'smartjobs serve' to start the engine.
Run 'smartjobs submit "echo -msg hello"' to run a job.`,
		SilenceUsage:  true,
		SilenceErrors: true, // HandleExitError prints errors and sets the exit code
	}

	shared.BindGlobalFlags(cmd.PersistentFlags())

	return cmd
}

// GetVersion reports version, commit and build date.
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError prints err and exits with its exit code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
