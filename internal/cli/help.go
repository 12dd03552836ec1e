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
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/smartjobs/internal/commands/shared"
)

// CommandMetadata describes a command in JSON help output.
type CommandMetadata struct {
	Name        string         `json:"name"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Flags       []FlagMetadata `json:"flags,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
}

// FlagMetadata describes a flag
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
}

// HelpResponse is the JSON response for the help command
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Command     *CommandMetadata  `json:"command,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
}

// NewHelpCommand creates a help command that also answers in JSON when
// --json is set.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help provides detailed information about commands and their usage.

Run 'smartjobs help <command>' to see help for a specific command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if !shared.GetJSON() {
					return rootCmd.Help()
				}
				var commands []CommandMetadata
				for _, c := range rootCmd.Commands() {
					if !c.Hidden {
						commands = append(commands, commandMetadata(c))
					}
				}
				return shared.EmitJSON(cmd.OutOrStdout(), HelpResponse{
					JSONResponse: shared.NewJSONResponse("help", true),
					Commands:     commands,
					GlobalFlags:  flagMetadata(rootCmd.PersistentFlags()),
				})
			}

			target, _, err := rootCmd.Find(args)
			if err != nil || target == rootCmd {
				return shared.NewInvalidInputError(fmt.Sprintf("command %q not found", args[0]), nil)
			}
			if !shared.GetJSON() {
				return target.Help()
			}
			meta := commandMetadata(target)
			return shared.EmitJSON(cmd.OutOrStdout(), HelpResponse{
				JSONResponse: shared.NewJSONResponse("help "+target.Name(), true),
				Command:      &meta,
				GlobalFlags:  flagMetadata(rootCmd.PersistentFlags()),
			})
		},
	}
}

func commandMetadata(cmd *cobra.Command) CommandMetadata {
	meta := CommandMetadata{
		Name:  cmd.Name(),
		Short: cmd.Short,
		Long:  cmd.Long,
		Usage: cmd.UseLine(),
		Flags: flagMetadata(cmd.LocalNonPersistentFlags()),
	}
	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			meta.Subcommands = append(meta.Subcommands, sub.Name())
		}
	}
	return meta
}

func flagMetadata(fs *pflag.FlagSet) []FlagMetadata {
	var flags []FlagMetadata
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		flags = append(flags, FlagMetadata{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Usage:     f.Usage,
			Default:   f.DefValue,
		})
	})
	return flags
}
