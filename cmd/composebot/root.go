// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/composebot/composebot/internal/xdg"
)

// serviceName tags every log record and span.
const serviceName = "composebot"

// NewRootCmd creates the root command for the ComposeBot CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "composebot",
		Short: "ComposeBot - a chat bot built from sandboxed WebAssembly plugins",
		Long: `ComposeBot runs untrusted WebAssembly plugins against a chat platform.
Each plugin gets only the host functions its operator granted.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path (default: $XDG_CONFIG_HOME/composebot/config.yaml if present)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// configPath returns --config, or the XDG config file when the flag is
// unset and that file exists.
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return xdg.DefaultConfigFile()
}
