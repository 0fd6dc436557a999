// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/holologin/internal/config"
)

// NewRootCmd creates the root command for the holologin CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holologin",
		Short: "holologin - a login gate for text game servers",
		Long: `holologin holds every new connection in an authentication state until
the player proves ownership of their name, registers it on first contact, or
is disconnected when the grace period runs out.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHashCmd())
	cmd.AddCommand(NewAccountCmd())

	return cmd
}

// loadConfig builds the configuration from the command's flags and the
// file named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err //nolint:wrapcheck // flag registered by config.RegisterFlags
	}
	return config.Load(path, cmd.Flags())
}
