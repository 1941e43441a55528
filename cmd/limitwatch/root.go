package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "limitwatch",
		Short:         "Rate-limit monitor for relay accounts with Feishu notifications",
		Long:          "limitwatch polls a relay admin API for account rate-limit status, detects limit transitions, and pushes Feishu cards. It also serves the Feishu callback endpoint (verification handshake + card buttons).",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")

	rootCmd.AddCommand(
		newServeCmd(&cfgPath),
		newRunCmd(&cfgPath),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
