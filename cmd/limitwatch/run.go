package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"limitwatch/internal/app"
	"limitwatch/internal/command"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	var force bool

	runCmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Execute one monitoring command and exit",
		Long: "Execute a single monitoring command synchronously and print the result as JSON.\n\nCommands: " +
			joinCommands(),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := command.Parse(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}

			res, err := a.RunOnce(ctx, c, force)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("command failed: %s", res.Detail)
			}
			return nil
		},
	}

	runCmd.Flags().BoolVarP(&force, "force", "f", false, "notify even when no state change is detected")
	return runCmd
}

func joinCommands() string {
	all := command.All()
	parts := make([]string, len(all))
	for i, c := range all {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
