package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func resetCooldownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cooldown <requester>",
		Short: "Clear a requester's rate-limit cooldown immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sb, err := buildSandbox(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer sb.close()

			sb.exec.ClearCooldown(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "cooldown cleared for %s\n", args[0])
			return nil
		},
	}
}
