package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func invalidateCmd() *cobra.Command {
	var resetAll bool

	cmd := &cobra.Command{
		Use:   "invalidate [skill-path]",
		Short: "Evict one cached skill, or every cached skill with --all",
		Args:  cobra.MaximumNArgs(1),
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

			if resetAll {
				if err := sb.exec.ResetCache(); err != nil {
					return fmt.Errorf("reset cache: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "skill cache cleared")
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("invalidate requires a skill path, or --all")
			}
			if err := sb.exec.InvalidateSkill(args[0]); err != nil {
				return fmt.Errorf("invalidate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetAll, "all", false, "clear the entire skill cache")
	return cmd
}
