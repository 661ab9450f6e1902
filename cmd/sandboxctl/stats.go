package main

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report rate limiter health",
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

			s := sb.exec.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "global concurrent:      %s\n", humanize.Comma(int64(s.GlobalConcurrent)))
			fmt.Fprintf(cmd.OutOrStdout(), "global window size:     %s\n", humanize.Comma(int64(s.GlobalWindowSize)))
			fmt.Fprintf(cmd.OutOrStdout(), "tracked requesters:     %s\n", humanize.Comma(int64(s.TrackedRequesters)))
			fmt.Fprintf(cmd.OutOrStdout(), "requesters in cooldown: %s\n", humanize.Comma(int64(s.RequestersInCooldown)))
			return nil
		},
	}
}
