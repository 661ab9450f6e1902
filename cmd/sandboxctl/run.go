package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/behrlich/capsule/internal/executor"
	"github.com/behrlich/capsule/internal/trust"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var provenance string
	var requester string
	var channel string
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "run <skill-path>",
		Short: "Execute a skill through the capability sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := slog.Default()

			sb, err := buildSandbox(cfg, log)
			if err != nil {
				return err
			}
			defer sb.close()

			prov, ok := parseProvenance(provenance)
			if !ok {
				return fmt.Errorf("unrecognized provenance %q", provenance)
			}

			var skillArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &skillArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			res := sb.exec.Execute(context.Background(), executor.Request{
				SkillPath:          args[0],
				Provenance:         prov,
				Requester:          requester,
				Channel:            channel,
				JailRoot:           sb.jailRoot,
				AllowedHosts:       sb.allowedHosts,
				Predict:            sb.predict,
				ExtraShellCommands: sb.extraShellCommands,
				Args:               skillArgs,
			})

			if !res.Success {
				return fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message)
			}
			fmt.Println(res.Output)
			fmt.Fprintf(cmd.OutOrStdout(), "fuel used: %d, duration: %s\n", res.FuelUsed, res.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&provenance, "provenance", "dm", "skill provenance: main, dm, group, public")
	cmd.Flags().StringVar(&requester, "requester", "", "requester identity for rate limiting")
	cmd.Flags().StringVar(&channel, "channel", "", "originating channel, if any")
	cmd.Flags().StringVar(&argsJSON, "args", "", "skill input arguments as a JSON object")
	return cmd
}

func parseProvenance(s string) (trust.Provenance, bool) {
	switch trust.Provenance(s) {
	case trust.ProvenanceMain, trust.ProvenanceDM, trust.ProvenanceGroup, trust.ProvenancePublic:
		return trust.Provenance(s), true
	default:
		return "", false
	}
}
