// Command sandboxctl is the operator-facing front door onto the
// capability sandbox: run a skill against a host filesystem/shell/fetch/LLM
// context, inspect rate-limit health, and perform the administrative
// operations that are otherwise only reachable in-process. Structured
// after the teacher's wt CLI — one subcommand per file, each returning a
// *cobra.Command registered onto the root in main.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "sandboxctl",
		Short: "sandboxctl — run and administer capability-sandboxed skills",
		Long:  "Executes skills under capability-based trust policy and reports on the rate limiter and skill cache backing that policy.",
	}

	root.AddCommand(
		runCmd(),
		statsCmd(),
		resetCooldownCmd(),
		invalidateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
