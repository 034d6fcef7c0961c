package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opgate/opgate/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	roleName   string
	actorName  string
)

// Execute runs the root command. args replace os.Args[1:] when given.
func Execute(ctx context.Context, version, commit, buildDate string, args ...string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	if args != nil {
		rootCmd.SetArgs(args)
	}
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.IsEscalation(err):
		return 3
	case engine.IsDenied(err), engine.IsExpired(err), engine.IsUnauthorized(err):
		return 2
	case engine.IsAdapterError(err):
		return 4
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opgate",
		Short: "opgate - authorization gate for infrastructure operations",
		Long: `opgate sits between a requester and cloud or cluster backends and decides
whether each requested operation may run.

Every operation is:
  - Classified as read-only, mutating or unknown from configured verb tables
  - Checked against guardrail policies (Rego)
  - Confirmed by an operator before any mutation is dispatched
  - Escalated to an operator when it is beyond the requester's role
  - Recorded exactly once in an append-only session log`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "opgate.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&roleName, "role", string(engine.ReadOnlyRole), "role of the requester (read-only or operator)")
	rootCmd.PersistentFlags().StringVar(&actorName, "actor", defaultActor(), "name recorded for approvals and ticket actions")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newClassifyCommand())
	rootCmd.AddCommand(newVerbsCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newFanOutCommand())
	rootCmd.AddCommand(newTicketsCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
