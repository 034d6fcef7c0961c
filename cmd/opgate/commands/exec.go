package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/guard"
)

func newExecCommand() *cobra.Command {
	var (
		params        map[string]string
		dryRun        bool
		explain       string
		justification string
		requires      string
	)

	cmd := &cobra.Command{
		Use:   "exec <provider> <service> <verb> [target]",
		Short: "Submit one operation",
		Long: `Submit one operation through classification, policy, confirmation and escalation.

Read-only operations are dispatched directly. Mutating operations are presented on
the terminal and run only after an explicit "yes". Operations outside the role's
authority, or with an unknown verb, open an escalation ticket and exit with code 3.`,
		Example: `  # List buckets
  opgate exec aws s3 list-buckets

  # Create a bucket as an operator, showing the command first
  opgate exec aws s3 create-bucket my-bucket --role operator --param versioning=true

  # Present a mutation without running it
  opgate exec kubernetes deployment scale web --role operator --param replicas=3 --dry-run

  # Declare that a read depends on an earlier mutation
  opgate exec aws s3 describe-bucket logs --requires aws:s3:create-bucket:logs`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := engine.ParseProvider(args[0])
			if err != nil {
				return err
			}
			req := guard.Request{
				Provider:      provider,
				Service:       args[1],
				Verb:          args[2],
				Params:        params,
				DryRun:        dryRun,
				Explanation:   explain,
				Justification: justification,
			}
			if len(args) == 4 {
				req.Target = args[3]
			}
			if requires != "" {
				c, err := parseCapability(requires)
				if err != nil {
					return err
				}
				req.Requires = c
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{adapters: true})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to close session")
				}
			}()

			op, err := a.guard.Submit(ctx, a.role, req)
			return a.report(cmd, op, err)
		},
	}

	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "adapter parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "present a mutation for confirmation without running it")
	cmd.Flags().StringVar(&explain, "explain", "", "explanation shown to the approver")
	cmd.Flags().StringVar(&justification, "justification", "", "justification attached to an escalation ticket")
	cmd.Flags().StringVar(&requires, "requires", "", "prerequisite mutation as provider:service:verb[:target]")

	return cmd
}

// report prints a terminal operation and flushes the session so other
// invocations can see it. A dry run is a successful command.
func (a *app) report(cmd *cobra.Command, op *engine.Operation, err error) error {
	if flushErr := a.session.Flush(cmd.Context()); flushErr != nil {
		log.Warn().Err(flushErr).Msg("Failed to flush session")
	}
	if op == nil {
		return err
	}

	if jsonOutput {
		if perr := printJSON(op); perr != nil {
			return perr
		}
	} else {
		printOperation(op)
		if id := engine.TicketIDFromError(err); id != "" {
			fmt.Printf("\nAn operator can act on it with:\n  opgate tickets claim %s --role operator\n", id)
		}
	}

	if engine.IsDryRun(err) {
		return nil
	}
	return err
}

// parseCapability parses provider:service:verb[:target].
func parseCapability(s string) (*engine.Capability, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid capability %q: want provider:service:verb[:target]", s)
	}
	provider, err := engine.ParseProvider(parts[0])
	if err != nil {
		return nil, err
	}
	c := &engine.Capability{
		Kind:     engine.CapabilityPrerequisite,
		Provider: provider,
		Service:  parts[1],
		Verb:     parts[2],
	}
	if len(parts) == 4 {
		c.Target = parts[3]
	}
	if c.Verb == "" {
		return nil, fmt.Errorf("invalid capability %q: verb is empty", s)
	}
	return c, nil
}
