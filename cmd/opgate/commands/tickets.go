package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/escalation"
)

func newTicketsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Work on escalation tickets",
		Long: `Work on escalation tickets.

A ticket moves open -> handed_off -> resolved | rejected. Only the operator role
may claim, resolve or reject it. Resolving requires the id of the recorded
operation that performed the required capability.`,
	}

	cmd.AddCommand(newTicketsListCommand())
	cmd.AddCommand(newTicketsShowCommand())
	cmd.AddCommand(newTicketsClaimCommand())
	cmd.AddCommand(newTicketsResolveCommand())
	cmd.AddCommand(newTicketsRejectCommand())
	cmd.AddCommand(newTicketsResubmitCommand())
	return cmd
}

// withApp opens the app, runs fn and closes the app.
func withApp(cmd *cobra.Command, opts appOptions, fn func(a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to close session")
		}
	}()
	return fn(a)
}

func newTicketsListCommand() *cobra.Command {
	var status, kind string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		Example: `  opgate tickets list --status open
  opgate tickets list --kind disambiguate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := escalation.Filter{
				Status: engine.TicketStatus(status),
				Kind:   engine.CapabilityKind(kind),
			}
			if status != "" {
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}
			if kind != "" {
				if err := filter.Kind.Validate(); err != nil {
					return err
				}
			}

			return withApp(cmd, appOptions{}, func(a *app) error {
				tickets := a.coordinator.List(filter)
				if jsonOutput {
					return printJSON(tickets)
				}
				if len(tickets) == 0 {
					fmt.Println("No tickets")
					return nil
				}
				tw := newTable(os.Stdout, "ID", "STATUS", "KIND", "REQUIRES", "CREATED")
				for _, t := range tickets {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.Status, t.RequiredCapability.Kind, t.RequiredCapability,
						t.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, handed_off, resolved, rejected)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (prerequisite, handoff, disambiguate)")
	return cmd
}

func newTicketsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(a *app) error {
				t, ok := a.coordinator.Get(args[0])
				if !ok {
					return engine.NewInvalidRequestError(fmt.Sprintf("ticket %s not found", args[0]), nil)
				}
				if jsonOutput {
					return printJSON(t)
				}
				printTicket(t)
				return nil
			})
		},
	}
}

func newTicketsClaimCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "claim <ticket-id>",
		Short:   "Hand an open ticket off to yourself",
		Example: `  opgate tickets claim 6f1c... --role operator --actor alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(a *app) error {
				t, err := a.coordinator.Claim(cmd.Context(), args[0], a.role, a.actor)
				if err != nil {
					return err
				}
				a.audit(cmd.Context(), "ticket.claimed", t.ID, nil)
				return a.showTicket(t)
			})
		},
	}
}

func newTicketsResolveCommand() *cobra.Command {
	var (
		operationID string
		verdict     string
	)

	cmd := &cobra.Command{
		Use:   "resolve <ticket-id>",
		Short: "Resolve a handed-off ticket",
		Long: `Resolve a handed-off ticket.

Prerequisite and hand-off tickets need --operation: the id of a succeeded
operation that performed the required capability. Disambiguation tickets need
--verdict, which also teaches the classifier for later requests.`,
		Example: `  # The operator created the bucket the ticket asked for
  opgate tickets resolve 6f1c... --operation 9a2e... --role operator

  # Classify an unknown verb
  opgate tickets resolve 71bd... --verdict read-only --role operator`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			completion := escalation.Completion{OperationID: operationID}
			if verdict != "" {
				class, err := engine.ParseClassification(verdict)
				if err != nil {
					return err
				}
				completion.Verdict = class
			}

			return withApp(cmd, appOptions{}, func(a *app) error {
				completion.Actor = a.actor
				t, err := a.coordinator.Resolve(cmd.Context(), args[0], a.role, completion)
				if err != nil {
					return err
				}
				a.audit(cmd.Context(), "ticket.resolved", t.ID, map[string]interface{}{
					"operation_id": t.ResolvedBy,
					"verdict":      string(t.Verdict),
				})
				return a.showTicket(t)
			})
		},
	}

	cmd.Flags().StringVar(&operationID, "operation", "", "operation that performed the required capability")
	cmd.Flags().StringVar(&verdict, "verdict", "", "classification for a disambiguation ticket (read-only or mutating)")
	return cmd
}

func newTicketsRejectCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:     "reject <ticket-id>",
		Short:   "Reject a ticket",
		Example: `  opgate tickets reject 6f1c... --reason "not during the freeze" --role operator`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(a *app) error {
				t, err := a.coordinator.Reject(cmd.Context(), args[0], a.role, a.actor, reason)
				if err != nil {
					return err
				}
				a.audit(cmd.Context(), "ticket.rejected", t.ID, map[string]interface{}{"reason": reason})
				return a.showTicket(t)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the requester")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newTicketsResubmitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <ticket-id>",
		Short: "Retry the original request of a resolved ticket",
		Long: `Retry the original request of a resolved prerequisite or disambiguation ticket
as a new operation. The original operation stays in the log unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{adapters: true}, func(a *app) error {
				op, err := a.guard.Resubmit(cmd.Context(), args[0])
				return a.report(cmd, op, err)
			})
		},
	}
}

func (a *app) showTicket(t *engine.Ticket) error {
	if jsonOutput {
		return printJSON(t)
	}
	printTicket(t)
	return nil
}
