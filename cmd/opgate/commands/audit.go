package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	var (
		action string
		actor  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Long:  `Show the audit trail of ticket actions, closed sessions and configuration reloads.`,
		Example: `  opgate audit --action ticket.resolved
  opgate audit --by alice --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if actor != "" {
				actorFilter = &actor
			}

			entries, err := store.ListAuditEntries(cmd.Context(), actionFilter, actorFilter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}

			tw := newTable(os.Stdout, "TIME", "ACTION", "ACTOR", "TARGET", "DETAILS")
			for _, e := range entries {
				target, details := "-", ""
				if e.TargetID != nil {
					target = *e.TargetID
				}
				if e.Details != nil {
					details = *e.Details
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, target, details)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&actor, "by", "", "filter by actor")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	return cmd
}
