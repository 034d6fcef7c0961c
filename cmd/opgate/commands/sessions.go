package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opgate/opgate/pkg/config"
	"github.com/opgate/opgate/pkg/session"
	"github.com/opgate/opgate/pkg/stores"
)

// openSessionStore opens the configured SQLite store without starting a session.
func openSessionStore(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver != "sqlite" {
		return nil, fmt.Errorf("store driver %q does not keep sessions; use sqlite", cfg.Store.Driver)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded sessions",
	}
	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsShowCommand())
	return cmd
}

func newSessionsListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(sessions)
			}

			tw := newTable(os.Stdout, "ID", "ROLE", "STARTED", "CLOSED", "ENTRIES")
			for _, s := range sessions {
				closed := "-"
				if s.ClosedAt != nil {
					closed = s.ClosedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
					s.ID, s.Role, s.StartedAt.Format("2006-01-02 15:04:05"), closed, s.EntryCount)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of sessions to skip")
	return cmd
}

func newSessionsShowCommand() *cobra.Command {
	var (
		kind  string
		after uint64
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the log of a session in order",
		Long: `Print the log of a session in order.

With the journal store driver the log is read from the journal file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := sessionEntries(cmd.Context(), args[0], session.EntryKind(kind), after)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}

			for _, e := range entries {
				switch e.Kind {
				case session.EntryOperation:
					fmt.Printf("#%d %s\n", e.Seq, e.RecordedAt.Format("2006-01-02 15:04:05"))
					printOperation(e.Operation)
				case session.EntryTicket:
					fmt.Printf("#%d %s\n", e.Seq, e.RecordedAt.Format("2006-01-02 15:04:05"))
					printTicket(e.Ticket)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only entries of this kind (operation, ticket)")
	cmd.Flags().Uint64Var(&after, "after", 0, "only entries after this sequence number")
	return cmd
}

func sessionEntries(ctx context.Context, id string, kind session.EntryKind, after uint64) ([]session.Entry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Driver == "journal" {
		all, err := session.ReadJournal(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		var out []session.Entry
		for _, e := range all {
			if e.SessionID != id || e.Seq <= after || (kind != "" && e.Kind != kind) {
				continue
			}
			out = append(out, e)
		}
		return out, nil
	}

	store, err := openSessionStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListEntries(ctx, stores.EntryFilter{SessionID: id, Kind: kind, AfterSeq: after})
}
