package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opgate/opgate/pkg/config"
	"github.com/opgate/opgate/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the active guardrail policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.Policy.Enabled {
				fmt.Println("Policies are disabled")
				return nil
			}

			engine, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := engine.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
					return err
				}
			}

			policies := engine.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}
			tw := newTable(os.Stdout, "NAME", "SEVERITY", "SOURCE", "ENABLED", "DESCRIPTION")
			for _, p := range policies {
				source := "file"
				if p.Builtin {
					source = "built-in"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
					p.Name, p.Severity, source, p.Enabled, strings.TrimSpace(p.Description))
			}
			return tw.Flush()
		},
	}
	return cmd
}
