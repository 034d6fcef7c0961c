package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opgate/opgate/pkg/config"
	"github.com/opgate/opgate/pkg/escalation"
	"github.com/opgate/opgate/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, policies and prerequisite rules",
		Long: `Validate the configuration file and compile everything it references:
verb tables, Rego policies and Starlark prerequisite rules.`,
		Example: `  opgate validate --config /etc/opgate/opgate.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Configuration: %s\n", configPath)

			if cfg.Policy.Enabled {
				engine, err := policy.NewEngine(log.Logger)
				if err != nil {
					return err
				}
				if len(cfg.Policy.Paths) > 0 {
					if err := engine.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
						return err
					}
				}
				fmt.Printf("✓ Policies: %d\n", len(engine.ListPolicies()))
			}

			if dir := cfg.Escalation.RulesDir; dir != "" {
				rules := escalation.NewRuleSet(cfg.Escalation.RuleTimeout, log.Logger)
				if err := rules.LoadDir(dir); err != nil {
					return err
				}
				fmt.Printf("✓ Prerequisite rules: %d\n", rules.Len())
			}
			return nil
		},
	}
	return cmd
}
