package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opgate/opgate/pkg/classifier"
	"github.com/opgate/opgate/pkg/config"
	"github.com/opgate/opgate/pkg/engine"
)

func loadClassifier() (*classifier.Classifier, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	cls, err := classifier.New(cfg.Verbs, classifier.Options{
		DestructiveVerbs: cfg.DestructiveVerbs,
		Logger:           log.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return cls, cfg, nil
}

func newClassifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <provider> <service> <verb>",
		Short: "Show how a verb is classified",
		Long: `Show how a verb is classified without submitting anything.

Unknown verbs are never dispatched: they are escalated for an operator to classify.`,
		Example: `  opgate classify aws s3 list-buckets
  opgate classify kubernetes rollout restart`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := engine.ParseProvider(args[0])
			if err != nil {
				return err
			}
			cls, _, err := loadClassifier()
			if err != nil {
				return err
			}

			class := cls.Classify(provider, args[1], args[2])
			result := map[string]string{
				"provider":       string(provider),
				"service":        args[1],
				"verb":           args[2],
				"classification": string(class),
			}
			if class != engine.ClassUnknown {
				result["risk"] = string(cls.RiskFor(class, args[2]))
			}

			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("%s %s %s: %s", provider, args[1], args[2], class)
			if risk, ok := result["risk"]; ok {
				fmt.Printf(" (risk %s)", risk)
			}
			fmt.Println()
			return nil
		},
	}
	return cmd
}

func newVerbsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verbs [provider]",
		Short: "Print the configured verb tables",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cls, cfg, err := loadClassifier()
			if err != nil {
				return err
			}

			tables := cls.Tables()
			providers := cls.Providers()
			if len(args) == 1 {
				p, err := engine.ParseProvider(args[0])
				if err != nil {
					return err
				}
				if _, ok := tables[p]; !ok {
					return fmt.Errorf("no verb table for %s", p)
				}
				providers = []engine.Provider{p}
			}

			if jsonOutput {
				out := make(classifier.Tables, len(providers))
				for _, p := range providers {
					out[p] = tables[p]
				}
				return printJSON(out)
			}

			tw := newTable(os.Stdout, "PROVIDER", "CLASS", "VERBS")
			for _, p := range providers {
				t := tables[p]
				fmt.Fprintf(tw, "%s\tread-only\t%s\n", p, strings.Join(t.Read, " "))
				fmt.Fprintf(tw, "%s\tmutating\t%s\n", p, strings.Join(t.Write, " "))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			destructive := append([]string{}, classifier.DefaultDestructiveVerbs...)
			destructive = append(destructive, cfg.DestructiveVerbs...)
			fmt.Printf("\nDestructive: %s\n", strings.Join(destructive, " "))
			return nil
		},
	}
	return cmd
}
