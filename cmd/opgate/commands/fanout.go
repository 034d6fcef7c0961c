package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/guard"
)

// batchRequest is one entry of a fan-out file.
type batchRequest struct {
	Provider string            `yaml:"provider"`
	Service  string            `yaml:"service"`
	Verb     string            `yaml:"verb"`
	Target   string            `yaml:"target"`
	Params   map[string]string `yaml:"params"`
}

func newFanOutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanout <file|->",
		Short: "Run a batch of read-only operations in parallel",
		Long: `Run a batch of read-only operations in parallel, bounded by dispatch.concurrency.

The batch is a YAML list of requests. It is refused as a whole if any request does
not classify as read-only; one failing request does not stop the others.`,
		Example: `  # requests.yaml
  # - {provider: aws, service: s3, verb: list-buckets}
  # - {provider: kubernetes, service: pods, verb: get, params: {namespace: kube-system}}
  opgate fanout requests.yaml

  # Read the batch from stdin
  cat requests.yaml | opgate fanout -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := readBatch(args[0])
			if err != nil {
				return err
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

			ops, runErr := a.guard.FanOut(ctx, a.role, reqs)
			if err := a.session.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush session")
			}
			if ops == nil {
				return runErr
			}

			if jsonOutput {
				if err := printJSON(ops); err != nil {
					return err
				}
				return runErr
			}
			for i, op := range ops {
				if i > 0 {
					fmt.Println()
				}
				printOperation(op)
			}
			return runErr
		},
	}
	return cmd
}

func readBatch(path string) ([]guard.Request, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}

	var batch []batchRequest
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse batch: %w", err)
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}

	reqs := make([]guard.Request, 0, len(batch))
	for i, b := range batch {
		provider, err := engine.ParseProvider(b.Provider)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		reqs = append(reqs, guard.Request{
			Provider: provider,
			Service:  b.Service,
			Verb:     b.Verb,
			Target:   b.Target,
			Params:   b.Params,
		})
	}
	return reqs, nil
}
