// Package cli implements provider adapters that drive a command line tool:
// az for azure, kubectl for kubernetes and terraform for terraform. Commands run
// locally or, through an SSHRunner, on a remote host.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/engine"
)

// ArgBuilder turns an operation into the tool's argv, binary first.
type ArgBuilder func(op *engine.Operation) ([]string, error)

// Adapter runs one provider's operations through its command line tool.
type Adapter struct {
	provider engine.Provider
	build    ArgBuilder
	runner   Runner
	logger   zerolog.Logger
}

// New creates an adapter for provider. A nil runner runs locally.
func New(provider engine.Provider, build ArgBuilder, runner Runner, logger zerolog.Logger) *Adapter {
	if runner == nil {
		runner = &LocalRunner{}
	}
	return &Adapter{
		provider: provider,
		build:    build,
		runner:   runner,
		logger:   logger.With().Str("provider", string(provider)).Logger(),
	}
}

// Execute implements engine.Adapter.
func (a *Adapter) Execute(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
	argv, err := a.build(op)
	if err != nil {
		return nil, engine.NewAdapterError(engine.ErrCodeUnsupported, err.Error(), nil).WithTarget(op.TargetKey())
	}

	start := time.Now()
	a.logger.Debug().
		Str("operation_id", op.ID).
		Str("command", engine.QuoteCommand(argv...)).
		Msg("Running provider command")

	out, err := a.runner.Run(ctx, argv)
	if err != nil {
		return nil, runError(argv[0], err)
	}
	if out.ExitCode != 0 {
		a.logger.Debug().
			Str("operation_id", op.ID).
			Int("exit_code", out.ExitCode).
			Str("stderr", out.Stderr).
			Msg("Provider command failed")
		return nil, exitError(argv[0], out)
	}

	res := parseOutput(out.Stdout)
	res.Summary = fmt.Sprintf("%s %s completed", argv[0], op.Verb)
	if op.Target != "" {
		res.Summary = fmt.Sprintf("%s %s %s completed", argv[0], op.Verb, op.Target)
	}
	res.Duration = time.Since(start)
	return res, nil
}

// Render implements engine.CommandRenderer. Remote runners wrap the command in ssh.
func (a *Adapter) Render(op *engine.Operation) []string {
	argv, err := a.build(op)
	if err != nil {
		return []string{engine.DefaultCommand(op)}
	}
	cmd := engine.QuoteCommand(argv...)
	if r, ok := a.runner.(interface{ Destination() string }); ok {
		cmd = engine.QuoteCommand("ssh", r.Destination(), cmd)
	}
	return []string{cmd}
}

// parseOutput keeps JSON output structured: objects become Data, arrays of
// objects become Items. Anything else is kept as text.
func parseOutput(stdout string) *engine.Result {
	res := &engine.Result{}
	if stdout == "" {
		return res
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(stdout), &obj); err == nil {
		// kubectl wraps lists in {"kind": "...List", "items": [...]}.
		if raw, ok := obj["items"].([]interface{}); ok {
			if items, ok := objects(raw); ok {
				res.Items = items
				return res
			}
		}
		res.Data = obj
		return res
	}

	var arr []interface{}
	if err := json.Unmarshal([]byte(stdout), &arr); err == nil {
		if items, ok := objects(arr); ok {
			res.Items = items
			return res
		}
	}

	res.Data = map[string]interface{}{"output": stdout}
	return res
}

func objects(raw []interface{}) ([]map[string]interface{}, bool) {
	items := make([]map[string]interface{}, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		items = append(items, m)
	}
	return items, true
}
