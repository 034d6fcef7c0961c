package escalation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/opgate/opgate/pkg/engine"
)

// Detector decides whether a read-only operation needs a prerequisite mutation.
type Detector interface {
	// Requires returns the prerequisite capability and a justification, or nil
	// if the operation can run as is.
	Requires(ctx context.Context, op *engine.Operation) (*engine.Capability, string, error)
}

// Rule is one compiled prerequisite rule script.
//
// A script defines requires(op). op has the fields provider, service, verb,
// target and params. The function returns None when nothing is needed, or a dict
// with verb (required), service, target, provider, params, description and
// justification. target and provider default to those of op.
type Rule struct {
	Name     string
	requires starlark.Callable
}

// RuleSet evaluates prerequisite rules in name order. The first rule that returns
// a capability wins.
type RuleSet struct {
	rules   []*Rule
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRuleSet creates an empty rule set. A zero timeout defaults to 5 seconds.
func NewRuleSet(timeout time.Duration, logger zerolog.Logger) *RuleSet {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &RuleSet{
		timeout: timeout,
		logger:  logger.With().Str("component", "escalation_rules").Logger(),
	}
}

// LoadDir compiles every .star file in dir.
func (rs *RuleSet) LoadDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return fmt.Errorf("failed to list rules in %s: %w", dir, err)
	}
	sort.Strings(files)

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read rule %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".star")
		if err := rs.Add(name, string(data)); err != nil {
			return err
		}
	}

	rs.logger.Info().Int("rules", len(files)).Str("dir", dir).Msg("Prerequisite rules loaded")
	return nil
}

// Add compiles a rule script. The script is executed once; its globals are frozen
// so requires may be called from several goroutines.
func (rs *RuleSet) Add(name, script string) error {
	thread := newThread(name)
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, name+".star", script, predeclared)
	if err != nil {
		return fmt.Errorf("failed to compile rule %s: %w", name, err)
	}
	globals.Freeze()

	fn, ok := globals["requires"].(starlark.Callable)
	if !ok {
		return fmt.Errorf("rule %s must define requires(op)", name)
	}

	rs.rules = append(rs.rules, &Rule{Name: name, requires: fn})
	sort.Slice(rs.rules, func(i, j int) bool { return rs.rules[i].Name < rs.rules[j].Name })
	return nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Requires implements Detector.
func (rs *RuleSet) Requires(ctx context.Context, op *engine.Operation) (*engine.Capability, string, error) {
	for _, rule := range rs.rules {
		capability, justification, err := rs.evaluate(ctx, rule, op)
		if err != nil {
			return nil, "", err
		}
		if capability != nil {
			rs.logger.Debug().
				Str("rule", rule.Name).
				Str("operation_id", op.ID).
				Str("capability", capability.String()).
				Msg("Prerequisite detected")
			return capability, justification, nil
		}
	}
	return nil, "", nil
}

func (rs *RuleSet) evaluate(ctx context.Context, rule *Rule, op *engine.Operation) (*engine.Capability, string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()

	type outcome struct {
		value starlark.Value
		err   error
	}
	results := make(chan outcome, 1)
	thread := newThread(rule.Name)

	go func() {
		v, err := starlark.Call(thread, rule.requires, starlark.Tuple{operationValue(op)}, nil)
		results <- outcome{value: v, err: err}
	}()

	var res outcome
	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		<-results
		return nil, "", fmt.Errorf("rule %s: execution timeout after %v", rule.Name, rs.timeout)
	case res = <-results:
	}
	if res.err != nil {
		return nil, "", fmt.Errorf("rule %s failed: %w", rule.Name, res.err)
	}
	if res.value == starlark.None {
		return nil, "", nil
	}

	raw, err := fromStarlarkValue(res.value)
	if err != nil {
		return nil, "", fmt.Errorf("rule %s returned %s: %w", rule.Name, res.value.Type(), err)
	}
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return nil, "", fmt.Errorf("rule %s must return None or a dict, got %s", rule.Name, res.value.Type())
	}
	return capabilityFromFields(rule.Name, op, fields)
}

func capabilityFromFields(rule string, op *engine.Operation, fields map[string]interface{}) (*engine.Capability, string, error) {
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}

	capability := &engine.Capability{
		Kind:        engine.CapabilityPrerequisite,
		Provider:    op.Provider,
		Service:     str("service"),
		Verb:        str("verb"),
		Target:      op.Target,
		Description: str("description"),
	}
	if p := str("provider"); p != "" {
		provider, err := engine.ParseProvider(p)
		if err != nil {
			return nil, "", fmt.Errorf("rule %s: %w", rule, err)
		}
		capability.Provider = provider
	}
	if t := str("target"); t != "" {
		capability.Target = t
	}
	if capability.Verb == "" {
		return nil, "", fmt.Errorf("rule %s: returned capability without verb", rule)
	}
	if params, ok := fields["params"].(map[string]interface{}); ok {
		capability.Params = make(map[string]string, len(params))
		for k, v := range params {
			capability.Params[k] = fmt.Sprint(v)
		}
	}

	justification := str("justification")
	if justification == "" {
		justification = fmt.Sprintf("%s %s on %s requires %s first", op.Verb, op.Service, op.Target, capability.String())
	}
	return capability, justification, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: "opgate/" + name,
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}
}

func operationValue(op *engine.Operation) starlark.Value {
	params := starlark.NewDict(len(op.Params))
	for _, k := range op.SortedParamKeys() {
		_ = params.SetKey(starlark.String(k), starlark.String(op.Params[k]))
	}
	return starlarkstruct.FromStringDict(starlark.String("operation"), starlark.StringDict{
		"id":       starlark.String(op.ID),
		"provider": starlark.String(string(op.Provider)),
		"service":  starlark.String(op.Service),
		"verb":     starlark.String(op.Verb),
		"target":   starlark.String(op.Target),
		"params":   params,
	})
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// StaticDetector returns fixed prerequisites keyed by provider and verb.
type StaticDetector map[string]engine.Capability

// Requires implements Detector. Keys are "provider/verb".
func (s StaticDetector) Requires(_ context.Context, op *engine.Operation) (*engine.Capability, string, error) {
	c, ok := s[string(op.Provider)+"/"+strings.ToLower(op.Verb)]
	if !ok {
		return nil, "", nil
	}
	c = c.Clone()
	if c.Target == "" {
		c.Target = op.Target
	}
	if c.Kind == "" {
		c.Kind = engine.CapabilityPrerequisite
	}
	return &c, fmt.Sprintf("%s requires %s first", op.Verb, c.String()), nil
}
