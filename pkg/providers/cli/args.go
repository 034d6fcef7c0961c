package cli

import (
	"fmt"
	"strings"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/providers"
)

// KubernetesConfig configures the kubectl argv builder.
type KubernetesConfig struct {
	Binary    string
	Context   string
	Namespace string
}

// kubectlGroups are kubectl subcommands that take a verb of their own
// ("rollout restart", "auth can-i").
var kubectlGroups = map[string]bool{
	"rollout":     true,
	"auth":        true,
	"config":      true,
	"certificate": true,
}

// Kubectl builds "kubectl [--context c] <verb> [<resource>] [<name>] [-n ns] [--flag value]...".
// A service that names a command group is placed before the verb instead.
// "get" output is requested as JSON.
func Kubectl(cfg KubernetesConfig) ArgBuilder {
	binary := orDefault(cfg.Binary, "kubectl")
	return func(op *engine.Operation) ([]string, error) {
		verb := strings.ToLower(strings.TrimSpace(op.Verb))
		if verb == "" {
			return nil, fmt.Errorf("kubectl verb is empty")
		}
		service := strings.ToLower(strings.TrimSpace(op.Service))

		argv := []string{binary}
		if cfg.Context != "" {
			argv = append(argv, "--context", cfg.Context)
		}
		if kubectlGroups[service] {
			argv = append(argv, service, verb)
		} else {
			argv = append(argv, verb)
			if service != "" {
				argv = append(argv, service)
			}
		}
		if op.Target != "" {
			argv = append(argv, op.Target)
		}

		if ns := providers.Param(op, "namespace", cfg.Namespace); ns != "" && !clusterScoped(service) {
			argv = append(argv, "--namespace", ns)
		}
		argv = append(argv, flags(op, "--", "namespace", "output")...)

		if verb == "get" {
			argv = append(argv, "--output", "json")
		} else if o := providers.Param(op, "output", ""); o != "" {
			argv = append(argv, "--output", o)
		}
		return argv, nil
	}
}

func clusterScoped(service string) bool {
	switch service {
	case "nodes", "node", "namespaces", "namespace", "ns", "clusterroles", "clusterrolebindings",
		"persistentvolumes", "pv", "storageclasses", "crd", "customresourcedefinitions", "config":
		return true
	}
	return false
}

// AzureConfig configures the az argv builder.
type AzureConfig struct {
	Binary         string
	SubscriptionID string
}

// Az builds "az <service words> <verb> [--name target] [--flag value]... [--subscription s] --output json".
func Az(cfg AzureConfig) ArgBuilder {
	binary := orDefault(cfg.Binary, "az")
	return func(op *engine.Operation) ([]string, error) {
		verb := strings.ToLower(strings.TrimSpace(op.Verb))
		service := strings.Fields(strings.ToLower(op.Service))
		if verb == "" || len(service) == 0 {
			return nil, fmt.Errorf("az requires a service and a verb")
		}

		argv := append([]string{binary}, service...)
		argv = append(argv, verb)
		if op.Target != "" {
			argv = append(argv, "--name", op.Target)
		}
		argv = append(argv, flags(op, "--", "subscription", "output")...)
		if sub := providers.Param(op, "subscription", cfg.SubscriptionID); sub != "" {
			argv = append(argv, "--subscription", sub)
		}
		return append(argv, "--output", "json"), nil
	}
}

// TerraformConfig configures the terraform argv builder.
type TerraformConfig struct {
	Binary string

	// Dir is the root module passed as -chdir.
	Dir string
}

// Terraform builds "terraform -chdir=<dir> [<service>] <verb> ...". For plan,
// apply and destroy the target becomes -target=<address> and parameters become
// -var assignments; other commands take the target as an argument.
// apply and destroy run with -auto-approve: approval has already been given.
func Terraform(cfg TerraformConfig) ArgBuilder {
	binary := orDefault(cfg.Binary, "terraform")
	return func(op *engine.Operation) ([]string, error) {
		verb := strings.ToLower(strings.TrimSpace(op.Verb))
		if verb == "" {
			return nil, fmt.Errorf("terraform verb is empty")
		}
		service := strings.ToLower(strings.TrimSpace(op.Service))

		argv := []string{binary}
		if cfg.Dir != "" {
			argv = append(argv, "-chdir="+cfg.Dir)
		}
		if service != "" {
			argv = append(argv, service)
		}
		argv = append(argv, verb)

		switch verb {
		case "plan", "apply", "destroy":
			argv = append(argv, "-input=false", "-no-color")
			if verb != "plan" {
				argv = append(argv, "-auto-approve")
			}
			if op.Target != "" {
				argv = append(argv, "-target="+op.Target)
			}
			for _, k := range op.SortedParamKeys() {
				argv = append(argv, "-var", k+"="+op.Params[k])
			}
			return argv, nil
		case "show", "output":
			if service == "" {
				argv = append(argv, "-json")
			}
		case "validate":
			argv = append(argv, "-json")
		}
		argv = append(argv, flags(op, "-")...)
		if op.Target != "" {
			argv = append(argv, op.Target)
		}
		return argv, nil
	}
}

// flags renders the remaining parameters as "<prefix>key value" pairs in key
// order, with underscores in keys turned into dashes.
func flags(op *engine.Operation, prefix string, skip ...string) []string {
	var out []string
	for _, k := range op.SortedParamKeys() {
		if contains(skip, k) {
			continue
		}
		out = append(out, prefix+strings.ReplaceAll(k, "_", "-"), op.Params[k])
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
