package gcpcloud

import (
	"fmt"
	"strings"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/providers"
)

// Render implements engine.CommandRenderer with equivalent gcloud commands.
func (a *Adapter) Render(op *engine.Operation) []string {
	if service(op) == "compute" {
		return a.renderCompute(op)
	}
	url := "gs://" + op.Target
	project := a.project(op)

	switch normalize(op.Verb) {
	case VerbListBuckets:
		return []string{gcloud(project, "list")}
	case VerbDescribeBucket:
		return []string{gcloud("", "describe", url)}
	case VerbDeleteBucket:
		return []string{gcloud("", "delete", url)}
	case VerbCreateBucket:
		cmds := []string{gcloud(project, "create", url,
			"--location", strings.ToUpper(providers.Param(op, "location", DefaultLocation)),
			"--default-storage-class", strings.ToUpper(providers.Param(op, "storage_class", DefaultStorageClass)),
			"--uniform-bucket-level-access",
		)}
		var update []string
		if v, _ := providers.Bool(op, "versioning"); v {
			update = append(update, "--versioning")
		}
		if labels, err := providers.ParseLabels(op.Params["labels"]); err == nil && len(labels) > 0 {
			pairs := make([]string, 0, len(labels))
			for _, k := range providers.SortedKeys(labels) {
				pairs = append(pairs, fmt.Sprintf("%s=%s", k, labels[k]))
			}
			update = append(update, "--update-labels", strings.Join(pairs, ","))
		}
		if len(update) > 0 {
			cmds = append(cmds, gcloud("", append([]string{"update", url}, update...)...))
		}
		return cmds
	default:
		return []string{engine.DefaultCommand(op)}
	}
}

func gcloud(project string, args ...string) string {
	return gcloudCLI(project, append([]string{"storage", "buckets"}, args...)...)
}

func gcloudCLI(project string, args ...string) string {
	argv := append([]string{"gcloud"}, args...)
	if project != "" {
		argv = append(argv, "--project", project)
	}
	return engine.QuoteCommand(argv...)
}
