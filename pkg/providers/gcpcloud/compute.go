package gcpcloud

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	compute "google.golang.org/api/compute/v1"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/providers"
)

// VerbListInstances lists Compute Engine instances in one zone or all zones.
const VerbListInstances = "list-instances"

var instanceStatuses = map[string]bool{
	"PROVISIONING": true,
	"STAGING":      true,
	"RUNNING":      true,
	"STOPPING":     true,
	"STOPPED":      true,
	"SUSPENDING":   true,
	"SUSPENDED":    true,
	"REPAIRING":    true,
	"TERMINATED":   true,
}

// ComputeAPI is the instance listing surface of Compute Engine. An empty zone
// lists every zone.
type ComputeAPI interface {
	ListInstances(ctx context.Context, project, zone string) ([]*compute.Instance, error)
}

func (a *Adapter) checkCompute(op *engine.Operation) error {
	if normalize(op.Verb) != VerbListInstances {
		return providers.Unsupported(op, "compute verb %q is not supported", op.Verb)
	}
	if a.compute == nil {
		return providers.Unsupported(op, "compute client is not configured")
	}
	if a.project(op) == "" {
		return providers.Unsupported(op, "%s requires a project id", op.Verb)
	}
	if status := statusFilter(op); status != "" && !instanceStatuses[status] {
		known := make([]string, 0, len(instanceStatuses))
		for s := range instanceStatuses {
			known = append(known, s)
		}
		sort.Strings(known)
		return providers.Unsupported(op, "instance status %q is not one of %s", status, strings.Join(known, ", "))
	}
	return nil
}

func (a *Adapter) listInstances(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
	project := a.project(op)
	zone := zoneFilter(op)
	status := statusFilter(op)

	instances, err := a.compute.ListInstances(ctx, project, zone)
	if err != nil {
		return nil, mapError("list instances in "+project, err)
	}

	items := make([]map[string]interface{}, 0, len(instances))
	for _, inst := range instances {
		if status != "" && inst.Status != status {
			continue
		}
		items = append(items, instanceData(inst))
	}

	summary := fmt.Sprintf("%d instance(s) in %s", len(items), project)
	if zone != "" {
		summary += "/" + zone
	}
	if status != "" {
		summary += " (status " + status + ")"
	}
	return &engine.Result{Summary: summary, Items: items}, nil
}

func instanceData(inst *compute.Instance) map[string]interface{} {
	data := map[string]interface{}{
		"name":         inst.Name,
		"zone":         path.Base(inst.Zone),
		"machine_type": path.Base(inst.MachineType),
		"status":       inst.Status,
	}
	if len(inst.NetworkInterfaces) > 0 {
		nic := inst.NetworkInterfaces[0]
		if nic.NetworkIP != "" {
			data["internal_ip"] = nic.NetworkIP
		}
		if len(nic.AccessConfigs) > 0 && nic.AccessConfigs[0].NatIP != "" {
			data["external_ip"] = nic.AccessConfigs[0].NatIP
		}
	}
	if inst.CreationTimestamp != "" {
		data["created"] = inst.CreationTimestamp
	}
	return data
}

func zoneFilter(op *engine.Operation) string {
	return strings.ToLower(strings.TrimSpace(providers.Param(op, "zone", "")))
}

func statusFilter(op *engine.Operation) string {
	return strings.ToUpper(strings.TrimSpace(providers.Param(op, "status", "")))
}

func (a *Adapter) renderCompute(op *engine.Operation) []string {
	args := []string{"compute", "instances", "list"}
	if zone := zoneFilter(op); zone != "" {
		args = append(args, "--zones", zone)
	}
	if status := statusFilter(op); status != "" {
		args = append(args, "--filter", "status="+status)
	}
	return []string{gcloudCLI(a.project(op), args...)}
}

// computeClient adapts *compute.Service to ComputeAPI.
type computeClient struct {
	svc *compute.Service
}

func (c *computeClient) ListInstances(ctx context.Context, project, zone string) ([]*compute.Instance, error) {
	var out []*compute.Instance
	if zone != "" {
		err := c.svc.Instances.List(project, zone).Pages(ctx, func(page *compute.InstanceList) error {
			out = append(out, page.Items...)
			return nil
		})
		return out, err
	}
	err := c.svc.Instances.AggregatedList(project).Pages(ctx, func(page *compute.InstanceAggregatedList) error {
		for _, key := range sortedScopes(page.Items) {
			out = append(out, page.Items[key].Instances...)
		}
		return nil
	})
	return out, err
}

func sortedScopes(items map[string]compute.InstancesScopedList) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
