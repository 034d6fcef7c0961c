package awscloud

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/providers"
)

// VerbDescribeInstances lists EC2 instances, optionally filtered by state.
const VerbDescribeInstances = "describe-instances"

var instanceStates = map[string]bool{
	"pending":       true,
	"running":       true,
	"shutting-down": true,
	"terminated":    true,
	"stopping":      true,
	"stopped":       true,
}

// EC2API is the subset of *ec2.Client the adapter calls.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

func (a *Adapter) checkEC2(op *engine.Operation) error {
	if normalize(op.Verb) != VerbDescribeInstances {
		return providers.Unsupported(op, "ec2 verb %q is not supported", op.Verb)
	}
	if a.ec2 == nil {
		return providers.Unsupported(op, "ec2 client is not configured")
	}
	if state := stateFilter(op); state != "" && !instanceStates[state] {
		return providers.Unsupported(op, "instance state %q is not one of %s", state, strings.Join(sortedStates(), ", "))
	}
	return nil
}

func (a *Adapter) describeInstances(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
	region := a.region(op)
	in := &ec2.DescribeInstancesInput{}
	state := stateFilter(op)
	if state != "" {
		in.Filters = []ec2types.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []string{state},
		}}
	}

	var items []map[string]interface{}
	pages := ec2.NewDescribeInstancesPaginator(a.ec2, in)
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx, func(o *ec2.Options) {
			if region != "" {
				o.Region = region
			}
		})
		if err != nil {
			return nil, mapError("describe instances", err)
		}
		for _, r := range out.Reservations {
			for _, inst := range r.Instances {
				items = append(items, instanceData(inst))
			}
		}
	}

	summary := fmt.Sprintf("%d instance(s)", len(items))
	if region != "" {
		summary += " in " + region
	}
	if state != "" {
		summary += " (state " + state + ")"
	}
	return &engine.Result{Summary: summary, Items: items}, nil
}

func instanceData(inst ec2types.Instance) map[string]interface{} {
	data := map[string]interface{}{
		"instance_id": aws.ToString(inst.InstanceId),
		"type":        string(inst.InstanceType),
	}
	if name := nameTag(inst.Tags); name != "" {
		data["name"] = name
	}
	if inst.State != nil {
		data["state"] = string(inst.State.Name)
	}
	if inst.Placement != nil && inst.Placement.AvailabilityZone != nil {
		data["availability_zone"] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if ip := aws.ToString(inst.PrivateIpAddress); ip != "" {
		data["private_ip"] = ip
	}
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		data["public_ip"] = ip
	}
	if inst.LaunchTime != nil {
		data["launched"] = inst.LaunchTime.UTC().Format(time.RFC3339)
	}
	return data
}

func nameTag(tags []ec2types.Tag) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == "Name" {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func stateFilter(op *engine.Operation) string {
	return strings.ToLower(strings.TrimSpace(providers.Param(op, "state", "")))
}

func (a *Adapter) renderEC2(op *engine.Operation) []string {
	args := []string{"describe-instances"}
	if state := stateFilter(op); state != "" {
		args = append(args, "--filters", "Name=instance-state-name,Values="+state)
	}
	return []string{a.cli("ec2", a.region(op), args...)}
}

// sortedStates lists the accepted instance states.
func sortedStates() []string {
	out := make([]string, 0, len(instanceStates))
	for s := range instanceStates {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
