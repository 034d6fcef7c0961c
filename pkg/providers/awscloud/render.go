package awscloud

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/providers"
)

// Render implements engine.CommandRenderer with the aws CLI commands that are
// equivalent to the SDK calls Execute makes.
func (a *Adapter) Render(op *engine.Operation) []string {
	if service(op) == "ec2" {
		return a.renderEC2(op)
	}
	bucket := op.Target
	region := a.region(op)

	switch normalize(op.Verb) {
	case VerbListBuckets:
		return []string{a.cmd(region, "list-buckets")}
	case VerbDescribeBucket:
		return []string{
			a.cmd(region, "head-bucket", "--bucket", bucket),
			a.cmd(region, "get-bucket-location", "--bucket", bucket),
			a.cmd(region, "get-bucket-versioning", "--bucket", bucket),
		}
	case VerbDeleteBucket:
		return []string{a.cmd(region, "delete-bucket", "--bucket", bucket)}
	case VerbCreateBucket:
		return a.renderCreate(op, bucket, region)
	default:
		return []string{engine.DefaultCommand(op)}
	}
}

func (a *Adapter) renderCreate(op *engine.Operation, bucket, region string) []string {
	create := []string{"create-bucket", "--bucket", bucket}
	if region != usEast1 && region != "" {
		create = append(create, "--create-bucket-configuration", "LocationConstraint="+region)
	}
	cmds := []string{
		a.cmd(region, create...),
		a.cmd(region, "put-public-access-block", "--bucket", bucket,
			"--public-access-block-configuration",
			"BlockPublicAcls=true,IgnorePublicAcls=true,BlockPublicPolicy=true,RestrictPublicBuckets=true"),
	}

	if v, _ := providers.Bool(op, "versioning"); v {
		cmds = append(cmds, a.cmd(region, "put-bucket-versioning", "--bucket", bucket,
			"--versioning-configuration", "Status=Enabled"))
	}

	enc, err := encryptionOf(op)
	if err != nil {
		enc = types.ServerSideEncryption(providers.Param(op, "encryption", ""))
	}
	byDefault := fmt.Sprintf(`"SSEAlgorithm":%q`, string(enc))
	if key := providers.Param(op, "kms_key_id", ""); key != "" && enc == types.ServerSideEncryptionAwsKms {
		byDefault += fmt.Sprintf(`,"KMSMasterKeyID":%q`, key)
	}
	cmds = append(cmds, a.cmd(region, "put-bucket-encryption", "--bucket", bucket,
		"--server-side-encryption-configuration",
		`{"Rules":[{"ApplyServerSideEncryptionByDefault":{`+byDefault+`}}]}`))

	if tags, err := providers.ParseLabels(op.Params["tags"]); err == nil && len(tags) > 0 {
		set := make([]string, 0, len(tags))
		for _, k := range providers.SortedKeys(tags) {
			set = append(set, fmt.Sprintf("{Key=%s,Value=%s}", k, tags[k]))
		}
		cmds = append(cmds, a.cmd(region, "put-bucket-tagging", "--bucket", bucket,
			"--tagging", "TagSet=["+strings.Join(set, ",")+"]"))
	}
	return cmds
}

func (a *Adapter) cmd(region string, args ...string) string {
	return a.cli("s3api", region, args...)
}

func (a *Adapter) cli(command, region string, args ...string) string {
	argv := append([]string{"aws", command}, args...)
	if region != "" {
		argv = append(argv, "--region", region)
	}
	if a.cfg.Profile != "" {
		argv = append(argv, "--profile", a.cfg.Profile)
	}
	if a.cfg.Endpoint != "" && command == "s3api" {
		argv = append(argv, "--endpoint-url", a.cfg.Endpoint)
	}
	return engine.QuoteCommand(argv...)
}
