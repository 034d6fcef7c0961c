// Package awscloud implements the aws provider adapter on top of the S3 and
// EC2 APIs.
package awscloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/providers"
)

// Supported verbs.
const (
	VerbListBuckets    = "list-buckets"
	VerbDescribeBucket = "describe-bucket"
	VerbCreateBucket   = "create-bucket"
	VerbDeleteBucket   = "delete-bucket"
)

// usEast1 does not accept a location constraint on CreateBucket.
const usEast1 = "us-east-1"

// S3API is the subset of *s3.Client the adapter calls.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketTagging(ctx context.Context, params *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// Config holds the connection settings for the adapter.
type Config struct {
	Region  string
	Profile string

	// Endpoint overrides the S3 endpoint (MinIO, LocalStack, ...).
	Endpoint string
}

// Adapter executes S3 bucket operations and EC2 inspection.
type Adapter struct {
	client S3API
	ec2    EC2API
	cfg    Config
	logger zerolog.Logger
}

// New loads the default AWS configuration and creates S3 and EC2 clients.
// SDK retries are disabled; retrying is the caller's decision.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Adapter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	ec2Client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	return NewWithClients(client, ec2Client, cfg, logger), nil
}

// NewWithClient creates an adapter around an existing S3 client. EC2 verbs
// are unsupported.
func NewWithClient(client S3API, cfg Config, logger zerolog.Logger) *Adapter {
	return NewWithClients(client, nil, cfg, logger)
}

// NewWithClients creates an adapter around existing S3 and EC2 clients.
func NewWithClients(s3Client S3API, ec2Client EC2API, cfg Config, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client: s3Client,
		ec2:    ec2Client,
		cfg:    cfg,
		logger: logger.With().Str("provider", string(engine.ProviderAWS)).Logger(),
	}
}

// Execute implements engine.Adapter.
func (a *Adapter) Execute(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
	if err := a.check(op); err != nil {
		return nil, err
	}

	start := time.Now()
	a.logger.Debug().
		Str("operation_id", op.ID).
		Str("verb", op.Verb).
		Str("target", op.Target).
		Msg("Calling AWS")

	var (
		res *engine.Result
		err error
	)
	switch normalize(op.Verb) {
	case VerbListBuckets:
		res, err = a.listBuckets(ctx)
	case VerbDescribeBucket:
		res, err = a.describeBucket(ctx, op.Target)
	case VerbCreateBucket:
		res, err = a.createBucket(ctx, op)
	case VerbDeleteBucket:
		res, err = a.deleteBucket(ctx, op.Target)
	case VerbDescribeInstances:
		res, err = a.describeInstances(ctx, op)
	}
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

// check rejects operations the adapter cannot run before any call is made.
func (a *Adapter) check(op *engine.Operation) error {
	switch service(op) {
	case "ec2":
		return a.checkEC2(op)
	case "s3":
	default:
		return providers.Unsupported(op, "aws service %q is not supported", op.Service)
	}
	switch normalize(op.Verb) {
	case VerbListBuckets:
		return nil
	case VerbDescribeBucket, VerbDeleteBucket:
	case VerbCreateBucket:
		if _, err := encryptionOf(op); err != nil {
			return providers.Unsupported(op, "%v", err)
		}
		if _, err := providers.Bool(op, "versioning"); err != nil {
			return providers.Unsupported(op, "%v", err)
		}
		if _, err := providers.ParseLabels(op.Params["tags"]); err != nil {
			return providers.Unsupported(op, "%v", err)
		}
	default:
		return providers.Unsupported(op, "aws verb %q is not supported", op.Verb)
	}
	if strings.TrimSpace(op.Target) == "" {
		return providers.Unsupported(op, "%s requires a bucket name", op.Verb)
	}
	return nil
}

func (a *Adapter) listBuckets(ctx context.Context) (*engine.Result, error) {
	out, err := a.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, mapError("list buckets", err)
	}

	items := make([]map[string]interface{}, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		item := map[string]interface{}{"name": aws.ToString(b.Name)}
		if b.CreationDate != nil {
			item["created"] = b.CreationDate.UTC().Format(time.RFC3339)
		}
		if b.BucketRegion != nil {
			item["region"] = aws.ToString(b.BucketRegion)
		}
		items = append(items, item)
	}
	return &engine.Result{
		Summary: fmt.Sprintf("%d bucket(s)", len(items)),
		Items:   items,
	}, nil
}

func (a *Adapter) describeBucket(ctx context.Context, bucket string) (*engine.Result, error) {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, mapError("head bucket "+bucket, err)
	}
	loc, err := a.client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, mapError("get bucket location "+bucket, err)
	}
	ver, err := a.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, mapError("get bucket versioning "+bucket, err)
	}

	region := string(loc.LocationConstraint)
	if region == "" {
		region = usEast1
	}
	versioning := string(ver.Status)
	if versioning == "" {
		versioning = "Disabled"
	}
	return &engine.Result{
		Summary: fmt.Sprintf("bucket %s in %s", bucket, region),
		Data: map[string]interface{}{
			"name":       bucket,
			"region":     region,
			"versioning": versioning,
		},
	}, nil
}

func (a *Adapter) createBucket(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
	bucket := op.Target
	region := a.region(op)
	encryption, _ := encryptionOf(op)
	versioning, _ := providers.Bool(op, "versioning")
	tags, _ := providers.ParseLabels(op.Params["tags"])

	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region != usEast1 {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := a.client.CreateBucket(ctx, in, withRegion(region)); err != nil {
		return nil, mapError("create bucket "+bucket, err)
	}

	// The bucket exists from here on. Later failures are reported with the
	// steps that did complete so the operator knows what is left behind.
	done := []string{"created"}
	partial := func(step string, err error) error {
		return mapError(step+" "+bucket, err).WithDetail("completed_steps", strings.Join(done, ","))
	}

	_, err := a.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}, withRegion(region))
	if err != nil {
		return nil, partial("block public access on", err)
	}
	done = append(done, "public-access-blocked")

	if versioning {
		_, err := a.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: aws.String(bucket),
			VersioningConfiguration: &types.VersioningConfiguration{
				Status: types.BucketVersioningStatusEnabled,
			},
		}, withRegion(region))
		if err != nil {
			return nil, partial("enable versioning on", err)
		}
		done = append(done, "versioning")
	}

	rule := &types.ServerSideEncryptionByDefault{SSEAlgorithm: encryption}
	if encryption == types.ServerSideEncryptionAwsKms {
		if key := providers.Param(op, "kms_key_id", ""); key != "" {
			rule.KMSMasterKeyID = aws.String(key)
		}
	}
	_, err = a.client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(bucket),
		ServerSideEncryptionConfiguration: &types.ServerSideEncryptionConfiguration{
			Rules: []types.ServerSideEncryptionRule{{ApplyServerSideEncryptionByDefault: rule}},
		},
	}, withRegion(region))
	if err != nil {
		return nil, partial("enable encryption on", err)
	}
	done = append(done, "encryption")

	if len(tags) > 0 {
		tagSet := make([]types.Tag, 0, len(tags))
		for _, k := range providers.SortedKeys(tags) {
			tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
		}
		_, err := a.client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  aws.String(bucket),
			Tagging: &types.Tagging{TagSet: tagSet},
		}, withRegion(region))
		if err != nil {
			return nil, partial("tag", err)
		}
	}

	a.logger.Info().
		Str("bucket", bucket).
		Str("region", region).
		Bool("versioning", versioning).
		Str("encryption", string(encryption)).
		Msg("Created S3 bucket")

	return &engine.Result{
		Summary: fmt.Sprintf("created bucket %s in %s", bucket, region),
		Data: map[string]interface{}{
			"name":          bucket,
			"region":        region,
			"versioning":    versioning,
			"encryption":    string(encryption),
			"public_access": "blocked",
			"tags":          tags,
		},
	}, nil
}

func (a *Adapter) deleteBucket(ctx context.Context, bucket string) (*engine.Result, error) {
	if _, err := a.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, mapError("delete bucket "+bucket, err)
	}
	a.logger.Info().Str("bucket", bucket).Msg("Deleted S3 bucket")
	return &engine.Result{
		Summary: "deleted bucket " + bucket,
		Data:    map[string]interface{}{"name": bucket},
	}, nil
}

func (a *Adapter) region(op *engine.Operation) string {
	return providers.Param(op, "region", a.cfg.Region)
}

func withRegion(region string) func(*s3.Options) {
	return func(o *s3.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

func encryptionOf(op *engine.Operation) (types.ServerSideEncryption, error) {
	switch v := providers.Param(op, "encryption", string(types.ServerSideEncryptionAes256)); v {
	case string(types.ServerSideEncryptionAes256):
		return types.ServerSideEncryptionAes256, nil
	case string(types.ServerSideEncryptionAwsKms):
		return types.ServerSideEncryptionAwsKms, nil
	default:
		return "", fmt.Errorf("encryption must be AES256 or aws:kms, got %q", v)
	}
}

// service is the service op addresses. Without one, describe-instances means
// ec2 and everything else means s3.
func service(op *engine.Operation) string {
	if svc := normalize(op.Service); svc != "" {
		return svc
	}
	if normalize(op.Verb) == VerbDescribeInstances {
		return "ec2"
	}
	return "s3"
}

func normalize(verb string) string {
	return strings.ToLower(strings.TrimSpace(verb))
}
