// Package gcpcloud implements the gcp provider adapter on top of Cloud Storage
// and Compute Engine.
package gcpcloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

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

// Bucket defaults.
const (
	DefaultLocation     = "US"
	DefaultStorageClass = "STANDARD"
)

var storageClasses = map[string]bool{
	"STANDARD": true,
	"NEARLINE": true,
	"COLDLINE": true,
	"ARCHIVE":  true,
}

// StorageAPI is the bucket-level surface of Cloud Storage the adapter needs.
type StorageAPI interface {
	ListBuckets(ctx context.Context, projectID string) ([]*storage.BucketAttrs, error)
	BucketAttrs(ctx context.Context, name string) (*storage.BucketAttrs, error)
	CreateBucket(ctx context.Context, projectID, name string, attrs *storage.BucketAttrs) error
	DeleteBucket(ctx context.Context, name string) error
	Close() error
}

// Config holds the project settings for the adapter.
type Config struct {
	ProjectID string

	// CredentialsFile is a service account key. Empty uses application default credentials.
	CredentialsFile string
}

// Adapter executes Cloud Storage bucket operations and instance listing.
type Adapter struct {
	client  StorageAPI
	compute ComputeAPI
	cfg     Config
	logger  zerolog.Logger
}

// New creates Cloud Storage and Compute Engine clients and an adapter around them.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Adapter, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	return NewWithClients(&gcsClient{client: client}, &computeClient{svc: svc}, cfg, logger), nil
}

// NewWithClient creates an adapter around an existing storage client. Compute
// verbs are unsupported.
func NewWithClient(client StorageAPI, cfg Config, logger zerolog.Logger) *Adapter {
	return NewWithClients(client, nil, cfg, logger)
}

// NewWithClients creates an adapter around existing storage and compute clients.
func NewWithClients(client StorageAPI, computeAPI ComputeAPI, cfg Config, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client:  client,
		compute: computeAPI,
		cfg:     cfg,
		logger:  logger.With().Str("provider", string(engine.ProviderGCP)).Logger(),
	}
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
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
		Msg("Calling GCP")

	var (
		res *engine.Result
		err error
	)
	switch normalize(op.Verb) {
	case VerbListBuckets:
		res, err = a.listBuckets(ctx, a.project(op))
	case VerbDescribeBucket:
		res, err = a.describeBucket(ctx, op.Target)
	case VerbCreateBucket:
		res, err = a.createBucket(ctx, op)
	case VerbDeleteBucket:
		res, err = a.deleteBucket(ctx, op.Target)
	case VerbListInstances:
		res, err = a.listInstances(ctx, op)
	}
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (a *Adapter) check(op *engine.Operation) error {
	switch service(op) {
	case "compute":
		return a.checkCompute(op)
	case "storage":
	default:
		return providers.Unsupported(op, "gcp service %q is not supported", op.Service)
	}
	verb := normalize(op.Verb)
	switch verb {
	case VerbListBuckets, VerbDescribeBucket, VerbDeleteBucket:
	case VerbCreateBucket:
		if class := strings.ToUpper(providers.Param(op, "storage_class", DefaultStorageClass)); !storageClasses[class] {
			return providers.Unsupported(op, "storage class %q is not supported", class)
		}
		if _, err := providers.Bool(op, "versioning"); err != nil {
			return providers.Unsupported(op, "%v", err)
		}
		if _, err := providers.ParseLabels(op.Params["labels"]); err != nil {
			return providers.Unsupported(op, "%v", err)
		}
	default:
		return providers.Unsupported(op, "gcp verb %q is not supported", op.Verb)
	}
	if (verb == VerbListBuckets || verb == VerbCreateBucket) && a.project(op) == "" {
		return providers.Unsupported(op, "%s requires a project id", op.Verb)
	}
	if verb != VerbListBuckets && strings.TrimSpace(op.Target) == "" {
		return providers.Unsupported(op, "%s requires a bucket name", op.Verb)
	}
	return nil
}

func (a *Adapter) listBuckets(ctx context.Context, project string) (*engine.Result, error) {
	buckets, err := a.client.ListBuckets(ctx, project)
	if err != nil {
		return nil, mapError("list buckets in "+project, err)
	}
	items := make([]map[string]interface{}, 0, len(buckets))
	for _, b := range buckets {
		items = append(items, bucketData(b))
	}
	return &engine.Result{
		Summary: fmt.Sprintf("%d bucket(s) in %s", len(items), project),
		Items:   items,
	}, nil
}

func (a *Adapter) describeBucket(ctx context.Context, bucket string) (*engine.Result, error) {
	attrs, err := a.client.BucketAttrs(ctx, bucket)
	if err != nil {
		return nil, mapError("describe bucket "+bucket, err)
	}
	return &engine.Result{
		Summary: fmt.Sprintf("bucket %s in %s", attrs.Name, attrs.Location),
		Data:    bucketData(attrs),
	}, nil
}

func (a *Adapter) createBucket(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
	project := a.project(op)
	versioning, _ := providers.Bool(op, "versioning")
	labels, _ := providers.ParseLabels(op.Params["labels"])

	attrs := &storage.BucketAttrs{
		Location:                 strings.ToUpper(providers.Param(op, "location", DefaultLocation)),
		StorageClass:             strings.ToUpper(providers.Param(op, "storage_class", DefaultStorageClass)),
		VersioningEnabled:        versioning,
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
		Labels:                   labels,
	}
	if err := a.client.CreateBucket(ctx, project, op.Target, attrs); err != nil {
		return nil, mapError("create bucket "+op.Target, err)
	}

	a.logger.Info().
		Str("bucket", op.Target).
		Str("project", project).
		Str("location", attrs.Location).
		Str("storage_class", attrs.StorageClass).
		Bool("versioning", versioning).
		Msg("Created GCS bucket")

	attrs.Name = op.Target
	data := bucketData(attrs)
	data["project"] = project
	return &engine.Result{
		Summary: fmt.Sprintf("created bucket %s in %s", op.Target, attrs.Location),
		Data:    data,
	}, nil
}

func (a *Adapter) deleteBucket(ctx context.Context, bucket string) (*engine.Result, error) {
	if err := a.client.DeleteBucket(ctx, bucket); err != nil {
		return nil, mapError("delete bucket "+bucket, err)
	}
	a.logger.Info().Str("bucket", bucket).Msg("Deleted GCS bucket")
	return &engine.Result{
		Summary: "deleted bucket " + bucket,
		Data:    map[string]interface{}{"name": bucket},
	}, nil
}

func (a *Adapter) project(op *engine.Operation) string {
	return providers.Param(op, "project", a.cfg.ProjectID)
}

func bucketData(b *storage.BucketAttrs) map[string]interface{} {
	data := map[string]interface{}{
		"name":                        b.Name,
		"location":                    b.Location,
		"storage_class":               b.StorageClass,
		"versioning":                  b.VersioningEnabled,
		"uniform_bucket_level_access": b.UniformBucketLevelAccess.Enabled,
	}
	if !b.Created.IsZero() {
		data["created"] = b.Created.UTC().Format(time.RFC3339)
	}
	if len(b.Labels) > 0 {
		data["labels"] = b.Labels
	}
	return data
}

// service is the service op addresses. Without one, list-instances means
// compute and everything else means storage.
func service(op *engine.Operation) string {
	if svc := normalize(op.Service); svc != "" {
		return svc
	}
	if normalize(op.Verb) == VerbListInstances {
		return "compute"
	}
	return "storage"
}

func normalize(verb string) string {
	return strings.ToLower(strings.TrimSpace(verb))
}

// gcsClient adapts *storage.Client to StorageAPI.
type gcsClient struct {
	client *storage.Client
}

func (c *gcsClient) ListBuckets(ctx context.Context, projectID string) ([]*storage.BucketAttrs, error) {
	var out []*storage.BucketAttrs
	it := c.client.Buckets(ctx, projectID)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs)
	}
}

func (c *gcsClient) BucketAttrs(ctx context.Context, name string) (*storage.BucketAttrs, error) {
	return c.client.Bucket(name).Attrs(ctx)
}

func (c *gcsClient) CreateBucket(ctx context.Context, projectID, name string, attrs *storage.BucketAttrs) error {
	return c.client.Bucket(name).Create(ctx, projectID, attrs)
}

func (c *gcsClient) DeleteBucket(ctx context.Context, name string) error {
	return c.client.Bucket(name).Delete(ctx)
}

func (c *gcsClient) Close() error {
	return c.client.Close()
}
