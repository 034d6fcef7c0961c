package awscloud

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/engine"
)

// fakeS3 records calls and returns canned responses.
type fakeS3 struct {
	calls   []string
	buckets []types.Bucket
	failOn  map[string]error

	created    *s3.CreateBucketInput
	publicBlk  *s3.PutPublicAccessBlockInput
	encryption *s3.PutBucketEncryptionInput
	versioning *s3.PutBucketVersioningInput
	tagging    *s3.PutBucketTaggingInput
}

func (f *fakeS3) record(name string) error {
	f.calls = append(f.calls, name)
	return f.failOn[name]
}

func (f *fakeS3) ListBuckets(_ context.Context, _ *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	if err := f.record("ListBuckets"); err != nil {
		return nil, err
	}
	return &s3.ListBucketsOutput{Buckets: f.buckets}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := f.record("HeadBucket"); err != nil {
		return nil, err
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) GetBucketLocation(_ context.Context, _ *s3.GetBucketLocationInput, _ ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	if err := f.record("GetBucketLocation"); err != nil {
		return nil, err
	}
	return &s3.GetBucketLocationOutput{LocationConstraint: types.BucketLocationConstraintEuWest1}, nil
}

func (f *fakeS3) GetBucketVersioning(_ context.Context, _ *s3.GetBucketVersioningInput, _ ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	if err := f.record("GetBucketVersioning"); err != nil {
		return nil, err
	}
	return &s3.GetBucketVersioningOutput{Status: types.BucketVersioningStatusEnabled}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = in
	if err := f.record("CreateBucket"); err != nil {
		return nil, err
	}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutPublicAccessBlock(_ context.Context, in *s3.PutPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	f.publicBlk = in
	if err := f.record("PutPublicAccessBlock"); err != nil {
		return nil, err
	}
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (f *fakeS3) PutBucketEncryption(_ context.Context, in *s3.PutBucketEncryptionInput, _ ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error) {
	f.encryption = in
	if err := f.record("PutBucketEncryption"); err != nil {
		return nil, err
	}
	return &s3.PutBucketEncryptionOutput{}, nil
}

func (f *fakeS3) PutBucketVersioning(_ context.Context, in *s3.PutBucketVersioningInput, _ ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	f.versioning = in
	if err := f.record("PutBucketVersioning"); err != nil {
		return nil, err
	}
	return &s3.PutBucketVersioningOutput{}, nil
}

func (f *fakeS3) PutBucketTagging(_ context.Context, in *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	f.tagging = in
	if err := f.record("PutBucketTagging"); err != nil {
		return nil, err
	}
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeS3) DeleteBucket(_ context.Context, _ *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	if err := f.record("DeleteBucket"); err != nil {
		return nil, err
	}
	return &s3.DeleteBucketOutput{}, nil
}

func newTestAdapter(client S3API, cfg Config) *Adapter {
	return NewWithClient(client, cfg, zerolog.New(nil).Level(zerolog.Disabled))
}

func op(verb, target string, params map[string]string) *engine.Operation {
	return &engine.Operation{
		ID:       "op-1",
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     verb,
		Target:   target,
		Params:   params,
	}
}

func TestListBuckets(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeS3{buckets: []types.Bucket{
		{Name: aws.String("logs"), CreationDate: &created, BucketRegion: aws.String("eu-west-1")},
		{Name: aws.String("assets")},
	}}
	a := newTestAdapter(fake, Config{Region: "eu-west-1"})

	res, err := a.Execute(context.Background(), op(VerbListBuckets, "", nil))
	if err != nil {
		t.Fatalf("Failed to list buckets: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(res.Items))
	}
	if res.Items[0]["name"] != "logs" || res.Items[0]["created"] != "2024-05-01T12:00:00Z" || res.Items[0]["region"] != "eu-west-1" {
		t.Errorf("Unexpected first item: %v", res.Items[0])
	}
	if _, ok := res.Items[1]["created"]; ok {
		t.Errorf("Expected no creation date for second item")
	}
	if res.Summary != "2 bucket(s)" {
		t.Errorf("Unexpected summary %q", res.Summary)
	}
}

func TestDescribeBucket(t *testing.T) {
	fake := &fakeS3{}
	a := newTestAdapter(fake, Config{Region: "eu-west-1"})

	res, err := a.Execute(context.Background(), op(VerbDescribeBucket, "logs", nil))
	if err != nil {
		t.Fatalf("Failed to describe bucket: %v", err)
	}
	if res.Data["region"] != "eu-west-1" || res.Data["versioning"] != "Enabled" {
		t.Errorf("Unexpected data: %v", res.Data)
	}
	if got := strings.Join(fake.calls, ","); got != "HeadBucket,GetBucketLocation,GetBucketVersioning" {
		t.Errorf("Unexpected calls: %s", got)
	}
}

func TestCreateBucketAppliesSecureDefaults(t *testing.T) {
	fake := &fakeS3{}
	a := newTestAdapter(fake, Config{Region: "eu-west-1"})

	res, err := a.Execute(context.Background(), op(VerbCreateBucket, "audit-logs", map[string]string{
		"versioning": "true",
		"encryption": "aws:kms",
		"kms_key_id": "alias/audit",
		"tags":       "team=sre, env=prod",
	}))
	if err != nil {
		t.Fatalf("Failed to create bucket: %v", err)
	}

	if fake.created.CreateBucketConfiguration == nil ||
		fake.created.CreateBucketConfiguration.LocationConstraint != types.BucketLocationConstraintEuWest1 {
		t.Errorf("Expected location constraint eu-west-1, got %+v", fake.created.CreateBucketConfiguration)
	}

	cfg := fake.publicBlk.PublicAccessBlockConfiguration
	if !aws.ToBool(cfg.BlockPublicAcls) || !aws.ToBool(cfg.IgnorePublicAcls) ||
		!aws.ToBool(cfg.BlockPublicPolicy) || !aws.ToBool(cfg.RestrictPublicBuckets) {
		t.Errorf("Expected all public access blocked, got %+v", cfg)
	}

	if fake.versioning == nil || fake.versioning.VersioningConfiguration.Status != types.BucketVersioningStatusEnabled {
		t.Errorf("Expected versioning enabled")
	}

	rule := fake.encryption.ServerSideEncryptionConfiguration.Rules[0].ApplyServerSideEncryptionByDefault
	if rule.SSEAlgorithm != types.ServerSideEncryptionAwsKms || aws.ToString(rule.KMSMasterKeyID) != "alias/audit" {
		t.Errorf("Unexpected encryption rule: %+v", rule)
	}

	tags := fake.tagging.Tagging.TagSet
	if len(tags) != 2 || aws.ToString(tags[0].Key) != "env" || aws.ToString(tags[1].Value) != "sre" {
		t.Errorf("Unexpected tag set: %+v", tags)
	}

	if res.Data["public_access"] != "blocked" {
		t.Errorf("Expected public access blocked in result, got %v", res.Data)
	}
}

func TestCreateBucketInUSEast1HasNoLocationConstraint(t *testing.T) {
	fake := &fakeS3{}
	a := newTestAdapter(fake, Config{Region: "us-east-1"})

	if _, err := a.Execute(context.Background(), op(VerbCreateBucket, "b", nil)); err != nil {
		t.Fatalf("Failed to create bucket: %v", err)
	}
	if fake.created.CreateBucketConfiguration != nil {
		t.Errorf("Expected no location constraint in us-east-1")
	}
	if fake.versioning != nil || fake.tagging != nil {
		t.Errorf("Expected versioning and tagging to be skipped")
	}
	rule := fake.encryption.ServerSideEncryptionConfiguration.Rules[0].ApplyServerSideEncryptionByDefault
	if rule.SSEAlgorithm != types.ServerSideEncryptionAes256 {
		t.Errorf("Expected AES256 by default, got %s", rule.SSEAlgorithm)
	}
}

func TestCreateBucketPartialFailureReportsCompletedSteps(t *testing.T) {
	fake := &fakeS3{failOn: map[string]error{
		"PutBucketEncryption": &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
	}}
	a := newTestAdapter(fake, Config{Region: "us-east-1"})

	_, err := a.Execute(context.Background(), op(VerbCreateBucket, "b", nil))
	if engine.AdapterCode(err) != engine.ErrCodePermissionDenied {
		t.Fatalf("Expected PERMISSION_DENIED, got %v", err)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected engine error, got %T", err)
	}
	if ee.Details["completed_steps"] != "created,public-access-blocked" {
		t.Errorf("Unexpected completed steps: %v", ee.Details["completed_steps"])
	}
	if ee.Details["aws_code"] != "AccessDenied" {
		t.Errorf("Expected aws_code detail, got %v", ee.Details)
	}
}

func TestUnsupportedRequestsMakeNoCalls(t *testing.T) {
	tests := []struct {
		name string
		op   *engine.Operation
	}{
		{"unknown verb", op("put-object", "b", nil)},
		{"other service", &engine.Operation{Provider: engine.ProviderAWS, Service: "ec2", Verb: VerbListBuckets}},
		{"missing bucket", op(VerbDeleteBucket, " ", nil)},
		{"bad encryption", op(VerbCreateBucket, "b", map[string]string{"encryption": "DES"})},
		{"bad versioning", op(VerbCreateBucket, "b", map[string]string{"versioning": "maybe"})},
		{"bad tags", op(VerbCreateBucket, "b", map[string]string{"tags": "novalue"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeS3{}
			a := newTestAdapter(fake, Config{Region: "us-east-1"})

			_, err := a.Execute(context.Background(), tt.op)
			if engine.AdapterCode(err) != engine.ErrCodeUnsupported {
				t.Errorf("Expected UNSUPPORTED, got %v", err)
			}
			if len(fake.calls) != 0 {
				t.Errorf("Expected no S3 calls, got %v", fake.calls)
			}
		})
	}
}

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("http error"),
		},
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, engine.ErrCodePermissionDenied},
		{"taken name", &smithy.GenericAPIError{Code: "BucketAlreadyExists"}, engine.ErrCodePermissionDenied},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, engine.ErrCodeNotFound},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, engine.ErrCodeThrottled},
		{"not implemented", &smithy.GenericAPIError{Code: "NotImplemented"}, engine.ErrCodeUnsupported},
		{"internal", &smithy.GenericAPIError{Code: "InternalError"}, engine.ErrCodeTransient},
		{"status 403", responseError(http.StatusForbidden), engine.ErrCodePermissionDenied},
		{"status 404", responseError(http.StatusNotFound), engine.ErrCodeNotFound},
		{"status 503", responseError(http.StatusServiceUnavailable), engine.ErrCodeThrottled},
		{"status 500", responseError(http.StatusInternalServerError), engine.ErrCodeTransient},
		{"no credentials", errors.New("failed to retrieve credentials"), engine.ErrCodePermissionDenied},
		{"cancelled", context.Canceled, engine.ErrCodeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("do things", tt.err)
			if err.Code != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, err.Code)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected the SDK error to be wrapped")
			}
		})
	}
}

func TestRender(t *testing.T) {
	a := newTestAdapter(&fakeS3{}, Config{Region: "eu-west-1", Profile: "ops"})

	got := a.Render(op(VerbListBuckets, "", nil))
	if len(got) != 1 || got[0] != "aws s3api list-buckets --region eu-west-1 --profile ops" {
		t.Errorf("Unexpected list command: %v", got)
	}

	got = a.Render(op(VerbDeleteBucket, "old-logs", nil))
	if len(got) != 1 || got[0] != "aws s3api delete-bucket --bucket old-logs --region eu-west-1 --profile ops" {
		t.Errorf("Unexpected delete command: %v", got)
	}

	got = a.Render(op(VerbCreateBucket, "audit", map[string]string{"versioning": "true", "tags": "team=sre"}))
	if len(got) != 5 {
		t.Fatalf("Expected 5 create commands, got %d: %v", len(got), got)
	}
	for i, prefix := range []string{
		"aws s3api create-bucket --bucket audit",
		"aws s3api put-public-access-block --bucket audit",
		"aws s3api put-bucket-versioning --bucket audit",
		"aws s3api put-bucket-encryption --bucket audit",
		"aws s3api put-bucket-tagging --bucket audit",
	} {
		if !strings.HasPrefix(got[i], prefix) {
			t.Errorf("Command %d: expected prefix %q, got %q", i, prefix, got[i])
		}
	}
	if !strings.Contains(got[3], "AES256") {
		t.Errorf("Expected AES256 in encryption command, got %q", got[3])
	}
}
