// Package s3 stores state in Amazon S3 and provisions the bucket and
// the DynamoDB lock table the wrapped tool uses for state locking.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/terragrid-io/terragrid/pkg/backend"
)

func init() {
	backend.Register("s3", New)
}

// tlsPolicySid marks the bucket policy statement terragrid attaches.
const tlsPolicySid = "EnforcedTLSPolicy"

// Backend stores state objects in one S3 bucket.
type Backend struct {
	client    *s3.Client
	ddb       *dynamodb.Client
	bucket    string
	region    string
	lockTable string
	cfg       backend.Config
}

// New creates an S3 backend from its remote_state config. Required
// settings: bucket and region. Optional: key, endpoint, profile,
// access_key/secret_key/session_token, kms_key_id, dynamodb_table,
// accesslogging_bucket_name, accesslogging_target_prefix, plus skip_*
// toggles that disable individual bootstrap steps.
func New(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	bucket := cfg["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}
	region := cfg["region"]
	if region == "" {
		return nil, fmt.Errorf("s3 backend requires a region")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile := cfg["profile"]; profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if ak, sk := cfg["access_key"], cfg["secret_key"]; ak != "" && sk != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, cfg["session_token"])))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := cfg["endpoint"]; ep != "" {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		}
		if cfg.Bool("force_path_style") {
			o.UsePathStyle = true
		}
	})

	var ddb *dynamodb.Client
	lockTable := cfg["dynamodb_table"]
	if lockTable != "" {
		ddb = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if ep := cfg.GetDefault("dynamodb_endpoint", cfg["endpoint"]); ep != "" {
				o.BaseEndpoint = aws.String(ep)
			}
		})
	}

	return &Backend{
		client:    client,
		ddb:       ddb,
		bucket:    bucket,
		region:    region,
		lockTable: lockTable,
		cfg:       cfg,
	}, nil
}

func (b *Backend) Name() string { return "s3" }

// Bootstrap provisions the bucket, its hardening, and the lock table.
// Each step probes for the resource first, so re-running against a
// provisioned store changes nothing.
func (b *Backend) Bootstrap(ctx context.Context) error {
	if err := b.ensureBucket(ctx); err != nil {
		return err
	}
	if !b.cfg.Bool("skip_bucket_versioning") {
		if err := b.ensureVersioning(ctx); err != nil {
			return err
		}
	}
	if !b.cfg.Bool("skip_bucket_ssencryption") {
		if err := b.ensureEncryption(ctx); err != nil {
			return err
		}
	}
	if !b.cfg.Bool("skip_bucket_public_access_blocking") {
		if err := b.ensurePublicAccessBlock(ctx); err != nil {
			return err
		}
	}
	if !b.cfg.Bool("skip_bucket_enforced_tls") {
		if err := b.ensureTLSPolicy(ctx); err != nil {
			return err
		}
	}
	if target := b.cfg["accesslogging_bucket_name"]; target != "" {
		if err := b.ensureAccessLogging(ctx, target); err != nil {
			return err
		}
	}
	if b.lockTable != "" {
		if err := b.ensureLockTable(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Versioned reports whether bucket versioning is enabled.
func (b *Backend) Versioned(ctx context.Context) (bool, error) {
	out, err := b.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return false, fmt.Errorf("checking versioning on %s: %w", b.bucket, err)
	}
	return out.Status == s3types.BucketVersioningStatusEnabled, nil
}

func (b *Backend) ReadState(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, backend.ErrStateNotFound
		}
		return nil, fmt.Errorf("reading s3://%s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *Backend) WriteState(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *Backend) DeleteState(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *Backend) Close() error { return nil }

func (b *Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("checking bucket %s: %w", b.bucket, err)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	// us-east-1 is the API default and rejects an explicit constraint.
	if b.region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(b.region),
		}
	}
	if _, err := b.client.CreateBucket(ctx, in); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("creating bucket %s: %w", b.bucket, err)
	}
	return nil
}

func (b *Backend) ensureVersioning(ctx context.Context) error {
	out, err := b.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return fmt.Errorf("checking versioning on %s: %w", b.bucket, err)
	}
	if out.Status == s3types.BucketVersioningStatusEnabled {
		return nil
	}
	_, err = b.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(b.bucket),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("enabling versioning on %s: %w", b.bucket, err)
	}
	return nil
}

func (b *Backend) ensureEncryption(ctx context.Context) error {
	_, err := b.client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}
	if !hasErrorCode(err, "ServerSideEncryptionConfigurationNotFoundError") {
		return fmt.Errorf("checking encryption on %s: %w", b.bucket, err)
	}

	byDefault := &s3types.ServerSideEncryptionByDefault{
		SSEAlgorithm: s3types.ServerSideEncryptionAes256,
	}
	if key := b.cfg["kms_key_id"]; key != "" {
		byDefault = &s3types.ServerSideEncryptionByDefault{
			SSEAlgorithm:   s3types.ServerSideEncryptionAwsKms,
			KMSMasterKeyID: aws.String(key),
		}
	}
	_, err = b.client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(b.bucket),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{
				{ApplyServerSideEncryptionByDefault: byDefault},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("enabling encryption on %s: %w", b.bucket, err)
	}
	return nil
}

func (b *Backend) ensurePublicAccessBlock(ctx context.Context) error {
	out, err := b.client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil && fullyBlocked(out.PublicAccessBlockConfiguration) {
		return nil
	}
	if err != nil && !hasErrorCode(err, "NoSuchPublicAccessBlockConfiguration") {
		return fmt.Errorf("checking public access block on %s: %w", b.bucket, err)
	}
	_, err = b.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(b.bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("blocking public access on %s: %w", b.bucket, err)
	}
	return nil
}

func (b *Backend) ensureTLSPolicy(ctx context.Context) error {
	out, err := b.client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{
		Bucket: aws.String(b.bucket),
	})
	switch {
	case err == nil:
		// An existing policy is left alone, whether ours or foreign.
		if aws.ToString(out.Policy) != "" {
			return nil
		}
	case hasErrorCode(err, "NoSuchBucketPolicy"):
	default:
		return fmt.Errorf("checking policy on %s: %w", b.bucket, err)
	}

	policy, err := json.Marshal(map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Sid":       tlsPolicySid,
			"Effect":    "Deny",
			"Principal": "*",
			"Action":    "s3:*",
			"Resource": []string{
				"arn:aws:s3:::" + b.bucket,
				"arn:aws:s3:::" + b.bucket + "/*",
			},
			"Condition": map[string]any{
				"Bool": map[string]string{"aws:SecureTransport": "false"},
			},
		}},
	})
	if err != nil {
		return err
	}
	_, err = b.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(b.bucket),
		Policy: aws.String(string(policy)),
	})
	if err != nil {
		return fmt.Errorf("attaching TLS-only policy to %s: %w", b.bucket, err)
	}
	return nil
}

func (b *Backend) ensureAccessLogging(ctx context.Context, target string) error {
	out, err := b.client.GetBucketLogging(ctx, &s3.GetBucketLoggingInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return fmt.Errorf("checking access logging on %s: %w", b.bucket, err)
	}
	prefix := b.cfg.GetDefault("accesslogging_target_prefix", "TFStateLogs/")
	if le := out.LoggingEnabled; le != nil &&
		aws.ToString(le.TargetBucket) == target && aws.ToString(le.TargetPrefix) == prefix {
		return nil
	}
	_, err = b.client.PutBucketLogging(ctx, &s3.PutBucketLoggingInput{
		Bucket: aws.String(b.bucket),
		BucketLoggingStatus: &s3types.BucketLoggingStatus{
			LoggingEnabled: &s3types.LoggingEnabled{
				TargetBucket: aws.String(target),
				TargetPrefix: aws.String(prefix),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("enabling access logging on %s: %w", b.bucket, err)
	}
	return nil
}

func (b *Backend) ensureLockTable(ctx context.Context) error {
	_, err := b.ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.lockTable),
	})
	if err == nil {
		return nil
	}
	var nf *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("checking lock table %s: %w", b.lockTable, err)
	}

	_, err = b.ddb.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(b.lockTable),
		BillingMode: ddbtypes.BillingModePayPerRequest,
		AttributeDefinitions: []ddbtypes.AttributeDefinition{{
			AttributeName: aws.String("LockID"),
			AttributeType: ddbtypes.ScalarAttributeTypeS,
		}},
		KeySchema: []ddbtypes.KeySchemaElement{{
			AttributeName: aws.String("LockID"),
			KeyType:       ddbtypes.KeyTypeHash,
		}},
		SSESpecification: &ddbtypes.SSESpecification{Enabled: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("creating lock table %s: %w", b.lockTable, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(b.ddb)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.lockTable),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("waiting for lock table %s: %w", b.lockTable, err)
	}
	return nil
}

func fullyBlocked(c *s3types.PublicAccessBlockConfiguration) bool {
	return c != nil &&
		aws.ToBool(c.BlockPublicAcls) &&
		aws.ToBool(c.BlockPublicPolicy) &&
		aws.ToBool(c.IgnorePublicAcls) &&
		aws.ToBool(c.RestrictPublicBuckets)
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return hasErrorCode(err, "NotFound", "NoSuchBucket", "NoSuchKey")
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if strings.EqualFold(apiErr.ErrorCode(), code) {
			return true
		}
	}
	return false
}

var _ backend.Backend = (*Backend)(nil)
