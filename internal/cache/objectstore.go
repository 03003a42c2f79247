package cache

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pixelcache/pixelcache/pkg/types"
)

// ObjectStoreOptions configures the S3-compatible tier
type ObjectStoreOptions struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	TTL             time.Duration
	// ConnectTimeout bounds the bucket check at construction
	ConnectTimeout time.Duration
}

// objectAPI is the subset of *s3.Client the tier uses
type objectAPI interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ObjectStoreTier stores one object per key in an S3-compatible bucket
type ObjectStoreTier struct {
	*tierState
	api    objectAPI
	bucket string
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewObjectStoreTier builds an S3 client from the default AWS credential
// chain (or static keys when given) and checks the bucket. Failures yield a
// tier that starts disabled.
func NewObjectStoreTier(ctx context.Context, opts ObjectStoreOptions, logger *slog.Logger, health types.HealthReporter) *ObjectStoreTier {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithRetryMaxAttempts(2),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		t := newObjectStoreTier(nil, opts, logger, health, time.Now)
		t.disable("init", err)
		return t
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	t := newObjectStoreTier(client, opts, logger, health, time.Now)

	headCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if _, err := client.HeadBucket(headCtx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		t.disable("init", err)
		return t
	}

	t.logger.Info("object store cache tier ready", "bucket", opts.Bucket, "prefix", opts.Prefix)
	return t
}

func newObjectStoreTier(api objectAPI, opts ObjectStoreOptions, logger *slog.Logger, health types.HealthReporter, now func() time.Time) *ObjectStoreTier {
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	return &ObjectStoreTier{
		tierState: newTierState("s3", logger, health),
		api:       api,
		bucket:    opts.Bucket,
		prefix:    opts.Prefix,
		ttl:       opts.TTL,
		now:       now,
	}
}

// Get downloads prefix+key. Objects older than the TTL are deleted and read as a miss.
func (t *ObjectStoreTier) Get(ctx context.Context, key string) ([]byte, error) {
	if !t.Enabled() {
		return nil, t.disabledErr("get")
	}

	out, err := t.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.prefix + key),
	})
	if err != nil {
		return nil, t.classify(ctx, "get", err)
	}
	defer func() { _ = out.Body.Close() }()

	if out.LastModified != nil && t.now().Sub(*out.LastModified) > t.ttl {
		_, _ = t.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.prefix + key),
		})
		return nil, ErrMiss
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, t.classify(ctx, "get", err)
	}
	return data, nil
}

// Set uploads data as prefix+key
func (t *ObjectStoreTier) Set(ctx context.Context, key string, data []byte) error {
	if !t.Enabled() {
		return t.disabledErr("set")
	}

	_, err := t.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.prefix + key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return t.classify(ctx, "set", err)
	}
	return nil
}

// Clear deletes every object under the prefix, one listing page at a time
func (t *ObjectStoreTier) Clear(ctx context.Context) error {
	if !t.Enabled() {
		return t.disabledErr("clear")
	}

	deleted := 0
	var token *string
	for {
		page, err := t.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(t.bucket),
			Prefix:            aws.String(t.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return t.classify(ctx, "clear", err)
		}

		if len(page.Contents) > 0 {
			ids := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := t.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(t.bucket),
				Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			}); err != nil {
				return t.classify(ctx, "clear", err)
			}
			deleted += len(ids)
		}

		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}

	t.logger.Info("object store cache cleared", "objects", deleted)
	return nil
}

// Close is a no-op; the SDK client holds no long-lived connections of its own
func (t *ObjectStoreTier) Close() error {
	return nil
}

// classify maps an SDK error to a miss or a TierError, disabling on hard failures
func (t *ObjectStoreTier) classify(ctx context.Context, op string, err error) error {
	if isNotFound(err) {
		return ErrMiss
	}
	if callerGone(ctx, err) {
		return t.fail(op, KindTimeout, err, false)
	}
	return t.fail(op, KindUnavailable, err, true)
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if stderr.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	if stderr.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
