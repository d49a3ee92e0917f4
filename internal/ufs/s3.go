package ufs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by S3UFS. *s3.Client satisfies it.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3UFS serves objects from an S3-compatible bucket using ranged GETs.
type S3UFS struct {
	s3     S3API
	bucket string
	prefix string
	logger *zap.Logger
}

func NewS3UFS(s3api S3API, bucket, prefix string, logger *zap.Logger) *S3UFS {
	return &S3UFS{
		s3:     s3api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("s3ufs").With(zap.String("bucket", bucket)),
	}
}

// NewS3UFSFromConfig builds the S3 client for a mount. Endpoint and path style make it
// usable against MinIO or R2; without static keys the default AWS credential chain
// applies.
func NewS3UFSFromConfig(ctx context.Context, cfg config.S3UFSConfig, logger *zap.Logger) (*S3UFS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 mount requires a bucket")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(creds))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewS3UFS(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func (u *S3UFS) objectKey(path string) string {
	path = strings.TrimPrefix(path, "/")
	if u.prefix != "" {
		return u.prefix + "/" + path
	}
	return path
}

func (u *S3UFS) Open(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	key := u.objectKey(path)
	input := &s3.GetObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	start := time.Now()
	resp, err := u.s3.GetObject(ctx, input)
	metrics.S3GetDuration.WithLabelValues(u.bucket).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("S3 get %s: %w", key, err)
	}

	u.logger.Debug("ufs object opened", zap.String("key", key), zap.Int64("offset", offset))
	return resp.Body, nil
}

func (u *S3UFS) Size(ctx context.Context, path string) (int64, error) {
	key := u.objectKey(path)
	resp, err := u.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
	})
	if err != nil {
		return 0, fmt.Errorf("S3 head %s: %w", key, err)
	}
	return aws.ToInt64(resp.ContentLength), nil
}

// Ping checks connectivity with a HeadBucket.
func (u *S3UFS) Ping(ctx context.Context) error {
	_, err := u.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &u.bucket})
	return err
}

func (u *S3UFS) Type() string { return "s3" }
