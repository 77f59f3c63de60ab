package storage

import (
	"context"
	"dmagma/config"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"os"
	"sync"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const clearConcurrency = 16

type S3Options struct {
	Endpoint    string // empty for AWS
	AccessKey   string
	SecretKey   string
	Region      string
	MaxAttempts int // SDK standard retry mode
	Bucket      string
}

// S3 is a Storage backed by any S3-compatible endpoint
type S3 struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	region     string
	logger     *zap.Logger

	bucketMu      sync.Mutex
	bucketCreated bool
}

func NewS3(ctx context.Context, opts S3Options, logger *zap.Logger) (*S3, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = retry.DefaultMaxAttempts
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxAttempts
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     opts.Bucket,
		region:     opts.Region,
		logger:     logger.With(zap.String("bucket", opts.Bucket)),
	}, nil
}

// NewS3FromConfig creates a store for one bucket of the configured endpoint
func NewS3FromConfig(ctx context.Context, cfg config.StorageConfig, bucket string, logger *zap.Logger) (*S3, error) {
	return NewS3(ctx, S3Options{
		Endpoint:    cfg.Endpoint,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Region:      cfg.Region,
		MaxAttempts: cfg.MaxAttempts,
		Bucket:      bucket,
	}, logger)
}

func (s *S3) Bucket() string {
	return s.bucket
}

// ensureBucket creates the bucket once per instance. Losing a creation race
// against another worker is not an error.
func (s *S3) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketCreated {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(s.region),
		}
	}

	_, err := s.client.CreateBucket(ctx, input)
	var owned *s3Types.BucketAlreadyOwnedByYou
	var exists *s3Types.BucketAlreadyExists
	switch {
	case err == nil:
		s.logger.Debug("created bucket")
	case errors.As(err, &owned), errors.As(err, &exists):
		s.logger.Debug("bucket already exists")
	default:
		return err
	}
	s.bucketCreated = true
	return nil
}

func (s *S3) Put(ctx context.Context, localFile, key string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return s.translate("put", key, err)
	}

	file, err := os.Open(localFile)
	if err != nil {
		return s.translate("put", key, err)
	}
	defer file.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return s.translate("put", key, err)
	}
	s.logger.Debug("uploaded object", zap.String("key", key), zap.String("file", localFile))
	return nil
}

func (s *S3) Get(ctx context.Context, key, localFile string) error {
	file, err := os.Create(localFile)
	if err != nil {
		return s.translate("get", key, err)
	}

	_, err = s.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	closeErr := file.Close()
	if err != nil {
		os.Remove(localFile)
		return s.translate("get", key, err)
	}
	if closeErr != nil {
		return s.translate("get", key, closeErr)
	}
	return nil
}

func (s *S3) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}

		paginator := s3.NewListObjectsV2Paginator(s.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				// a bucket nobody has written to yet holds no keys
				var noBucket *s3Types.NoSuchBucket
				if errors.As(err, &noBucket) {
					return
				}
				yield("", s.translate("list", prefix, err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(aws.ToString(obj.Key), nil) {
					return
				}
			}
		}
	}
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.translate("delete", key, err)
	}
	return nil
}

func (s *S3) Clear(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return s.translate("clear", "", err)
	}

	keys, err := Keys(s.List(ctx, ""))
	if err != nil {
		return err
	}

	pool := pond.New(clearConcurrency, 0, pond.MinWorkers(clearConcurrency))
	defer pool.StopAndWait()
	group, groupCtx := pool.GroupContext(ctx)
	for _, key := range keys {
		group.Submit(func() error {
			return s.Delete(groupCtx, key)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if _, err := s.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return s.translate("clear", "", err)
	}

	s.bucketMu.Lock()
	s.bucketCreated = false
	s.bucketMu.Unlock()
	s.logger.Debug("deleted bucket", zap.Int("objects", len(keys)))
	return nil
}

// translate is the single place where SDK errors become storage errors
func (s *S3) translate(op, key string, err error) error {
	return &Error{Op: op, Bucket: s.bucket, Key: key, Err: err, NotFound: isNotFound(err)}
}

func isNotFound(err error) bool {
	var noKey *s3Types.NoSuchKey
	var notFound *s3Types.NotFound
	var noBucket *s3Types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
