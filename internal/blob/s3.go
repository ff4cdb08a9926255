package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sheet-vault/internal/config"
	"github.com/sirupsen/logrus"
)

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store stores blobs in an S3 bucket.
// Object layout: <prefix>/<document_id>/v<n>/<file> and <prefix>/<project>/current/<file>.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates a new S3-backed blob store.
// Region can be empty to use the default AWS config chain. A custom endpoint
// switches to path-style addressing for S3-compatible storage.
func NewS3Store(ctx context.Context, cfg config.S3Config, logger *logrus.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var (
		awsCfg aws.Config
		err    error
	)
	if cfg.Region != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var cli *s3.Client
	if cfg.Endpoint != "" {
		cli = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
		logger.WithField("endpoint", cfg.Endpoint).Info("S3 store using custom endpoint (path-style)")
	} else {
		cli = s3.NewFromConfig(awsCfg)
		logger.WithField("region", awsCfg.Region).Info("S3 store using AWS S3")
	}

	return NewS3StoreWithClient(cli, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wraps an existing S3 client
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Put writes an object. Without overwrite the write is conditional on the
// key being absent (If-None-Match: *).
func (s *S3Store) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
		Body:   bytes.NewReader(data),
	}
	if !overwrite {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if hasCode(err, "PreconditionFailed", "ConditionalRequestConflict") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to put object %s: %w", key, classifyS3(err))
	}
	return nil
}

// Get reads an object
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
	})
	if err != nil {
		if hasCode(err, "NoSuchKey", "NotFound") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, classifyS3(err))
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, &TransientError{Err: err})
	}
	return content, nil
}

// Exists checks for an object with HeadObject
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
	})
	if err != nil {
		if hasCode(err, "NotFound", "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object %s: %w", key, classifyS3(err))
	}
	return true, nil
}

func hasCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}

func classifyS3(err error) error {
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && transientStatus(statusErr.HTTPStatusCode()) {
		return &TransientError{Err: err}
	}
	return err
}
