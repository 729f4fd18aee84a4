package keysource

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxKeyringSize bounds how much of the S3 object is read.
const maxKeyringSize = 64 << 10

// ObjectGetter is the part of the S3 client the key source uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads keyring definitions from S3 objects.
type S3Source struct {
	client ObjectGetter
}

// NewS3Source wraps an S3 client.
func NewS3Source(client ObjectGetter) *S3Source {
	return &S3Source{client: client}
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("keysource: load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Fetch returns the content of bucket/objectKey.
func (s *S3Source) Fetch(ctx context.Context, bucket, objectKey string) (string, error) {
	if objectKey == "" {
		return "", fmt.Errorf("keysource: object key cannot be empty")
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return "", fmt.Errorf("keysource: get s3://%s/%s: %w", bucket, objectKey, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxKeyringSize))
	if err != nil {
		return "", fmt.Errorf("keysource: read s3://%s/%s: %w", bucket, objectKey, err)
	}
	return string(body), nil
}
