package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink mirrors completed transfers into an S3-compatible bucket.
// It is meant to be composed with LocalSink via MultiSink rather than
// used standalone, so a transfer always lands locally even if the
// archive upload fails.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
	// Timeout bounds a single PutObject call; zero means no timeout.
	Timeout time.Duration
}

// NewS3Sink resolves AWS credentials the standard SDK way (env vars,
// shared config, instance profile) and optionally targets a custom
// endpoint for S3-compatible stores.
func NewS3Sink(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Sink, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		}
	})

	return &S3Sink{client: client, bucket: bucket, prefix: prefix, Timeout: 30 * time.Second}, nil
}

// Store uploads data as an object keyed by prefix/filename.
func (s *S3Sink) Store(filename string, data []byte) error {
	ctx := context.Background()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	key := filename
	if s.prefix != "" {
		key = strings.TrimSuffix(s.prefix, "/") + "/" + filename
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", filename, s.bucket, key, err)
	}
	return nil
}
