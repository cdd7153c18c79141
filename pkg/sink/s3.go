package sink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oklog/ulid/v2"
)

// S3Uploader uploads each flushed batch as one object under a timestamped,
// ULID-suffixed key. Credentials come from the ambient SDK default chain
// (environment, shared config, instance role) — no custom refresh logic.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader loads the default AWS config and builds an uploader for
// bucket/prefix. httpClient, when non-nil, replaces the SDK's default
// transport so the S3 endpoint is resolved through the same upstream DNS
// path as everything else this process does, instead of the host resolver.
func NewS3Uploader(ctx context.Context, bucket, prefix string, httpClient *http.Client) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: load aws config: %w", err)
	}
	return &S3Uploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, payload []byte) error {
	key := fmt.Sprintf("%s/%s-%s.ndjson", u.prefix, time.Now().UTC().Format("20060102T150405Z"), ulid.Make().String())

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("sink: s3 put object %s/%s: %w", u.bucket, key, err)
	}
	return nil
}
