package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"photovote/internal/config"
	"photovote/internal/photovote"
)

// Environment variables holding static S3 credentials. When unset the
// default AWS credential chain is used.
const (
	EnvS3AccessKeyID     = "PHOTOVOTE_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "PHOTOVOTE_S3_SECRET_ACCESS_KEY"
)

// downloader is the subset of manager.Downloader used by S3Source.
type downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

// S3Source reads the feed document from an S3-compatible bucket.
type S3Source struct {
	bucket string
	key    string
	dl     downloader
}

var _ photovote.FeedSource = (*S3Source)(nil)

// NewS3Source builds an S3 client from the feed configuration. A custom
// endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Source(ctx context.Context, cfg config.FeedConfig) (*S3Source, error) {
	if cfg.S3Bucket == "" || cfg.S3Key == "" {
		return nil, fmt.Errorf("s3 feed requires s3_bucket and s3_key")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if id, secret := os.Getenv(EnvS3AccessKeyID), os.Getenv(EnvS3SecretAccessKey); id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Source{
		bucket: cfg.S3Bucket,
		key:    cfg.S3Key,
		dl:     manager.NewDownloader(client),
	}, nil
}

func (s *S3Source) Items(ctx context.Context) ([]photovote.FeedItem, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.dl.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return Parse(bytes.NewReader(buf.Bytes()))
}
