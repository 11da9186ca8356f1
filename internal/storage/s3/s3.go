// Package s3 provides a share source backed by an S3 bucket prefix.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/metrics"
	"github.com/podgallery/podgallery/internal/storage"
	"github.com/podgallery/podgallery/pkg/retry"
)

// Config holds S3 source settings.
type Config struct {
	Endpoint     string
	Bucket       string
	Prefix       string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Source implements storage.Source over the objects below a prefix.
type Source struct {
	client *s3.Client
	bucket string
	prefix string
	retry  retry.Config
}

// New creates an S3 source. Static credentials are used when an access key
// is configured, the default AWS chain otherwise.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Source{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		retry:  retry.DefaultConfig(),
	}, nil
}

// List pages through every object below the prefix. Directory markers are skipped.
func (s *Source) List(ctx context.Context) ([]storage.File, error) {
	start := time.Now()
	files, err := retry.DoWithResult(ctx, s.retry, func() ([]storage.File, error) {
		files, err := s.list(ctx)
		if err != nil && ctx.Err() == nil {
			return nil, retry.Retryable(err)
		}
		return files, err
	})
	metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
	}

	logging.Debug("S3 listed share prefix",
		logging.String("bucket", s.bucket),
		logging.String("prefix", s.prefix),
		logging.Int("files", len(files)))
	return files, nil
}

func (s *Source) list(ctx context.Context) ([]storage.File, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	var files []storage.File
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, s.prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			files = append(files, storage.File{
				Name:        name,
				ContentType: storage.ContentTypeFor(name),
				Size:        aws.ToInt64(obj.Size),
				ModTime:     aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Open fetches an object. A missing key maps to storage.ErrNotFound.
func (s *Source) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean != name {
		return nil, fmt.Errorf("open %s: invalid object name", name)
	}

	start := time.Now()
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("get object %s: %w", name, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", name, err)
	}

	metrics.RecordS3Operation("get_object", time.Since(start), true)
	return result.Body, nil
}

// Type returns "s3".
func (s *Source) Type() string { return "s3" }
