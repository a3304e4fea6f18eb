package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Putter is the subset of the S3 client the store needs.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 backend. Endpoint selects an S3-compatible
// service and switches to path-style addressing.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
	// BaseURL overrides the public URL base derived from bucket and region.
	BaseURL string
}

// S3 uploads images to a bucket and returns their public object URL.
type S3 struct {
	client  S3Putter
	bucket  string
	prefix  string
	baseURL string
	log     *slog.Logger
}

// NewS3 loads the default AWS credential chain for cfg.Region.
func NewS3(ctx context.Context, cfg S3Config, log *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("%w: s3 bucket and region are required", ErrInvalidConfig)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg, log)
}

// NewS3WithClient wires an existing client.
func NewS3WithClient(client S3Putter, cfg S3Config, log *slog.Logger) (*S3, error) {
	if client == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 client and bucket are required", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Endpoint != "" {
			baseURL = fmt.Sprintf("%s/%s", strings.TrimSuffix(cfg.Endpoint, "/"), cfg.Bucket)
		} else {
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		baseURL: baseURL,
		log:     log.With("component", "imagestore.s3"),
	}, nil
}

func (s *S3) Save(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "image/png"
	}
	key := s.prefix + name

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("upload image %s: %w", key, err)
	}

	s.log.Debug("Image uploaded", "bucket", s.bucket, "key", key, "bytes", len(data))
	return s.baseURL + key, nil
}
