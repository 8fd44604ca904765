package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"SceneForge-server/logger"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	PublicURL string
	URLExpiry time.Duration
}

// S3Storage S3 兼容存储（R2 等）
type S3Storage struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	cfg           S3Config
	logger        *slog.Logger
}

func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 72 * time.Hour
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &S3Storage{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		cfg:           cfg,
		logger:        logger.Component("s3_storage"),
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, r io.Reader, size int64, key string) (string, error) {
	// SigV4 需要可 Seek 的 body
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read data: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to s3: %w", err)
	}
	s.logger.InfoContext(ctx, "object uploaded", "key", key, "size", len(data))

	if s.cfg.PublicURL != "" {
		return publicURL(s.cfg.PublicURL, key), nil
	}
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.URLExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Storage) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	key, err := objectNameFromURL(rawURL, s.cfg.PublicURL, s.cfg.Bucket)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from s3: %w", key, err)
	}
	return out.Body, nil
}
