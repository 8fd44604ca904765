package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"SceneForge-server/logger"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Domain    string
	URLExpiry time.Duration
}

// MinIOStorage 默认对象存储
type MinIOStorage struct {
	client *minio.Client
	cfg    MinIOConfig
	logger *slog.Logger

	mu            sync.Mutex
	bucketChecked bool
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 72 * time.Hour
	}
	return &MinIOStorage{client: client, cfg: cfg, logger: logger.Component("minio")}, nil
}

// ensureBucket 确保 Bucket 存在，成功后不再检查
func (s *MinIOStorage) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketChecked {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		s.logger.Info("bucket created", "bucket", s.cfg.Bucket)
	}
	s.bucketChecked = true
	return nil
}

// Put 上传并返回可访问的 URL；配置了 Domain 时返回公开地址，否则返回预签名 URL
func (s *MinIOStorage) Put(ctx context.Context, r io.Reader, size int64, objectName string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}
	s.logger.Info("object uploaded", "object", objectName, "size", size)

	if s.cfg.Domain != "" {
		return publicURL(s.cfg.Domain, objectName), nil
	}
	presigned, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, objectName, s.cfg.URLExpiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	return presigned.String(), nil
}

func (s *MinIOStorage) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	objectName, err := objectNameFromURL(rawURL, s.cfg.Domain, s.cfg.Bucket)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", objectName, err)
	}
	return obj, nil
}

// contentTypeFor 根据文件扩展名确定 ContentType
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

func publicURL(prefix, objectName string) string {
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(objectName, "/")
}

// objectNameFromURL 从 Put 返回的 URL 还原对象名，兼容公开地址与 path-style 预签名地址
func objectNameFromURL(rawURL, prefix, bucket string) (string, error) {
	if prefix != "" {
		p := strings.TrimRight(prefix, "/") + "/"
		if strings.HasPrefix(rawURL, p) {
			name, _, _ := strings.Cut(strings.TrimPrefix(rawURL, p), "?")
			return name, nil
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse object url: %w", err)
	}
	path := strings.TrimPrefix(u.Path, "/")
	if bucket != "" {
		if rest, ok := strings.CutPrefix(path, bucket+"/"); ok {
			path = rest
		}
	}
	if path == "" {
		return "", fmt.Errorf("object url %q has no object name", rawURL)
	}
	return path, nil
}
