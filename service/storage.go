package service

import (
	"fmt"

	"SceneForge-server/config"
	"SceneForge-server/pipeline"
)

// NewStorage 按 storage.type 选择存储后端
func NewStorage(cfg *config.Config) (pipeline.Storage, error) {
	switch cfg.Storage.Type {
	case "", "minio":
		m := cfg.MinIO
		return NewMinIOStorage(MinIOConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			UseSSL:    m.UseSSL,
			Domain:    m.Domain,
			URLExpiry: m.URLExpiry,
		})
	case "s3":
		s := cfg.S3
		return NewS3Storage(S3Config{
			Endpoint:  s.Endpoint,
			Region:    s.Region,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			Bucket:    s.Bucket,
			PublicURL: s.PublicURL,
			URLExpiry: s.URLExpiry,
		})
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}
