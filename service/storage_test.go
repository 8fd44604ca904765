package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SceneForge-server/config"
)

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/mp4", contentTypeFor("projects/p/scenes/1/video.mp4"))
	assert.Equal(t, "image/webp", contentTypeFor("first.WEBP"))
	assert.Equal(t, "image/png", contentTypeFor("last.png"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("blob"))
}

func TestObjectNameFromURL(t *testing.T) {
	name, err := objectNameFromURL("https://cdn.test/media/projects/p1/final/final.mp4", "https://cdn.test/media/", "videos")
	require.NoError(t, err)
	assert.Equal(t, "projects/p1/final/final.mp4", name)

	name, err = objectNameFromURL("http://minio:9000/videos/projects/p1/scenes/2/video.mp4?X-Amz-Signature=abc", "", "videos")
	require.NoError(t, err)
	assert.Equal(t, "projects/p1/scenes/2/video.mp4", name)

	_, err = objectNameFromURL("http://minio:9000/", "", "videos")
	assert.Error(t, err)
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t, "https://cdn.test/a/b.mp4", publicURL("https://cdn.test/", "/a/b.mp4"))
}

func TestNewStorageUnknownType(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Type = "ftp"
	_, err := NewStorage(cfg)
	assert.ErrorContains(t, err, "ftp")
}

func TestNewStorageMinIO(t *testing.T) {
	cfg := &config.Config{}
	cfg.MinIO.Endpoint = "localhost:9000"
	cfg.MinIO.Bucket = "videos"
	st, err := NewStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &MinIOStorage{}, st)
}
