package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp4" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("mp4 bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewHTTPFetcher()

	dst := filepath.Join(dir, "a.mp4")
	n, err := f.Download(context.Background(), srv.URL+"/a.mp4", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	data, _ := os.ReadFile(dst)
	assert.Equal(t, "mp4 bytes", string(data))

	_, err = f.Download(context.Background(), srv.URL+"/missing.mp4", filepath.Join(dir, "b.mp4"))
	assert.ErrorContains(t, err, "404")
	_, statErr := os.Stat(filepath.Join(dir, "b.mp4"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestHTTPFetcherDataURL(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "ref.png")
	n, err := NewHTTPFetcher().Download(context.Background(), "data:image/png;base64,aGVsbG8=", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = NewHTTPFetcher().Download(context.Background(), "data:text/plain,hello", dst)
	assert.Error(t, err)
}
