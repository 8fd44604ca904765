package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mysql:
  dsn: "root:root@tcp(127.0.0.1:3306)/sceneforge?parseTime=true"
pipeline:
  script_timeout: "45s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "minio", cfg.Storage.Type)
	assert.Equal(t, "sequential", cfg.Pipeline.DefaultMode)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.ScriptTimeout)
	assert.Equal(t, 60*time.Minute, cfg.Pipeline.RunTimeout)
	assert.Equal(t, 8.0, cfg.Pipeline.MaxSceneDuration)
	assert.Equal(t, 72*time.Hour, cfg.MinIO.URLExpiry)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
mysql:
  dsn: "root:root@tcp(127.0.0.1:3306)/sceneforge"
gemini:
  api_key: "from-file"
`)
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("SERVER_PORT", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gemini.APIKey)
	assert.Equal(t, ":9090", cfg.Server.Port)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing dsn", "server:\n  port: \":1\"\n"},
		{"bad storage", "mysql:\n  dsn: \"u:p@tcp(h:1)/db\"\nstorage:\n  type: \"ftp\"\n"},
		{"bad mode", "mysql:\n  dsn: \"u:p@tcp(h:1)/db\"\npipeline:\n  default_mode: \"random\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MYSQL_DSN", "")
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
