package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 224, cfg.Pipeline.Width)
	assert.Equal(t, 224, cfg.Pipeline.Height)
	assert.Equal(t, 3, cfg.Pipeline.TopK)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Deadline)
	assert.Equal(t, 40_000_000, cfg.Pipeline.MaxPixels)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadSize)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Database.DSN)
	assert.False(t, cfg.Search.SearchEnabled())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  addr: ":9090"
  mode: release
pipeline:
  width: 299
  height: 299
  topk: 5
search:
  key: file-key
  cx: file-cx
model:
  location: s3://models/vgg19.onnx
  s3:
    endpoint: minio:9000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("CLASSIFIER_PIPELINE_TOPK", "7")
	t.Setenv("CLASSIFIER_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, 299, cfg.Pipeline.Width)
	assert.Equal(t, 7, cfg.Pipeline.TopK)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "s3://models/vgg19.onnx", cfg.Model.Location)
	assert.Equal(t, "minio:9000", cfg.Model.S3.Endpoint)
	assert.True(t, cfg.Search.SearchEnabled())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CLASSIFIER_PIPELINE_WIDTH", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{MaxUploadSize: 1},
			Model:    ModelConfig{Location: "m.onnx", Labels: "labels.txt"},
			Pipeline: PipelineConfig{Width: 1, Height: 1, TopK: 1, MaxPixels: 1},
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	mutations := map[string]func(*Config){
		"width":    func(c *Config) { c.Pipeline.Width = 0 },
		"height":   func(c *Config) { c.Pipeline.Height = -1 },
		"topk":     func(c *Config) { c.Pipeline.TopK = 0 },
		"pixels":   func(c *Config) { c.Pipeline.MaxPixels = -1 },
		"model":    func(c *Config) { c.Model.Location = "" },
		"labels":   func(c *Config) { c.Model.Labels = "" },
		"max size": func(c *Config) { c.Server.MaxUploadSize = 0 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
