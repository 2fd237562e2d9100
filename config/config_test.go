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
	t.Setenv(EnvConfig, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 256, cfg.Model.ImageSize)
	assert.Equal(t, 2, cfg.Model.TopK)
	assert.Equal(t, BackendAuto, cfg.Classifier.Backend)
	assert.Equal(t, 5*time.Second, cfg.Remote.ProbeTimeout)
	assert.Equal(t, DriverFile, cfg.Store.Driver)
	assert.Equal(t, "adcog:", cfg.Store.Redis.KeyPrefix)
	assert.Equal(t, 3, cfg.Fetch.RetryAttempts)
	assert.True(t, cfg.IsProduction())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv("ADCOG_MODEL_URL", "https://models.example.com/cnn.onnx")
	t.Setenv("ADCOG_CLASSIFIER_BACKEND", "local")
	t.Setenv("ADCOG_REMOTE_PROBE_TIMEOUT", "750ms")
	t.Setenv("ADCOG_ONNX_POOL_SIZE", "8")
	t.Setenv("ADCOG_APP_ENV", "development")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://models.example.com/cnn.onnx", cfg.Model.URL)
	assert.Equal(t, BackendLocal, cfg.Classifier.Backend)
	assert.Equal(t, 750*time.Millisecond, cfg.Remote.ProbeTimeout)
	assert.Equal(t, 8, cfg.ONNX.PoolSize)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvConfig, "")
	path := filepath.Join(t.TempDir(), "adcog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
classifier:
  backend: remote
remote:
  url: http://classifier.internal:5000
store:
  driver: redis
  redis:
    addr: redis.internal:6379
model:
  labels: [unsafe, safe]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRemote, cfg.Classifier.Backend)
	assert.Equal(t, "http://classifier.internal:5000", cfg.Remote.URL)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, []string{"unsafe", "safe"}, cfg.Model.Labels)
}

func TestLoadFileFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adcog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644))
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv(EnvConfig, "")
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Classifier.Backend = "gpu" }},
		{"remote without url", func(c *Config) { c.Classifier.Backend = BackendRemote }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "s3" }},
		{"file without dir", func(c *Config) { c.Store.Dir = "" }},
		{"redis without addr", func(c *Config) { c.Store.Driver = DriverRedis; c.Store.Redis.Addr = "" }},
		{"zero image size", func(c *Config) { c.Model.ImageSize = 0 }},
		{"zero top k", func(c *Config) { c.Model.TopK = 0 }},
		{"jpeg quality", func(c *Config) { c.Remote.JPEGQuality = 101 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
