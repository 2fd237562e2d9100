// Package config loads settings from defaults, an optional file and ADCOG_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "ADCOG"
	EnvConfig = "ADCOG_CONFIG"

	BackendLocal  = "local"
	BackendRemote = "remote"
	BackendAuto   = "auto"

	DriverFile  = "file"
	DriverRedis = "redis"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Model      ModelConfig      `mapstructure:"model"`
	ONNX       ONNXConfig       `mapstructure:"onnx"`
	Store      StoreConfig      `mapstructure:"store"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

type ModelConfig struct {
	URL       string   `mapstructure:"url"`
	ImageSize int      `mapstructure:"image_size"`
	TopK      int      `mapstructure:"top_k"`
	Labels    []string `mapstructure:"labels"`
}

type ONNXConfig struct {
	LibraryPath       string        `mapstructure:"library_path"`
	InputName         string        `mapstructure:"input_name"`
	OutputName        string        `mapstructure:"output_name"`
	PoolSize          int           `mapstructure:"pool_size"`
	IntraOpThreads    int           `mapstructure:"intra_op_threads"`
	InterOpThreads    int           `mapstructure:"inter_op_threads"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	Dir         string        `mapstructure:"dir"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
}

type ClassifierConfig struct {
	Backend      string        `mapstructure:"backend"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

type RemoteConfig struct {
	URL            string        `mapstructure:"url"`
	HealthPath     string        `mapstructure:"health_path"`
	PredictPath    string        `mapstructure:"predict_path"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	JPEGQuality    int           `mapstructure:"jpeg_quality"`
}

type MetricsConfig struct {
	StatsdAddr   string   `mapstructure:"statsd_addr"`
	SamplingRate float64  `mapstructure:"sampling_rate"`
	Tags         []string `mapstructure:"tags"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ad-cognition")
	v.SetDefault("app.env", "production")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("model.url", "")
	v.SetDefault("model.image_size", 256)
	v.SetDefault("model.top_k", 2)
	v.SetDefault("model.labels", []string{})

	v.SetDefault("onnx.library_path", "")
	v.SetDefault("onnx.input_name", "")
	v.SetDefault("onnx.output_name", "")
	v.SetDefault("onnx.pool_size", 4)
	v.SetDefault("onnx.intra_op_threads", 0)
	v.SetDefault("onnx.inter_op_threads", 0)
	v.SetDefault("onnx.acquire_timeout", 5*time.Second)
	v.SetDefault("onnx.health_check_period", 60*time.Second)

	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.dir", "./data/models")
	v.SetDefault("store.lock_timeout", 10*time.Second)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "adcog:")

	v.SetDefault("fetch.timeout", 60*time.Second)
	v.SetDefault("fetch.retry_attempts", 3)
	v.SetDefault("fetch.retry_delay", 100*time.Millisecond)
	v.SetDefault("fetch.max_bytes", 512<<20)

	v.SetDefault("classifier.backend", BackendAuto)
	v.SetDefault("classifier.probe_timeout", 5*time.Second)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.health_path", "/health")
	v.SetDefault("remote.predict_path", "/predict")
	v.SetDefault("remote.probe_timeout", 5*time.Second)
	v.SetDefault("remote.request_timeout", 30*time.Second)
	v.SetDefault("remote.jpeg_quality", 90)

	v.SetDefault("metrics.statsd_addr", "")
	v.SetDefault("metrics.sampling_rate", 1.0)
	v.SetDefault("metrics.tags", []string{})
}

// Load reads configuration. An empty path falls back to $ADCOG_CONFIG; with
// neither set only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	switch c.Classifier.Backend {
	case BackendLocal, BackendRemote, BackendAuto:
	default:
		problems = append(problems, fmt.Sprintf("classifier.backend %q is not one of local, remote, auto", c.Classifier.Backend))
	}
	if c.Classifier.Backend == BackendRemote && c.Remote.URL == "" {
		problems = append(problems, "remote.url is required for the remote backend")
	}

	switch c.Store.Driver {
	case DriverFile:
		if c.Store.Dir == "" {
			problems = append(problems, "store.dir is required for the file driver")
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			problems = append(problems, "store.redis.addr is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of file, redis", c.Store.Driver))
	}

	if c.Model.ImageSize <= 0 {
		problems = append(problems, "model.image_size must be positive")
	}
	if c.Model.TopK <= 0 {
		problems = append(problems, "model.top_k must be positive")
	}
	if c.Remote.JPEGQuality < 1 || c.Remote.JPEGQuality > 100 {
		problems = append(problems, "remote.jpeg_quality must be within 1..100")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction reports whether logs should be emitted as JSON.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}
