package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix prefixes environment overrides: CLASSIFIER_MODEL_LOCATION sets
// model.location.
const EnvPrefix = "CLASSIFIER_"

// Config is the service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Model    ModelConfig    `koanf:"model"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Search   SearchConfig   `koanf:"search"`
	Redis    RedisConfig    `koanf:"redis"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	GRPC     GRPCConfig     `koanf:"grpc"`
}

// ServerConfig defines the HTTP server.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	Mode            string        `koanf:"mode"`
	ReadTimeout     time.Duration `koanf:"readtimeout"`
	WriteTimeout    time.Duration `koanf:"writetimeout"`
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout"`
	MaxUploadSize   int64         `koanf:"maxuploadsize"`
}

// ModelConfig locates the classifier artifacts.
type ModelConfig struct {
	Location    string        `koanf:"location"`
	Labels      string        `koanf:"labels"`
	CacheDir    string        `koanf:"cachedir"`
	LibraryPath string        `koanf:"librarypath"`
	NumThreads  int           `koanf:"numthreads"`
	InputScale  float32       `koanf:"inputscale"`
	LoadTimeout time.Duration `koanf:"loadtimeout"`
	Preload     bool          `koanf:"preload"`
	S3          S3Config      `koanf:"s3"`
}

// S3Config is the object storage used for s3:// model locations.
type S3Config struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"accesskey"`
	SecretKey string `koanf:"secretkey"`
	UseSSL    bool   `koanf:"usessl"`
}

// PipelineConfig fixes the canonical image size and ranking depth.
type PipelineConfig struct {
	Width     int           `koanf:"width"`
	Height    int           `koanf:"height"`
	TopK      int           `koanf:"topk"`
	Deadline  time.Duration `koanf:"deadline"`
	MaxPixels int           `koanf:"maxpixels"`
}

// SearchConfig configures the Google Custom Search client.
type SearchConfig struct {
	BaseURL string        `koanf:"baseurl"`
	Key     string        `koanf:"key"`
	CX      string        `koanf:"cx"`
	Timeout time.Duration `koanf:"timeout"`
	Retries int           `koanf:"retries"`
}

// RedisConfig configures the result cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	TTL      time.Duration `koanf:"ttl"`
}

// DatabaseConfig configures prediction logs. An empty DSN disables them.
type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxIdleConns    int           `koanf:"maxidleconns"`
	MaxOpenConns    int           `koanf:"maxopenconns"`
	ConnMaxLifetime time.Duration `koanf:"connmaxlifetime"`
}

// AuthConfig enables bearer-token auth when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string `koanf:"jwtsecret"`
	JWTAudience string `koanf:"jwtaudience"`
}

// GRPCConfig configures the gRPC health endpoint. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `koanf:"addr"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.addr":            ":8080",
		"server.mode":            "debug",
		"server.readtimeout":     "15s",
		"server.writetimeout":    "60s",
		"server.shutdowntimeout": "15s",
		"server.maxuploadsize":   10 << 20,

		"model.location":    "./models/vgg19.onnx",
		"model.labels":      "./models/imagenet_classes.txt",
		"model.cachedir":    "./models/.cache",
		"model.numthreads":  0,
		"model.inputscale":  1.0,
		"model.loadtimeout": "2m",
		"model.preload":     true,

		"pipeline.width":     224,
		"pipeline.height":    224,
		"pipeline.topk":      3,
		"pipeline.deadline":  "30s",
		"pipeline.maxpixels": 40_000_000,

		"search.baseurl": "https://www.googleapis.com/customsearch/v1",
		"search.timeout": "10s",
		"search.retries": 2,

		"redis.ttl": "24h",

		"database.maxidleconns":    5,
		"database.maxopenconns":    10,
		"database.connmaxlifetime": "1h",
	}
}

// Load reads defaults, then the YAML file at path when it exists, then
// CLASSIFIER_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.Width <= 0 || c.Pipeline.Height <= 0 {
		return fmt.Errorf("pipeline size must be positive, got %dx%d", c.Pipeline.Width, c.Pipeline.Height)
	}
	if c.Pipeline.MaxPixels <= 0 {
		return fmt.Errorf("pipeline.maxpixels must be positive, got %d", c.Pipeline.MaxPixels)
	}
	if c.Pipeline.TopK <= 0 {
		return fmt.Errorf("pipeline.topk must be positive, got %d", c.Pipeline.TopK)
	}
	if c.Model.Location == "" {
		return errors.New("model.location is required")
	}
	if c.Model.Labels == "" {
		return errors.New("model.labels is required")
	}
	if c.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("server.maxuploadsize must be positive, got %d", c.Server.MaxUploadSize)
	}
	return nil
}

// SearchEnabled reports whether search credentials are present.
func (c SearchConfig) SearchEnabled() bool {
	return c.Key != "" && c.CX != ""
}
