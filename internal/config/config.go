// Package config loads service settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_PATH is not set. A missing file there is not an error.
const DefaultPath = "config.yaml"

// Config is the root configuration structure.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Model  ModelConfig  `yaml:"model"`
	Gate   GateConfig   `yaml:"gate"`
	Cache  CacheConfig  `yaml:"cache"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains listener and request limits.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	GRPCHealthAddr  string        `yaml:"grpc_health_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	// MaxImagePixels caps width*height of a decoded upload.
	MaxImagePixels int64 `yaml:"max_image_pixels"`
}

// ModelConfig points at the serialized classifier.
type ModelConfig struct {
	Path           string `yaml:"path"`
	RuntimeLibrary string `yaml:"runtime_library"`
	InputName      string `yaml:"input_name"`
	OutputName     string `yaml:"output_name"`
}

// GateConfig controls the MRI plausibility check.
type GateConfig struct {
	ReferenceDir string `yaml:"reference_dir"`
	Threshold    int    `yaml:"threshold"`
	FailClosed   bool   `yaml:"fail_closed"`
}

// CacheConfig configures the shared reference fingerprint cache.
type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// AuthConfig enables bearer token auth on the API when Secret is set.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

// LogConfig sets the zap level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCHealthAddr:  ":8081",
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  10 << 20,
			MaxImagePixels:  89478485,
		},
		Model: ModelConfig{
			Path:       "model.onnx",
			InputName:  "input",
			OutputName: "output",
		},
		Gate: GateConfig{
			ReferenceDir: "reference_mri",
			Threshold:    10,
			FailClosed:   true,
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path, then
// environment overrides. An empty path falls back to CONFIG_PATH and then
// DefaultPath; only an explicitly requested file is required to exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv("CONFIG_PATH"); env != "" {
			path = env
			explicit = true
		} else {
			path = DefaultPath
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("HTTP_ADDR", c.Server.Addr)
	c.Server.GRPCHealthAddr = getEnv("GRPC_HEALTH_ADDR", c.Server.GRPCHealthAddr)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.RuntimeLibrary = getEnv("ONNXRUNTIME_LIB", c.Model.RuntimeLibrary)
	c.Model.InputName = getEnv("MODEL_INPUT_NAME", c.Model.InputName)
	c.Model.OutputName = getEnv("MODEL_OUTPUT_NAME", c.Model.OutputName)
	c.Gate.ReferenceDir = getEnv("REFERENCE_DIR", c.Gate.ReferenceDir)
	c.Cache.RedisAddr = getEnv("REDIS_ADDR", c.Cache.RedisAddr)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = getEnv("JWT_AUDIENCE", c.Auth.JWTAudience)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("GATE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GATE_THRESHOLD: %w", err)
		}
		c.Gate.Threshold = n
	}
	if v := os.Getenv("GATE_FAIL_CLOSED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GATE_FAIL_CLOSED: %w", err)
		}
		c.Gate.FailClosed = b
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
		}
		c.Server.MaxUploadBytes = n
	}
	if v := os.Getenv("MAX_IMAGE_PIXELS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_IMAGE_PIXELS: %w", err)
		}
		c.Server.MaxImagePixels = n
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
		c.Server.ShutdownTimeout = d
	}
	return nil
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Model.Path == "" {
		return errors.New("model path is required")
	}
	if c.Gate.Threshold < 0 {
		return fmt.Errorf("gate threshold must not be negative, got %d", c.Gate.Threshold)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if c.Server.MaxImagePixels <= 0 {
		return fmt.Errorf("max image pixels must be positive, got %d", c.Server.MaxImagePixels)
	}
	if c.Server.Addr == "" {
		return errors.New("server addr is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
