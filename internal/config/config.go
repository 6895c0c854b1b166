// Package config loads engine and daemon configuration from an optional
// YAML file plus FIELDSYNC_-prefixed environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
)

// ServerConfig configures the localhost companion daemon.
type ServerConfig struct {
	Host        string `koanf:"host"`
	Port        string `koanf:"port"`
	MetricsPort string `koanf:"metrics_port"`
}

// RemoteConfig describes the remote API actions replay against.
type RemoteConfig struct {
	BaseURL        string        `koanf:"base_url"`
	HealthPath     string        `koanf:"health_path"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// StorageConfig locates the durable local store.
type StorageConfig struct {
	DataDir string `koanf:"data_dir"`
}

// SyncConfig carries the queue policy knobs. The defaults preserve the
// engine's documented policy: three attempts, a sixty second grace delay
// before deleting resolved records, and a five minute safety-net sweep.
type SyncConfig struct {
	MaxAttempts   int           `koanf:"max_attempts"`
	GracePeriod   time.Duration `koanf:"grace_period"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	ProbeInterval time.Duration `koanf:"probe_interval"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Remote  RemoteConfig  `koanf:"remote"`
	Storage StorageConfig `koanf:"storage"`
	Sync    SyncConfig    `koanf:"sync"`
	Log     LogConfig     `koanf:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        "8090",
			MetricsPort: "9090",
		},
		Remote: RemoteConfig{
			HealthPath:     "/api/health",
			RequestTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Sync: SyncConfig{
			MaxAttempts:   3,
			GracePeriod:   60 * time.Second,
			SweepInterval: 5 * time.Minute,
			ProbeInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration, applying the file (when present) and then the
// environment over the defaults. Env keys map as
// FIELDSYNC_SYNC__MAX_ATTEMPTS -> sync.max_attempts.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to load config file", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to stat config file", err)
		}
	}

	err := k.Load(env.Provider("FIELDSYNC_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "FIELDSYNC_")
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to load environment", err)
	}

	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
			Squash:           true,
		},
	}
	if err := k.UnmarshalWithConf("", cfg, unmarshalConf); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return apperrors.New(apperrors.ErrConfig, "remote.base_url is required")
	}
	if c.Sync.MaxAttempts < 1 {
		return apperrors.New(apperrors.ErrConfig, "sync.max_attempts must be at least 1")
	}
	if c.Sync.GracePeriod < 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.grace_period must not be negative")
	}
	if c.Sync.SweepInterval <= 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.sweep_interval must be positive")
	}
	if c.Storage.DataDir == "" {
		return apperrors.New(apperrors.ErrConfig, "storage.data_dir is required")
	}
	return nil
}
