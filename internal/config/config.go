// Package config loads fieldsync settings.
//
// Values are layered with viper: built-in defaults, then a config file
// (fieldsync.yaml, .toml or .json in the data directory, or --config), then
// FIELDSYNC_* environment variables, then command-line flags bound by the
// caller. A .env file in the working directory is loaded into the
// environment first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
)

// AppName names the data directory and the config file.
const AppName = "fieldsync"

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "FIELDSYNC"

// Remote kinds accepted in remote.kind.
const (
	RemoteMemory = "memory"
	RemoteHTTP   = "http"
	RemoteSQL    = "sql"
)

// Config is the resolved configuration.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Device       DeviceConfig       `mapstructure:"device"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Enrich       EnrichConfig       `mapstructure:"enrich"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Media        MediaConfig        `mapstructure:"media"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type DeviceConfig struct {
	// ID identifies this device in pushed records. Generated and persisted
	// in the data directory when empty.
	ID string `mapstructure:"id"`
}

type RemoteConfig struct {
	Kind      string        `mapstructure:"kind"`
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	SQLDriver string        `mapstructure:"sql_driver"`
	Bucket    string        `mapstructure:"bucket"`
	PublicURL string        `mapstructure:"public_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type EnrichConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type MediaConfig struct {
	Backoff     []string      `mapstructure:"backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type ConnectivityConfig struct {
	// ProbeURL is polled to decide whether the device is online. Empty means
	// the device is assumed online.
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DataDir returns the directory holding the store, device id and config file.
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(xdg.DataHome, AppName)
}

// New returns a viper instance carrying defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v, DataDir())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default value. Keys must be
// registered for AutomaticEnv to see them during Unmarshal.
func SetDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("store.path", filepath.Join(dataDir, AppName+".db"))
	v.SetDefault("device.id", "")

	v.SetDefault("remote.kind", RemoteHTTP)
	v.SetDefault("remote.url", "http://127.0.0.1:8780")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.sql_driver", "libsql")
	v.SetDefault("remote.bucket", "survey-audio")
	v.SetDefault("remote.public_url", "")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("enrich.url", "")
	v.SetDefault("enrich.timeout", 10*time.Second)

	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.call_timeout", 30*time.Second)

	v.SetDefault("media.backoff", []string{"5s", "15s", "30s", "60s"})
	v.SetDefault("media.max_attempts", 0)
	v.SetDefault("media.call_timeout", 2*time.Minute)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)

	v.SetDefault("dashboard.host", "")
	v.SetDefault("dashboard.port", 8787)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// LoadDotEnv loads path into the process environment. A missing file is not
// an error; variables already set are kept.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the config file (explicit path, or fieldsync.* in the data
// directory when present) and resolves the final Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(AppName)
		v.AddConfigPath(DataDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteMemory, RemoteHTTP, RemoteSQL:
	default:
		return fmt.Errorf("invalid remote.kind %q (want memory, http or sql)", c.Remote.Kind)
	}
	if c.Remote.Kind != RemoteMemory && c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required for remote.kind %q", c.Remote.Kind)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Media.MaxAttempts < 0 {
		return fmt.Errorf("media.max_attempts must be >= 0 (got %d)", c.Media.MaxAttempts)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// EnsureDeviceID fills Device.ID from the id file in dir, generating and
// persisting a new ULID on first use. An explicitly configured id wins.
func (c *Config) EnsureDeviceID(dir string) error {
	if c.Device.ID != "" {
		return nil
	}

	path := filepath.Join(dir, "device-id")
	// #nosec G304 - path is inside the data directory
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.Device.ID = id
			return nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read device id: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	id := ulid.Make().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to persist device id: %w", err)
	}
	c.Device.ID = id
	return nil
}
