// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. OBRAS_DB_PATH.
const EnvPrefix = "OBRAS"

// Config holds all configuration of the sync agent.
type Config struct {
	DB      DBConfig      `mapstructure:"db" json:"db" yaml:"db"`
	Sync    SyncConfig    `mapstructure:"sync" json:"sync" yaml:"sync"`
	Remote  RemoteConfig  `mapstructure:"remote" json:"remote" yaml:"remote"`
	Network NetworkConfig `mapstructure:"network" json:"network" yaml:"network"`
	Secure  SecureConfig  `mapstructure:"secure" json:"secure" yaml:"secure"`
	Log     LogConfig     `mapstructure:"log" json:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
}

type DBConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

type SyncConfig struct {
	Interval               time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	BatchSize              int           `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`
	PoisonThreshold        int           `mapstructure:"poison_threshold" json:"poison_threshold" yaml:"poison_threshold"`
	Retention              time.Duration `mapstructure:"retention" json:"retention" yaml:"retention"`
	RetryDelay             time.Duration `mapstructure:"retry_delay" json:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay          time.Duration `mapstructure:"max_retry_delay" json:"max_retry_delay" yaml:"max_retry_delay"`
	CountTransientFailures bool          `mapstructure:"count_transient_failures" json:"count_transient_failures" yaml:"count_transient_failures"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	// Token is a static bearer token; when empty the agent uses the token
	// saved in the secure store.
	Token string `mapstructure:"token" json:"-" yaml:"-"`
}

type NetworkConfig struct {
	ProbeURL         string        `mapstructure:"probe_url" json:"probe_url" yaml:"probe_url"`
	PollInterval     time.Duration `mapstructure:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
	HostPollInterval time.Duration `mapstructure:"host_poll_interval" json:"host_poll_interval" yaml:"host_poll_interval"`
}

// SecureConfig selects where secrets live: keyring, file or memory.
type SecureConfig struct {
	Backend string `mapstructure:"backend" json:"backend" yaml:"backend"`
	File    string `mapstructure:"file" json:"file" yaml:"file"`
	Service string `mapstructure:"service" json:"service" yaml:"service"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`
	Format     string `mapstructure:"format" json:"format" yaml:"format"`
	File       string `mapstructure:"file" json:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr" yaml:"addr"`
}

// DefaultConfig returns a configuration suitable for a single device.
func DefaultConfig() Config {
	return Config{
		DB: DBConfig{Path: "obras.db"},
		Sync: SyncConfig{
			Interval:        5 * time.Minute,
			BatchSize:       50,
			PoisonThreshold: 5,
			Retention:       7 * 24 * time.Hour,
			RetryDelay:      30 * time.Second,
			MaxRetryDelay:   15 * time.Minute,
		},
		Remote: RemoteConfig{Timeout: 30 * time.Second},
		Network: NetworkConfig{
			ProbeURL:         "https://clients3.google.com/generate_204",
			PollInterval:     time.Second,
			HostPollInterval: 10 * time.Second,
		},
		Secure: SecureConfig{
			Backend: "keyring",
			File:    "obras-secure.json",
			Service: "innoma-obras",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{Addr: ":9464"},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DB.Path) == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Sync.PoisonThreshold <= 0 {
		errs = append(errs, errors.New("sync.poison_threshold must be positive"))
	}
	if c.Sync.RetryDelay <= 0 {
		errs = append(errs, errors.New("sync.retry_delay must be positive"))
	} else if c.Sync.MaxRetryDelay < c.Sync.RetryDelay {
		errs = append(errs, errors.New("sync.max_retry_delay must not be below sync.retry_delay"))
	}
	switch c.Secure.Backend {
	case "keyring", "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("secure.backend %q must be keyring, file or memory", c.Secure.Backend))
	}
	if c.Secure.Backend == "file" && c.Secure.File == "" {
		errs = append(errs, errors.New("secure.file is required for the file backend"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Loader reads Config from defaults, an optional YAML file, OBRAS_*
// environment variables and bound flags, in increasing precedence.
type Loader struct {
	v      *viper.Viper
	logger *slog.Logger
	mu     sync.Mutex
}

// NewLoader prepares a loader. An empty path skips the config file.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, logger: slog.Default()}
}

// Viper exposes the underlying instance so commands can bind flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

// SetLogger sets the logger used to report reloads.
func (l *Loader) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Load reads and validates the configuration.
func (l *Loader) Load() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Watch calls fn with the new configuration each time the config file
// changes. Invalid edits are logged and ignored. It does nothing without a
// config file.
func (l *Loader) Watch(fn func(Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			l.logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		l.logger.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.poison_threshold", d.Sync.PoisonThreshold)
	v.SetDefault("sync.retention", d.Sync.Retention)
	v.SetDefault("sync.retry_delay", d.Sync.RetryDelay)
	v.SetDefault("sync.max_retry_delay", d.Sync.MaxRetryDelay)
	v.SetDefault("sync.count_transient_failures", d.Sync.CountTransientFailures)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("network.probe_url", d.Network.ProbeURL)
	v.SetDefault("network.poll_interval", d.Network.PollInterval)
	v.SetDefault("network.host_poll_interval", d.Network.HostPollInterval)
	v.SetDefault("secure.backend", d.Secure.Backend)
	v.SetDefault("secure.file", d.Secure.File)
	v.SetDefault("secure.service", d.Secure.Service)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}
