// Package config loads worktally settings from a YAML file, an optional .env
// file and WORKTALLY_* environment variables.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/network"
	"github.com/kimhsiao/worktally/internal/store"
	syncpkg "github.com/kimhsiao/worktally/internal/sync"
	"github.com/kimhsiao/worktally/internal/sync/conflict"
)

// EnvPrefix prefixes every environment override, e.g. WORKTALLY_SYNC_BATCH_SIZE.
const EnvPrefix = "WORKTALLY"

type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Network NetworkConfig `mapstructure:"network"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
}

type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	DataDir       string `mapstructure:"data_dir"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Namespace     string `mapstructure:"namespace"`
}

type SyncConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Debounce         time.Duration `mapstructure:"debounce"`
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
	DeadLetterLimit  int           `mapstructure:"dead_letter_limit"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

// NetworkConfig selects the connectivity source. An empty ProbeURL means
// connectivity is set manually and starts online.
type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	StatusPoll    string        `mapstructure:"status_poll"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultDataDir is ~/.worktally, or .worktally when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".worktally"
	}
	return filepath.Join(home, ".worktally")
}

// ReloadDebounce is how long Watch waits after the last file event before
// reloading, so an editor's truncate-then-write is applied once.
const ReloadDebounce = 100 * time.Millisecond

// Loader reads configuration and can watch the config file for changes.
type Loader struct {
	v    *viper.Viper
	path string

	mu          sync.Mutex
	current     *Config
	reloadTimer *time.Timer
}

// NewLoader creates a loader for path. An empty path uses defaults and the
// environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return &Loader{v: v, path: path}
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads the config file (when set), applies overrides and validates the
// result.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "read config "+l.path, err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the new configuration whenever the config file is
// written. Events are debounced; empty files and invalid edits are logged and
// ignored. Without a config file Watch does nothing.
func (l *Loader) Watch(fn func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		if l.reloadTimer != nil {
			l.reloadTimer.Stop()
		}
		l.reloadTimer = time.AfterFunc(ReloadDebounce, func() { l.reload(fn) })
		l.mu.Unlock()
	})
	l.v.WatchConfig()
}

// reload reads the file with a fresh viper instance; the watched one is
// owned by the watcher goroutine.
func (l *Loader) reload(fn func(*Config)) {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() == 0 {
		logging.Debug("Skipping config reload of empty or missing file", map[string]interface{}{
			"file": l.path,
		})
		return
	}
	cfg, err := NewLoader(l.path).Load()
	if err != nil {
		logging.Warn("Ignoring invalid config change", map[string]interface{}{
			"file":  l.path,
			"error": err.Error(),
		})
		return
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	logging.Info("Config reloaded", map[string]interface{}{"file": l.path})
	fn(cfg)
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "load "+p, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", store.BackendSQLite)
	v.SetDefault("store.data_dir", DefaultDataDir())
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.namespace", "worktally")

	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.debounce", "100ms")
	v.SetDefault("sync.conflict_strategy", conflict.NameServerWins)
	v.SetDefault("sync.dead_letter_limit", 100)

	v.SetDefault("remote.base_url", "http://localhost:8080/api")
	v.SetDefault("remote.timeout", "15s")
	v.SetDefault("remote.token", "")

	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", "15s")
	v.SetDefault("network.status_poll", network.DefaultStatusPoll)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("server.addr", "127.0.0.1:7420")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Backend) {
	case store.BackendMemory, store.BackendSQLite:
	case store.BackendRedis:
		if c.Store.RedisAddr == "" {
			return apperrors.New(apperrors.ErrConfigInvalid, "store.redis_addr is required for the redis backend")
		}
	default:
		return apperrors.Newf(apperrors.ErrConfigInvalid, "unknown store.backend %q", c.Store.Backend)
	}
	if c.Sync.BatchSize <= 0 {
		return apperrors.Newf(apperrors.ErrConfigInvalid, "sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries <= 0 {
		return apperrors.Newf(apperrors.ErrConfigInvalid, "sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.Debounce <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "sync.debounce must be positive")
	}
	if c.Sync.DeadLetterLimit < 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "sync.dead_letter_limit must not be negative")
	}
	if _, err := conflict.ParseStrategy(c.Sync.ConflictStrategy, c.Sync.MaxRetries); err != nil {
		return err
	}
	if c.Remote.Timeout <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "remote.timeout must be positive")
	}
	if c.Network.ProbeURL != "" && c.Network.ProbeInterval <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "network.probe_interval must be positive")
	}
	return nil
}

// StoreOptions converts the store section for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:       c.Store.Backend,
		DataDir:       c.Store.DataDir,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
		Namespace:     c.Store.Namespace,
	}
}

// EngineOptions converts the sync section for the engine.
func (c *Config) EngineOptions() syncpkg.Options {
	return syncpkg.Options{
		BatchSize:     c.Sync.BatchSize,
		MaxRetries:    c.Sync.MaxRetries,
		DebounceDelay: c.Sync.Debounce,
	}
}

// Strategy returns the configured conflict strategy.
func (c *Config) Strategy() (conflict.Strategy, error) {
	return conflict.ParseStrategy(c.Sync.ConflictStrategy, c.Sync.MaxRetries)
}

// ProbeConfig converts the network section for network.NewProbe.
func (c *Config) ProbeConfig() network.ProbeConfig {
	return network.ProbeConfig{
		URL:      c.Network.ProbeURL,
		Interval: c.Network.ProbeInterval,
		Timeout:  c.Remote.Timeout,
	}
}

// LogOptions converts the log section for logging.Configure.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
