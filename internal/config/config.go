// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix namespaces environment overrides, e.g. ARCHIVER_REDIS_ADDR.
const EnvPrefix = "ARCHIVER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Tenants   TenantsConfig   `mapstructure:"tenants"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RedisConfig points at the shared state store.
type RedisConfig struct {
	Addr               string `mapstructure:"addr"`
	Password           string `mapstructure:"password"`
	DB                 int    `mapstructure:"db"`
	PoolSize           int    `mapstructure:"pool_size"`
	DialTimeoutSeconds int    `mapstructure:"dial_timeout_seconds"`
}

// LocksConfig bounds how long a capture lock outlives its owner.
type LocksConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// QueueConfig sizes the per-tenant pending queue.
type QueueConfig struct {
	Capacity             int `mapstructure:"capacity"`
	ResumeTimeoutSeconds int `mapstructure:"resume_timeout_seconds"`
}

// LedgerConfig sizes the recent activity ledger.
type LedgerConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// TenantsConfig holds per-tenant crawler limits. Keys are lower-cased by Viper.
type TenantsConfig struct {
	DefaultCrawlerLimit int            `mapstructure:"default_crawler_limit"`
	Limits              map[string]int `mapstructure:"limits"`
}

// RendererConfig selects and tunes the page renderer.
type RendererConfig struct {
	Backend           string  `mapstructure:"backend"`
	MaxParallel       int     `mapstructure:"max_parallel"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	DomainQPS         float64 `mapstructure:"domain_qps"`
	DomainBurst       int     `mapstructure:"domain_burst"`
	MaxRetries        int     `mapstructure:"max_retries"`
	Screenshot        bool    `mapstructure:"screenshot"`
	UserAgent         string  `mapstructure:"user_agent"`
}

// StorageConfig selects where archived pages and screenshots are written.
type StorageConfig struct {
	Backend      string             `mapstructure:"backend"`
	Bucket       string             `mapstructure:"bucket"`
	Prefix       string             `mapstructure:"prefix"`
	CacheControl string             `mapstructure:"cache_control"`
	Local        LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the optional relational archive mirror.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PipelineConfig sizes the archive pipeline.
type PipelineConfig struct {
	Workers int `mapstructure:"workers"`
	Buffer  int `mapstructure:"buffer"`
}

// PublisherConfig selects where archived events are announced. Backend is a
// comma-separated list; the first entry is primary.
type PublisherConfig struct {
	Backend      string   `mapstructure:"backend"`
	Topic        string   `mapstructure:"topic"`
	ProjectID    string   `mapstructure:"project_id"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	Stream       bool     `mapstructure:"stream"`
}

// TelemetryConfig controls tracing resource attributes.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch reloads the file at path whenever it changes and hands every valid
// result to onChange. Invalid edits are logged and the previous config stays
// in effect.
func Watch(path string, onChange func(Config), logger *zap.Logger) error {
	if path == "" {
		return fmt.Errorf("watch requires a config file")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// setDefaults registers every key, even empty ones: AutomaticEnv only
// overrides keys viper already knows about when unmarshalling.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("redis.dial_timeout_seconds", 5)
	v.SetDefault("locks.ttl_seconds", 30)
	v.SetDefault("queue.capacity", 16)
	v.SetDefault("queue.resume_timeout_seconds", 10)
	v.SetDefault("ledger.capacity", 10)
	v.SetDefault("tenants.default_crawler_limit", 1)
	v.SetDefault("renderer.backend", "chromedp")
	v.SetDefault("renderer.max_parallel", 2)
	v.SetDefault("renderer.nav_timeout_seconds", 45)
	v.SetDefault("renderer.domain_qps", 1.0)
	v.SetDefault("renderer.domain_burst", 1)
	v.SetDefault("renderer.max_retries", 1)
	v.SetDefault("renderer.user_agent", "listing-archiver/0.1")
	v.SetDefault("renderer.screenshot", false)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "archive")
	v.SetDefault("storage.cache_control", "")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("database.driver", "none")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.buffer", 64)
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.topic", "archived")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.kafka_brokers", []string{})
	v.SetDefault("publisher.stream", true)
	v.SetDefault("telemetry.service_name", "listing-archiver")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Locks.TTLSeconds <= 0 {
		return fmt.Errorf("locks.ttl_seconds must be > 0")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Ledger.Capacity <= 0 {
		return fmt.Errorf("ledger.capacity must be > 0")
	}
	if c.Tenants.DefaultCrawlerLimit <= 0 {
		return fmt.Errorf("tenants.default_crawler_limit must be > 0")
	}
	for id, limit := range c.Tenants.Limits {
		if limit <= 0 {
			return fmt.Errorf("tenants.limits.%s must be > 0", id)
		}
	}
	switch c.Renderer.Backend {
	case "chromedp", "colly":
	default:
		return fmt.Errorf("renderer.backend must be chromedp or colly, got %q", c.Renderer.Backend)
	}
	if c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0")
	}
	if c.Renderer.MaxRetries < 0 {
		return fmt.Errorf("renderer.max_retries must be >= 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local, or gcs, got %q", c.Storage.Backend)
	}
	switch c.Database.Driver {
	case "", "none":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the %s driver", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite, or none, got %q", c.Database.Driver)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.Buffer < 0 {
		return fmt.Errorf("pipeline.buffer must be >= 0")
	}
	for _, b := range c.PublisherBackends() {
		switch b {
		case "memory":
		case "pubsub":
			if c.Publisher.ProjectID == "" {
				return fmt.Errorf("publisher.project_id is required for pubsub")
			}
		case "kafka":
			if len(c.Publisher.KafkaBrokers) == 0 {
				return fmt.Errorf("publisher.kafka_brokers is required for kafka")
			}
		default:
			return fmt.Errorf("unknown publisher backend %q", b)
		}
	}
	return nil
}

// PublisherBackends returns the configured publisher backends, primary first.
func (c Config) PublisherBackends() []string {
	var out []string
	for _, b := range strings.Split(c.Publisher.Backend, ",") {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// LockTTL returns the lock lifetime.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Locks.TTLSeconds) * time.Second
}

// NavTimeout returns the per-page render budget.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Renderer.NavTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// ResumeTimeout bounds the background dispatch cycle run when a session idles.
func (c Config) ResumeTimeout() time.Duration {
	return time.Duration(c.Queue.ResumeTimeoutSeconds) * time.Second
}

// DialTimeout bounds the initial Redis connection.
func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.Redis.DialTimeoutSeconds) * time.Second
}
