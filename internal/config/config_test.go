package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
redis:
  addr: redis:6379
  db: 2
locks:
  ttl_seconds: 45
queue:
  capacity: 1
tenants:
  default_crawler_limit: 2
  limits:
    Acme: 5
renderer:
  backend: colly
  domain_qps: 0.5
storage:
  backend: gcs
  bucket: archive-bucket
database:
  driver: sqlite
  dsn: /tmp/archives.db
publisher:
  backend: kafka, memory
  kafka_brokers: ["kafka:9092"]
logging:
  development: false
  level: warn
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 45*time.Second, cfg.LockTTL())
	require.Equal(t, 1, cfg.Queue.Capacity)
	require.Equal(t, 2, cfg.Tenants.DefaultCrawlerLimit)
	require.Equal(t, map[string]int{"acme": 5}, cfg.Tenants.Limits)
	require.Equal(t, "colly", cfg.Renderer.Backend)
	require.InDelta(t, 0.5, cfg.Renderer.DomainQPS, 1e-9)
	require.Equal(t, "archive-bucket", cfg.Storage.Bucket)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, []string{"kafka", "memory"}, cfg.PublisherBackends())
	require.Equal(t, []string{"kafka:9092"}, cfg.Publisher.KafkaBrokers)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.LockTTL())
	require.Equal(t, 16, cfg.Queue.Capacity)
	require.Equal(t, 10, cfg.Ledger.Capacity)
	require.Equal(t, 1, cfg.Tenants.DefaultCrawlerLimit)
	require.Equal(t, "chromedp", cfg.Renderer.Backend)
	require.Equal(t, 1, cfg.Renderer.MaxRetries)
	require.Equal(t, 45*time.Second, cfg.NavTimeout())
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "none", cfg.Database.Driver)
	require.Equal(t, "archived", cfg.Publisher.Topic)
	require.Equal(t, 10*time.Second, cfg.ResumeTimeout())
	require.Equal(t, 15*time.Second, cfg.ShutdownTimeout())
	require.Equal(t, 5*time.Second, cfg.DialTimeout())
	require.True(t, cfg.Logging.Development)
}

// Not parallel: mutates the process environment.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ARCHIVER_REDIS_ADDR", "env-redis:6380")
	t.Setenv("ARCHIVER_QUEUE_CAPACITY", "4")
	t.Setenv("ARCHIVER_AUTH_ENABLED", "true")
	t.Setenv("ARCHIVER_AUTH_API_KEY", "from-env")
	t.Setenv("ARCHIVER_REDIS_PASSWORD", "s3cret")
	t.Setenv("ARCHIVER_DATABASE_DRIVER", "postgres")
	t.Setenv("ARCHIVER_DATABASE_DSN", "postgres://archiver@db/archive")
	t.Setenv("ARCHIVER_PUBLISHER_BACKEND", "memory,kafka")
	t.Setenv("ARCHIVER_PUBLISHER_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-redis:6380", cfg.Redis.Addr)
	require.Equal(t, 4, cfg.Queue.Capacity)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "from-env", cfg.Auth.APIKey)
	require.Equal(t, "s3cret", cfg.Redis.Password)
	require.Equal(t, "postgres://archiver@db/archive", cfg.Database.DSN)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Publisher.KafkaBrokers)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"port":           func(c *Config) { c.Server.Port = 0 },
		"auth key":       func(c *Config) { c.Auth.Enabled = true },
		"redis addr":     func(c *Config) { c.Redis.Addr = " " },
		"lock ttl":       func(c *Config) { c.Locks.TTLSeconds = 0 },
		"queue capacity": func(c *Config) { c.Queue.Capacity = 0 },
		"ledger":         func(c *Config) { c.Ledger.Capacity = -1 },
		"tenant limit":   func(c *Config) { c.Tenants.Limits = map[string]int{"t1": 0} },
		"renderer":       func(c *Config) { c.Renderer.Backend = "selenium" },
		"gcs bucket":     func(c *Config) { c.Storage.Backend = "gcs" },
		"storage":        func(c *Config) { c.Storage.Backend = "s3" },
		"postgres dsn":   func(c *Config) { c.Database.Driver = "postgres" },
		"driver":         func(c *Config) { c.Database.Driver = "mysql" },
		"workers":        func(c *Config) { c.Pipeline.Workers = 0 },
		"pubsub project": func(c *Config) { c.Publisher.Backend = "pubsub" },
		"kafka brokers":  func(c *Config) { c.Publisher.Backend = "memory,kafka" },
		"publisher":      func(c *Config) { c.Publisher.Backend = "sns" },
	}
	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Tenants.Limits = nil
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestWatchReloadsTenantLimits(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "tenants:\n  limits:\n    t1: 1\n")

	var (
		mu     sync.Mutex
		latest Config
		calls  int
	)
	require.NoError(t, Watch(path, func(cfg Config) {
		mu.Lock()
		defer mu.Unlock()
		latest = cfg
		calls++
	}, nil))

	require.Eventually(t, func() bool {
		// Rewrite until the watcher has picked the change up.
		_ = os.WriteFile(path, []byte("tenants:\n  limits:\n    t1: 3\n"), 0o600)
		mu.Lock()
		defer mu.Unlock()
		return calls > 0 && latest.Tenants.Limits["t1"] == 3
	}, 5*time.Second, 100*time.Millisecond)
}

func TestWatchRequiresPath(t *testing.T) {
	t.Parallel()

	require.Error(t, Watch("", func(Config) {}, nil))
}
