package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHealthCheckTimeout bounds the durable-store probe at startup.
const DefaultHealthCheckTimeout = 3 * time.Second

// Config is the process-wide checkpoint configuration, loaded once at start
// and immutable afterwards.
type Config struct {
	// PreferDurable selects the configured durable backend; when false the
	// process runs on the volatile in-memory store from the start.
	PreferDurable bool `yaml:"prefer_durable"`

	// Backend names the durable store: "redis" (default), "postgres" or
	// "sqlite".
	Backend string `yaml:"backend"`

	// Namespace segments are joined into the key or table namespace, e.g.
	// ["acme", "prod"] becomes the Redis prefix "acme:prod:". Empty means
	// the backend default.
	Namespace []string `yaml:"namespace"`

	// DefaultTTLSeconds applies to saves that pass no TTL. Zero keeps
	// checkpoints until explicitly removed.
	DefaultTTLSeconds int64 `yaml:"default_ttl_seconds"`

	// HealthCheckTimeout bounds the startup probe of the durable backend.
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`

	// URL, when set, takes precedence over Addr/Password/DB. rediss:// URLs
	// enable TLS.
	URL string `yaml:"url"`

	// TLS enables TLS on the Addr-based connection.
	TLS bool `yaml:"tls"`
}

type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	TableName  string `yaml:"table_name"`
}

type SQLiteConfig struct {
	Path      string `yaml:"path"`
	TableName string `yaml:"table_name"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present: durable Redis on localhost.
func DefaultConfig() *Config {
	return &Config{
		PreferDurable:      true,
		Backend:            "redis",
		HealthCheckTimeout: DefaultHealthCheckTimeout,
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		SQLite: SQLiteConfig{
			Path: "./checkpoints.db",
		},
	}
}

// Load reads a YAML configuration file over the defaults, then overlays
// CHECKPOINT_* environment variables, so the environment wins over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a configuration from the defaults plus CHECKPOINT_*
// environment variables, for deployments that carry no config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("CHECKPOINT_PREFER_DURABLE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.PreferDurable = b
		}
	}
	if v := os.Getenv("CHECKPOINT_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("CHECKPOINT_NAMESPACE"); v != "" {
		c.Namespace = strings.Split(v, ":")
	}
	if v := os.Getenv("CHECKPOINT_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.DefaultTTLSeconds = n
		}
	}
	if v := os.Getenv("CHECKPOINT_HEALTH_CHECK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HealthCheckTimeout = d
		}
	}

	if v := os.Getenv("CHECKPOINT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CHECKPOINT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CHECKPOINT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("CHECKPOINT_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	if v := os.Getenv("CHECKPOINT_POSTGRES_CONN_STRING"); v != "" {
		c.Postgres.ConnString = v
	}
	if v := os.Getenv("CHECKPOINT_POSTGRES_TABLE"); v != "" {
		c.Postgres.TableName = v
	}

	if v := os.Getenv("CHECKPOINT_SQLITE_PATH"); v != "" {
		c.SQLite.Path = v
	}
	if v := os.Getenv("CHECKPOINT_SQLITE_TABLE"); v != "" {
		c.SQLite.TableName = v
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Backend {
	case "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown backend %q (want redis, postgres or sqlite)", c.Backend)
	}
	if c.DefaultTTLSeconds < 0 {
		return fmt.Errorf("default_ttl_seconds must not be negative, got %d", c.DefaultTTLSeconds)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health_check_timeout must be positive, got %s", c.HealthCheckTimeout)
	}
	for _, seg := range c.Namespace {
		if strings.TrimSpace(seg) == "" {
			return fmt.Errorf("namespace segments must not be empty")
		}
		if strings.ContainsAny(seg, ": \t\n") {
			return fmt.Errorf("namespace segment %q must not contain colons or whitespace", seg)
		}
	}
	if c.PreferDurable && c.Backend == "postgres" && strings.TrimSpace(c.Postgres.ConnString) == "" {
		return fmt.Errorf("postgres backend selected but conn_string is empty")
	}
	return nil
}

// Prefix joins the namespace segments into a Redis-style key prefix:
// ["acme", "prod"] -> "acme:prod:". Empty namespace returns "" so the
// backend default applies.
func (c *Config) Prefix() string {
	if len(c.Namespace) == 0 {
		return ""
	}
	return strings.Join(c.Namespace, ":") + ":"
}

// DefaultTTL returns DefaultTTLSeconds as a duration, zero when unset.
func (c *Config) DefaultTTL() time.Duration {
	if c.DefaultTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}
