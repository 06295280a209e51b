// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// TrustProxy takes the client address from X-Forwarded-For and
		// X-Real-IP. Only enable it behind a proxy that sets them.
		TrustProxy bool `yaml:"trust_proxy"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Database struct {
		// URL is the core database and the template tenant connection
		// strings are derived from.
		URL          string        `yaml:"url"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		MaxLifetime  time.Duration `yaml:"max_lifetime"`
	} `yaml:"database"`

	Pool struct {
		MaxPools    int           `yaml:"max_pools"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		ConnTimeout time.Duration `yaml:"conn_timeout"`
	} `yaml:"pool"`

	Resolver struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`
		Cache    string        `yaml:"cache"` // memory | redis
	} `yaml:"resolver"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	RabbitMQ struct {
		URL string `yaml:"url"`
	} `yaml:"rabbitmq"`

	Audit struct {
		QueueSize     int           `yaml:"queue_size"`
		Workers       int           `yaml:"workers"`
		Overflow      string        `yaml:"overflow"`
		EnqueueWait   time.Duration `yaml:"enqueue_wait"`
		RetentionDays int           `yaml:"retention_days"`
		PurgeSchedule string        `yaml:"purge_schedule"`
	} `yaml:"audit"`

	Backup struct {
		Dir            string        `yaml:"dir"`
		PgDumpPath     string        `yaml:"pg_dump_path"`
		PgRestorePath  string        `yaml:"pg_restore_path"`
		Timeout        time.Duration `yaml:"timeout"`
		MaxOutputBytes int64         `yaml:"max_output_bytes"`
		Schedule       string        `yaml:"schedule"`
		S3             S3Config      `yaml:"s3"`
	} `yaml:"backup"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoadConfig reads the YAML file at path (optional when every required value
// comes from the environment), then applies environment overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	// .env is a development convenience; its absence is normal.
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Environment, "APP_ENV")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Backup.Dir, "BACKUP_DIR")
	setString(&cfg.Backup.PgDumpPath, "PG_DUMP_PATH")
	setString(&cfg.Backup.PgRestorePath, "PG_RESTORE_PATH")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.RabbitMQ.URL, "RABBITMQ_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	if v := os.Getenv("SERVER_TRUST_PROXY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.TrustProxy = b
		}
	}
	if v := os.Getenv("AUDIT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audit.RetentionDays = n
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.MaxLifetime == 0 {
		cfg.Database.MaxLifetime = time.Hour
	}
	if cfg.Pool.MaxPools == 0 {
		cfg.Pool.MaxPools = 100
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 10 * time.Minute
	}
	if cfg.Pool.ConnTimeout == 0 {
		cfg.Pool.ConnTimeout = 10 * time.Second
	}
	if cfg.Resolver.CacheTTL == 0 {
		cfg.Resolver.CacheTTL = 5 * time.Minute
	}
	if cfg.Resolver.Cache == "" {
		cfg.Resolver.Cache = "memory"
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = 1024
	}
	if cfg.Audit.Workers == 0 {
		cfg.Audit.Workers = 2
	}
	if cfg.Audit.Overflow == "" {
		cfg.Audit.Overflow = "drop_oldest"
	}
	if cfg.Audit.EnqueueWait == 0 {
		cfg.Audit.EnqueueWait = 250 * time.Millisecond
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Audit.PurgeSchedule == "" {
		cfg.Audit.PurgeSchedule = "0 2 * * *"
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = "./backups"
	}
	if cfg.Backup.Timeout == 0 {
		cfg.Backup.Timeout = 30 * time.Minute
	}
	if cfg.Backup.MaxOutputBytes == 0 {
		cfg.Backup.MaxOutputBytes = 32 << 20
	}
}

// Validate checks the values the process cannot start without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url (DATABASE_URL) is required")
	}
	switch c.Resolver.Cache {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("config: resolver.cache=redis requires redis.url")
		}
	default:
		return fmt.Errorf("config: unknown resolver.cache %q", c.Resolver.Cache)
	}
	switch c.Audit.Overflow {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("config: unknown audit.overflow %q", c.Audit.Overflow)
	}
	return nil
}
