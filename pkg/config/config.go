package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/prohmpiriya/fwe-access/pkg/retry"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Ticket lock backends
const (
	LockBackendLocal    = "local"
	LockBackendRedis    = "redis"
	LockBackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	OTel     OTelConfig     `mapstructure:"otel"`
	CheckIn  CheckInConfig  `mapstructure:"checkin"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds the store settings. Postgres fields are ignored when Driver is sqlite.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	Migrate         bool          `mapstructure:"migrate"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	ClientID    string   `mapstructure:"client_id"`
	AccessTopic string   `mapstructure:"access_topic"`
	DLQTopic    string   `mapstructure:"dlq_topic"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ServiceName    string        `mapstructure:"service_name"`
	CollectorAddr  string        `mapstructure:"collector_addr"`
	SampleRatio    float64       `mapstructure:"sample_ratio"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

// CheckInConfig holds the scan pipeline settings
type CheckInConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	LockBackend      string        `mapstructure:"lock_backend"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	TerminalCacheTTL time.Duration `mapstructure:"terminal_cache_ttl"`
	Timezone         string        `mapstructure:"timezone"`
	RecordRetries    int           `mapstructure:"record_retries"`
	RecordBackoff    time.Duration `mapstructure:"record_backoff"`
	IdempotencyTTL   time.Duration `mapstructure:"idempotency_ttl"`
}

// MaxLockHold is the longest a scan can keep its ticket lock: the scan
// timeout plus the detached dead-letter publish of a lost access row
func (c *CheckInConfig) MaxLockHold() time.Duration {
	return c.Timeout + retry.DefaultDLQPublishTimeout
}

// Location resolves the configured timezone
func (c *CheckInConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid CHECKIN_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Flags declares the command line flags understood by Load
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("env-file", ".env", "path to the .env file")
	fs.Bool("migrate", true, "apply pending database migrations on startup")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("db-driver", DriverPostgres, "database driver (postgres|sqlite)")
	return fs
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	return load(viper.New(), ".env", false)
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	return load(viper.New(), path, true)
}

// LoadWithFlags loads configuration honoring parsed command line flags.
// Explicitly set flags win over the environment and the .env file.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	bindings := map[string]string{
		"DATABASE_MIGRATE": "migrate",
		"SERVER_PORT":      "port",
		"DATABASE_DRIVER":  "db-driver",
	}
	for key, flag := range bindings {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	path := ".env"
	required := false
	if f := fs.Lookup("env-file"); f != nil {
		path = f.Value.String()
		required = f.Changed
	}
	return load(v, path, required)
}

func load(v *viper.Viper, path string, required bool) (*Config, error) {
	v.SetConfigFile(path)
	v.SetConfigType("env")

	// A missing .env is fine unless it was asked for explicitly
	if err := v.ReadInConfig(); err != nil && required {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "fwe-access")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")

	// Server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "15s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	// Database defaults
	v.SetDefault("DATABASE_DRIVER", DriverPostgres)
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "fwe_access")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "30m")
	v.SetDefault("DATABASE_SQLITE_PATH", "./data/fwe-access.db")
	v.SetDefault("DATABASE_MIGRATE", true)

	// Redis defaults
	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 50)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 5)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Kafka defaults
	v.SetDefault("KAFKA_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CLIENT_ID", "fwe-access")
	v.SetDefault("KAFKA_ACCESS_TOPIC", "ticket-access-events")
	v.SetDefault("KAFKA_DLQ_TOPIC", "ticket-access.dlq")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "fwe-access")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
	v.SetDefault("OTEL_METRIC_INTERVAL", "15s")

	// Check-in defaults
	v.SetDefault("CHECKIN_TIMEOUT", "5s")
	v.SetDefault("CHECKIN_LOCK_BACKEND", LockBackendLocal)
	v.SetDefault("CHECKIN_LOCK_TTL", "10s")
	v.SetDefault("CHECKIN_TERMINAL_CACHE_TTL", "30s")
	v.SetDefault("CHECKIN_TIMEZONE", "America/Sao_Paulo")
	v.SetDefault("CHECKIN_RECORD_RETRIES", 2)
	v.SetDefault("CHECKIN_RECORD_BACKOFF", "50ms")
	v.SetDefault("CHECKIN_IDEMPOTENCY_TTL", "24h")
}

func bindConfig(v *viper.Viper, cfg *Config) error {
	// App
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")

	// Server
	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	// Database
	cfg.Database.Driver = strings.ToLower(v.GetString("DATABASE_DRIVER"))
	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxOpenConns = v.GetInt("DATABASE_MAX_OPEN_CONNS")
	cfg.Database.MaxIdleConns = v.GetInt("DATABASE_MAX_IDLE_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")
	cfg.Database.SQLitePath = v.GetString("DATABASE_SQLITE_PATH")
	cfg.Database.Migrate = v.GetBool("DATABASE_MIGRATE")

	// Redis
	cfg.Redis.Enabled = v.GetBool("REDIS_ENABLED")
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	// Kafka
	cfg.Kafka.Enabled = v.GetBool("KAFKA_ENABLED")
	cfg.Kafka.Brokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")
	cfg.Kafka.AccessTopic = v.GetString("KAFKA_ACCESS_TOPIC")
	cfg.Kafka.DLQTopic = v.GetString("KAFKA_DLQ_TOPIC")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")
	cfg.OTel.MetricInterval = v.GetDuration("OTEL_METRIC_INTERVAL")

	// Check-in
	cfg.CheckIn.Timeout = v.GetDuration("CHECKIN_TIMEOUT")
	cfg.CheckIn.LockBackend = strings.ToLower(v.GetString("CHECKIN_LOCK_BACKEND"))
	cfg.CheckIn.LockTTL = v.GetDuration("CHECKIN_LOCK_TTL")
	cfg.CheckIn.TerminalCacheTTL = v.GetDuration("CHECKIN_TERMINAL_CACHE_TTL")
	cfg.CheckIn.Timezone = v.GetString("CHECKIN_TIMEZONE")
	cfg.CheckIn.RecordRetries = v.GetInt("CHECKIN_RECORD_RETRIES")
	cfg.CheckIn.RecordBackoff = v.GetDuration("CHECKIN_RECORD_BACKOFF")
	cfg.CheckIn.IdempotencyTTL = v.GetDuration("CHECKIN_IDEMPOTENCY_TTL")

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.DBName == "" {
			return fmt.Errorf("DATABASE_HOST and DATABASE_DBNAME are required for postgres")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("DATABASE_SQLITE_PATH is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %q", c.Database.Driver)
	}

	switch c.CheckIn.LockBackend {
	case LockBackendLocal:
	case LockBackendRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("CHECKIN_LOCK_BACKEND=redis requires REDIS_ENABLED=true")
		}
		// the Redis lease is not renewed; it must outlive every holder
		if c.CheckIn.LockTTL <= c.CheckIn.MaxLockHold() {
			return fmt.Errorf("CHECKIN_LOCK_TTL (%s) must exceed CHECKIN_TIMEOUT plus %s (%s)",
				c.CheckIn.LockTTL, retry.DefaultDLQPublishTimeout, c.CheckIn.MaxLockHold())
		}
	case LockBackendPostgres:
		if c.Database.Driver != DriverPostgres {
			return fmt.Errorf("CHECKIN_LOCK_BACKEND=postgres requires DATABASE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported CHECKIN_LOCK_BACKEND: %q", c.CheckIn.LockBackend)
	}

	if c.CheckIn.Timeout <= 0 {
		return fmt.Errorf("CHECKIN_TIMEOUT must be positive")
	}
	if c.CheckIn.RecordRetries < 0 {
		return fmt.Errorf("CHECKIN_RECORD_RETRIES must not be negative")
	}
	if _, err := c.CheckIn.Location(); err != nil {
		return err
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED=true")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
