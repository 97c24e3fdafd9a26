// Package config loads the server configuration from a YAML file, a .env
// file and DUES_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata" // calendar.timezone must resolve on minimal images

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Import    ImportConfig    `mapstructure:"import"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	Demo           bool          `mapstructure:"demo"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory | sqlite | postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// CalendarConfig defines where "today" is evaluated.
type CalendarConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// ReconcileConfig tunes bulk payment imports.
type ReconcileConfig struct {
	IDColumns          []string `mapstructure:"id_columns"`
	NextPaymentColumns []string `mapstructure:"next_payment_columns"`
	Workers            int      `mapstructure:"workers"`
}

// SchedulerConfig controls the auto-extension job.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AuthConfig enables bearer-token protection when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// KafkaConfig enables the event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	ClientID     string   `mapstructure:"client_id"`
	RequiredAcks string   `mapstructure:"required_acks"`
	RetryMax     int      `mapstructure:"retry_max"`
}

// ImportConfig limits the upload endpoint.
type ImportConfig struct {
	RatePerMinute  int   `mapstructure:"rate_per_minute"`
	Burst          int   `mapstructure:"burst"`
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Load reads configuration. A .env file in the working directory, if any, is
// loaded into the environment first; then config.yaml is searched in
// configPath and "."; DUES_* environment variables override both
// (DUES_SERVER_PORT overrides server.port).
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("DUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Every key needs a default, even an empty one, or AutomaticEnv will not
// reach it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.demo", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/dues.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("calendar.timezone", "America/Santiago")
	v.SetDefault("reconcile.id_columns", []string{"rut", "fiscal_id", "fiscalid"})
	v.SetDefault("reconcile.next_payment_columns", []string{"proximo_pago", "next_payment"})
	v.SetDefault("reconcile.workers", 1)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", 24*time.Hour)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "dues-engine")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "dues-events")
	v.SetDefault("kafka.client_id", "dues-engine")
	v.SetDefault("kafka.required_acks", "all")
	v.SetDefault("kafka.retry_max", 3)
	v.SetDefault("import.rate_per_minute", 6)
	v.SetDefault("import.burst", 2)
	v.SetDefault("import.max_upload_bytes", 5<<20)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be specified for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn must be specified for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q (memory, sqlite or postgres)", c.Store.Driver)
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("invalid calendar.timezone: %w", err)
	}
	if c.Reconcile.Workers <= 0 {
		return fmt.Errorf("reconcile.workers must be positive")
	}
	if len(c.Reconcile.IDColumns) == 0 {
		return fmt.Errorf("reconcile.id_columns must not be empty")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic must be specified when brokers are set")
	}
	if c.Import.RatePerMinute <= 0 {
		return fmt.Errorf("import.rate_per_minute must be positive")
	}
	if c.Import.MaxUploadBytes <= 0 {
		return fmt.Errorf("import.max_upload_bytes must be positive")
	}
	return nil
}

// Location returns the configured calendar location.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
